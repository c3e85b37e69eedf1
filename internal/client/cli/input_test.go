package cli

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetToken(t *testing.T) {
	old := readPassword
	t.Cleanup(func() { readPassword = old })

	tests := []struct {
		name    string
		raw     string
		readErr error
		want    string
		wantErr string
	}{
		{name: "trimmed", raw: "  tok-1 \n", want: "tok-1"},
		{name: "blank", raw: " \t", wantErr: "empty access token"},
		{name: "terminal error", readErr: errors.New("not a tty"), wantErr: "read token: not a tty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			readPassword = func(int) ([]byte, error) { return []byte(tt.raw), tt.readErr }

			var out bytes.Buffer
			got, err := GetToken(&out)
			assert.Equal(t, "Enter access token: \n", out.String())
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
