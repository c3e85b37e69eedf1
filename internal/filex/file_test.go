package filex

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir_CreatesNestedDirectory(t *testing.T) {
	tmp := t.TempDir()

	got, err := EnsureDir(filepath.Join(tmp, "cache", "revisions"))
	require.NoError(t, err)

	fi, err := os.Stat(got)
	require.NoError(t, err)
	require.True(t, fi.IsDir(), "should create a directory")

	if runtime.GOOS != "windows" {
		require.Equal(t, os.FileMode(0o700), fi.Mode().Perm()&0o700)
	}

	again, err := EnsureDir(got)
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestEnsureDir_FailsIfFileWithSameNameExists(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "prefetch")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o660))

	_, err := EnsureDir(path)
	require.Error(t, err, "should fail when a file exists with the same name")
}

func TestMoveFile(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "a.cs")
	dst := filepath.Join(tmp, "sub", "b.cs")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o660))

	require.NoError(t, MoveFile(src, dst))

	assert.False(t, Exists(src))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))
}

func TestCopyFile_RefusesToOverwrite(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "a")
	dst := filepath.Join(tmp, "b")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o660))
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o660))

	require.Error(t, CopyFile(src, dst))

	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "old", string(b))
}

func TestListFiles_OldestFirstAndSkip(t *testing.T) {
	tmp := t.TempDir()
	now := time.Now()

	write := func(name string, size int, age time.Duration) {
		t.Helper()
		p := filepath.Join(tmp, name)
		require.NoError(t, os.WriteFile(p, make([]byte, size), 0o660))
		ts := now.Add(-age)
		require.NoError(t, os.Chtimes(p, ts, ts))
	}
	write("new.cs", 10, time.Minute)
	write("old.cs", 20, time.Hour)
	write("mid.cs", 30, 10*time.Minute)
	write("mid.cs.lock", 0, 2*time.Hour)
	require.NoError(t, os.Mkdir(filepath.Join(tmp, "dir"), 0o770))

	files, err := ListFiles(tmp, func(name string) bool { return filepath.Ext(name) == ".lock" })
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "old.cs", filepath.Base(files[0].Path))
	assert.Equal(t, "mid.cs", filepath.Base(files[1].Path))
	assert.Equal(t, "new.cs", filepath.Base(files[2].Path))
	assert.Equal(t, int64(20), files[0].Size)
}

func TestFileSize(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, []byte("12345"), 0o660))

	n, err := FileSize(p)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	_, err = FileSize(p + ".missing")
	assert.Error(t, err)
}
