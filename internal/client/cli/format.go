package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/reservation"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/fatih/color"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	labelColor   = color.New(color.FgWhite, color.Bold)
	dimColor     = color.New(color.FgHiBlack)
)

// output receives everything the commands print.
var output io.Writer = color.Output

func printSuccess(format string, args ...any) {
	successColor.Fprintf(output, "✓ "+format+"\n", args...)
}

func printLabelValue(label string, value any) {
	labelColor.Fprintf(output, "%-18s", label+":")
	fmt.Fprintf(output, " %v\n", value)
}

// printError reports a failed command. Conflicts list what blocked the
// request, contention hints at a retry.
func printError(err error) {
	var ce *reservation.ConflictError
	switch {
	case errors.As(err, &ce):
		errorColor.Fprintf(output, "✗ denied: %v\n", ce.Err)
		for _, l := range ce.Locks {
			warningColor.Fprintf(output, "  lock %s", l.ID)
			fmt.Fprintf(output, " held %s by %s\n", l.Level(), owners(l))
		}
		for _, c := range ce.Codes {
			warningColor.Fprintf(output, "  code %s", c.Code)
			fmt.Fprintf(output, " %s by briefcase %s\n", c.State, c.BriefcaseID)
		}
	case common.IsRetryable(err):
		warningColor.Fprintf(output, "! %v\n", err)
		dimColor.Fprintln(output, "  the repository is busy, try again")
	default:
		errorColor.Fprintf(output, "✗ %v\n", err)
	}
}

func owners(s models.LockState) string {
	if s.ExclusiveOwner != models.InvalidBriefcaseID {
		return "briefcase " + s.ExclusiveOwner.String()
	}
	out := ""
	for i, o := range s.SharedOwners {
		if i > 0 {
			out += ", "
		}
		out += "briefcase " + o.String()
	}
	return out
}
