package reservation

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/briefsync/internal/client/metrics"
	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/dmitrijs2005/briefsync/internal/common"
)

// SequencePlaceholder marks the numeric part of a value pattern.
const SequencePlaceholder = '#'

// CodeSequence describes a code value pattern within a spec and scope.
type CodeSequence struct {
	SpecID string
	Scope  string
	// ValuePattern is a template such as "DOOR-####".
	ValuePattern string
}

func (s CodeSequence) validate() error {
	if s.SpecID == "" || !strings.ContainsRune(s.ValuePattern, SequencePlaceholder) {
		return fmt.Errorf("%w: code sequence needs a spec and a pattern with %q",
			common.ErrMissingRequiredProperty, SequencePlaceholder)
	}
	return nil
}

func (c *Client) querySequence(ctx context.Context, op string, seq CodeSequence, typ models.CodeSequenceType, props map[string]any) (string, error) {
	if err := seq.validate(); err != nil {
		return "", err
	}
	p := map[string]any{
		transport.PropCodeSpecID:   seq.SpecID,
		transport.PropCodeScope:    seq.Scope,
		transport.PropValuePattern: seq.ValuePattern,
		transport.PropType:         int(typ),
	}
	for k, v := range props {
		p[k] = v
	}

	var cs transport.Changeset
	cs.Add(transport.ChangeCreated, transport.NewInstance(transport.ClassCodeSequence, "", p))
	res, err := c.transport.SendChangeset(ctx, cs)
	metrics.ReservationRequests.WithLabelValues(op, metrics.Outcome(err)).Inc()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if len(res) == 0 || res[0].Str(transport.PropValue) == "" {
		return "", fmt.Errorf("%s: %w: no value returned", op, common.ErrMalformedResponse)
	}
	return res[0].Str(transport.PropValue), nil
}

// QueryCodeMaximumIndex returns the highest value used in the sequence.
func (c *Client) QueryCodeMaximumIndex(ctx context.Context, seq CodeSequence) (string, error) {
	return c.querySequence(ctx, "sequence_max", seq, models.CodeSequenceMaximum, nil)
}

// QueryCodeNextAvailable returns the first free value of the sequence
// counting from start in steps of increment.
func (c *Client) QueryCodeNextAvailable(ctx context.Context, seq CodeSequence, start, increment int) (string, error) {
	props := map[string]any{}
	if start >= 0 && increment > 0 {
		props[transport.PropStartIndex] = start
		props[transport.PropIncrementBy] = increment
	}
	return c.querySequence(ctx, "sequence_next", seq, models.CodeSequenceNextAvailable, props)
}
