package localstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/client/models"
	"github.com/dmitrijs2005/briefsync/internal/common"
)

const fileFormat = 1

// SchemaElementPrefix marks element ids that belong to the schema.
const SchemaElementPrefix = "schema:"

type revisionFile struct {
	Format      int          `json:"format"`
	ParentID    string       `json:"parentId"`
	BriefcaseID int          `json:"briefcaseId"`
	Nonce       string       `json:"nonce"`
	CreatedAt   time.Time    `json:"createdAt"`
	Changes     []fileChange `json:"changes"`
}

type fileChange struct {
	Kind      string `json:"kind"`
	ElementID string `json:"elementId,omitempty"`
	Op        string `json:"op,omitempty"`
	Value     string `json:"value,omitempty"`
	CodeSpec  string `json:"codeSpec,omitempty"`
	CodeScope string `json:"codeScope,omitempty"`
	CodeValue string `json:"codeValue,omitempty"`
	CodeState int    `json:"codeState,omitempty"`
}

func encodeRevision(f revisionFile) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", " ")
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readRevision(path string) (*revisionFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f revisionFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrRevisionCorrupted, err)
	}
	if f.Format != fileFormat {
		return nil, fmt.Errorf("%w: unsupported format %d", common.ErrRevisionCorrupted, f.Format)
	}
	return &f, nil
}

func toFileChange(c models.Change) fileChange {
	return fileChange{
		Kind:      string(c.Kind),
		ElementID: c.ElementID,
		Op:        string(c.Op),
		Value:     c.Value,
		CodeSpec:  c.Code.SpecID,
		CodeScope: c.Code.Scope,
		CodeValue: c.Code.Value,
		CodeState: int(c.CodeState),
	}
}

// summarize derives the locks and codes a revision uses.
func summarize(rev *models.Revision, changes []models.Change) {
	seenLock := map[models.LockableID]bool{}
	addLock := func(id models.LockableID) {
		if seenLock[id] {
			return
		}
		seenLock[id] = true
		rev.UsedLocks = append(rev.UsedLocks, models.Lock{
			ID:          id,
			Level:       models.LockLevelExclusive,
			BriefcaseID: rev.BriefcaseID,
		})
	}

	for _, c := range changes {
		switch c.Kind {
		case models.ChangeKindElement:
			if strings.HasPrefix(c.ElementID, SchemaElementPrefix) {
				rev.ContainsSchemaChanges = true
				addLock(models.LockableID{Type: models.LockableTypeSchemas, ObjectID: "0x1"})
				continue
			}
			addLock(models.LockableID{Type: models.LockableTypeElement, ObjectID: c.ElementID})
		case models.ChangeKindCode:
			switch c.CodeState {
			case models.CodeStateUsed:
				rev.AssignedCodes = append(rev.AssignedCodes, c.Code)
			case models.CodeStateDiscarded:
				rev.DiscardedCodes = append(rev.DiscardedCodes, c.Code)
			}
		}
	}
}
