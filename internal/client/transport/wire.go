package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/briefsync/internal/common"
)

// WireInstance is the JSON document of one instance.
type WireInstance struct {
	InstanceID            string             `json:"instanceId,omitempty"`
	SchemaName            string             `json:"schemaName,omitempty"`
	ClassName             string             `json:"className"`
	ChangeState           string             `json:"changeState,omitempty"`
	Properties            map[string]any     `json:"properties,omitempty"`
	RelationshipInstances []WireRelationship `json:"relationshipInstances,omitempty"`
}

// WireRelationship attaches a related instance.
type WireRelationship struct {
	ClassName       string       `json:"className"`
	Direction       string       `json:"direction"`
	RelatedInstance WireInstance `json:"relatedInstance"`
}

// WireCreateRequest is the body of a create or update.
type WireCreateRequest struct {
	Instance WireInstance `json:"instance"`
}

// WireChangedInstance wraps the instance echoed by a create.
type WireChangedInstance struct {
	ChangedInstance struct {
		InstanceAfterChange WireInstance `json:"instanceAfterChange"`
	} `json:"changedInstance"`
}

// WireInstances is the body of a query response.
type WireInstances struct {
	Instances []WireInstance `json:"instances"`
}

// WireChangeset is the body of a changeset request.
type WireChangeset struct {
	Instances      []WireInstance     `json:"instances"`
	RequestOptions *WireRequestOption `json:"requestOptions,omitempty"`
}

// WireChangesetResult is the body of a changeset response.
type WireChangesetResult struct {
	ChangedInstances []WireChangedInstanceEntry `json:"changedInstances,omitempty"`
}

// WireChangedInstanceEntry is one element of WireChangesetResult.
type WireChangedInstanceEntry struct {
	Change              string       `json:"change"`
	InstanceAfterChange WireInstance `json:"instanceAfterChange"`
}

// WireRequestOption carries RequestOptions.
type WireRequestOption struct {
	ResponseContent string            `json:"ResponseContent,omitempty"`
	CustomOptions   map[string]string `json:"CustomOptions,omitempty"`
}

// WireError is the body of a failed request.
type WireError struct {
	ErrorID      string         `json:"errorId"`
	ErrorMessage string         `json:"errorMessage"`
	ErrorData    map[string]any `json:"errorData,omitempty"`
}

// ToWire converts an instance into its JSON document.
func ToWire(i Instance) WireInstance {
	w := WireInstance{
		InstanceID:  i.ID,
		SchemaName:  i.Schema,
		ClassName:   i.Class,
		ChangeState: string(i.State),
		Properties:  i.Properties,
	}
	for class, rel := range i.Related {
		w.RelationshipInstances = append(w.RelationshipInstances, WireRelationship{
			ClassName:       class,
			Direction:       "forward",
			RelatedInstance: ToWire(rel),
		})
	}
	return w
}

// FromWire converts a JSON document into an instance.
func FromWire(w WireInstance) Instance {
	i := Instance{
		ObjectID:   ObjectID{Schema: w.SchemaName, Class: w.ClassName, ID: w.InstanceID},
		State:      ChangeState(w.ChangeState),
		Properties: w.Properties,
	}
	if i.Schema == "" {
		i.Schema = Schema
	}
	if i.Properties == nil {
		i.Properties = map[string]any{}
	}
	for _, r := range w.RelationshipInstances {
		if i.Related == nil {
			i.Related = make(map[string]Instance, len(w.RelationshipInstances))
		}
		i.Related[r.ClassName] = FromWire(r.RelatedInstance)
	}
	return i
}

func fromWireList(ws []WireInstance) []Instance {
	out := make([]Instance, 0, len(ws))
	for _, w := range ws {
		out = append(out, FromWire(w))
	}
	return out
}

// ChangesetToWire converts a changeset request.
func ChangesetToWire(cs Changeset) WireChangeset {
	w := WireChangeset{Instances: make([]WireInstance, 0, len(cs.Instances))}
	for _, i := range cs.Instances {
		w.Instances = append(w.Instances, ToWire(i))
	}
	if cs.Options.EmptyResponse || cs.Options.DetailedErrors {
		opt := &WireRequestOption{}
		if cs.Options.EmptyResponse {
			opt.ResponseContent = "Empty"
		}
		if cs.Options.DetailedErrors {
			opt.CustomOptions = map[string]string{
				"DetailedError_Locks": "true",
				"DetailedError_Codes": "true",
				"UnlimitedReporting":  "true",
			}
		}
		w.RequestOptions = opt
	}
	return w
}

// ChangesetFromWire converts a changeset request back.
func ChangesetFromWire(w WireChangeset) Changeset {
	cs := Changeset{Instances: fromWireList(w.Instances)}
	if o := w.RequestOptions; o != nil {
		cs.Options.EmptyResponse = o.ResponseContent == "Empty"
		cs.Options.DetailedErrors = o.CustomOptions["DetailedError_Locks"] == "true" ||
			o.CustomOptions["DetailedError_Codes"] == "true"
	}
	return cs
}

// decodeJSON keeps numbers as json.Number so 64-bit ids survive.
func decodeJSON(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

// DecodeError builds the error for a failed response body.
func DecodeError(status int, body []byte) error {
	var we WireError
	if len(body) > 0 && decodeJSON(body, &we) == nil && we.ErrorID != "" {
		return common.NewRemoteError(we.ErrorID, we.ErrorMessage, status, we.ErrorData)
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return common.NewRemoteError("", msg, status, nil)
}
