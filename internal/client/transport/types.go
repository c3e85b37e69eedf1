package transport

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/dmitrijs2005/briefsync/internal/netx"
)

// Schema is the remote schema of every class used by the sync client.
const Schema = "iModelScope"

// Remote class names.
const (
	ClassChangeSet         = "ChangeSet"
	ClassBriefcase         = "Briefcase"
	ClassLock              = "Lock"
	ClassMultiLock         = "MultiLock"
	ClassCode              = "Code"
	ClassMultiCode         = "MultiCode"
	ClassCodeSequence      = "CodeSequence"
	ClassEventSubscription = "EventSubscription"
	ClassEventSAS          = "EventSAS"
	ClassAccessKey         = "AccessKey"
)

// RelFileAccessKey is the relationship that carries blob access keys.
const RelFileAccessKey = "FileAccessKey"

// ObjectID addresses one remote instance.
type ObjectID struct {
	Schema string
	Class  string
	ID     string
}

// NewObjectID returns an id in the default schema.
func NewObjectID(class, id string) ObjectID {
	return ObjectID{Schema: Schema, Class: class, ID: id}
}

// ChangeState tells a changeset what to do with an instance.
type ChangeState string

const (
	ChangeCreated  ChangeState = "new"
	ChangeModified ChangeState = "modified"
	ChangeDeleted  ChangeState = "deleted"
)

// Instance is one remote object.
type Instance struct {
	ObjectID
	State      ChangeState
	Properties map[string]any

	// Related holds related instances keyed by relationship class.
	Related map[string]Instance
}

// NewInstance returns an instance of class in the default schema.
func NewInstance(class, id string, props map[string]any) Instance {
	if props == nil {
		props = map[string]any{}
	}
	return Instance{ObjectID: NewObjectID(class, id), Properties: props}
}

// Str returns a string property or "".
func (i Instance) Str(name string) string {
	switch v := i.Properties[name].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return ""
	}
}

// Int returns a numeric property or 0. Decoders may produce float64,
// json.Number or native integers depending on the transport.
func (i Instance) Int(name string) int64 {
	return toInt(i.Properties[name])
}

// Bool returns a boolean property or false.
func (i Instance) Bool(name string) bool {
	b, _ := i.Properties[name].(bool)
	return b
}

// Time returns an RFC 3339 time property or the zero time.
func (i Instance) Time(name string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, i.Str(name))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Strs returns a string list property.
func (i Instance) Strs(name string) []string {
	switch v := i.Properties[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Ints returns a numeric list property.
func (i Instance) Ints(name string) []int64 {
	switch v := i.Properties[name].(type) {
	case []int64:
		return v
	case []any:
		out := make([]int64, 0, len(v))
		for _, x := range v {
			out = append(out, toInt(x))
		}
		return out
	default:
		return nil
	}
}

// AccessKey returns the download or upload URL attached to the instance.
func (i Instance) AccessKey() string {
	rel, ok := i.Related[RelFileAccessKey]
	if !ok {
		return ""
	}
	if u := rel.Str(PropDownloadURL); u != "" {
		return u
	}
	return rel.Str(PropUploadURL)
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		f, _ := n.Float64()
		return int64(f)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

// Query selects instances of one class.
type Query struct {
	Schema string
	Class  string
	Filter Expr
	Select string
	Top    int
}

// NewQuery returns a query over class in the default schema.
func NewQuery(class string) Query {
	return Query{Schema: Schema, Class: class}
}

// RequestOptions tune a changeset request.
type RequestOptions struct {
	// EmptyResponse asks the server not to echo changed instances.
	EmptyResponse bool
	// DetailedErrors asks for conflicting locks and codes in error data.
	DetailedErrors bool
}

// Changeset applies several changes atomically.
type Changeset struct {
	Instances []Instance
	Options   RequestOptions
}

// Add appends inst with the given change state.
func (c *Changeset) Add(state ChangeState, inst Instance) {
	inst.State = state
	c.Instances = append(c.Instances, inst)
}

// Transport is the object protocol consumed by the sync client.
type Transport interface {
	CreateObject(ctx context.Context, inst Instance) (Instance, error)
	QueryObjects(ctx context.Context, q Query) ([]Instance, error)
	UpdateObject(ctx context.Context, inst Instance) error
	DeleteObject(ctx context.Context, id ObjectID) error
	UploadFile(ctx context.Context, id ObjectID, path string, progress netx.ProgressFunc) error
	DownloadFile(ctx context.Context, id ObjectID, path string, progress netx.ProgressFunc) error
	SendChangeset(ctx context.Context, cs Changeset) ([]Instance, error)
	Close() error
}

// TokenProvider returns a bearer token. forceRefresh is set after the
// server rejected the previous one.
type TokenProvider func(ctx context.Context, forceRefresh bool) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenProvider {
	return func(context.Context, bool) (string, error) { return token, nil }
}
