package models

// Element is one row of the briefcase content.
type Element struct {
	ID    string
	Value string
}

// ChangeKind separates element edits from code usage records.
type ChangeKind string

const (
	ChangeKindElement ChangeKind = "element"
	ChangeKindCode    ChangeKind = "code"
)

// ChangeOp is the operation of an element change.
type ChangeOp string

const (
	ChangeOpSet    ChangeOp = "set"
	ChangeOpDelete ChangeOp = "delete"
)

// Change is a locally tracked, not yet pushed modification.
type Change struct {
	// Seq orders changes; it is assigned by the local store.
	Seq  int64
	Kind ChangeKind

	ElementID string
	Op        ChangeOp
	Value     string

	// Code and CodeState are set for ChangeKindCode. CodeState is Used for
	// assigned codes and Discarded for discarded ones.
	Code      Code
	CodeState CodeState
}
