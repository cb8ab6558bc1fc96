package domain

import (
	"errors"
	"fmt"
)

// Local feature misuse. Always a bug in the calling layer; never retried.
var (
	// ErrIndexOutOfRange is returned by list features for an index outside the list.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrInvalidValue is returned when a value of an unsupported type is stored in a feature.
	ErrInvalidValue = errors.New("invalid feature value")

	// ErrNoWriteContext is the panic value (wrapped) for mutations outside Tree.Write.
	ErrNoWriteContext = errors.New("tree mutated outside of its write context")

	// ErrCycle is returned when attaching a node under one of its own descendants.
	ErrCycle = errors.New("node cannot be attached under its own subtree")

	// ErrTemplateRebind is returned when a node bound to one template is bound to another.
	ErrTemplateRebind = errors.New("node is already bound to a different template")

	// ErrNodeNotFound is returned when an id does not name an attached node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeAttached is returned when a node still linked to a parent in another tree is attached.
	ErrNodeAttached = errors.New("node is still linked in another tree")

	// ErrUnknownHandler is returned for a handler invocation naming no registered handler.
	ErrUnknownHandler = errors.New("unknown server handler")
)

// Protocol sequencing. Always recovered by a full resynchronization.
var (
	// ErrUnknownNodeReference is raised by the renderer for a record naming an id it has never seen.
	ErrUnknownNodeReference = errors.New("unknown node reference")

	// ErrUnexpectedDeltaBeforeSync is raised when a delta batch arrives before the first full dump.
	ErrUnexpectedDeltaBeforeSync = errors.New("delta received before initial synchronization")

	// ErrStaleTemplateReference is raised when a record references an unregistered template id.
	ErrStaleTemplateReference = errors.New("stale template reference")

	// ErrSequenceGap is raised when a batch sequence number skips ahead within an epoch.
	ErrSequenceGap = errors.New("batch sequence gap")

	// ErrParentMismatch is raised when a batch leaves a node under a parent whose
	// children list does not hold it.
	ErrParentMismatch = errors.New("parent does not list the node")
)

// ErrUnknownRecord is returned by Accept for a Record that is not one of the known variants.
var ErrUnknownRecord = errors.New("unknown change record")

// ErrSessionNotFound is returned when a session ID cannot be found.
var ErrSessionNotFound = errors.New("session not found")

// ErrTemplateNotFound is returned by template stores for an unknown template id.
var ErrTemplateNotFound = errors.New("template not found")

// ErrLockNotHeld is returned when releasing a distributed lock that expired or
// was taken over by another owner.
var ErrLockNotHeld = errors.New("lock not held")

// IndexError describes a list operation that used an index outside the list.
type IndexError struct {
	Op    string
	Index int
	Size  int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("%s: index %d out of range [0,%d]", e.Op, e.Index, e.Size)
}

func (e *IndexError) Unwrap() error {
	return ErrIndexOutOfRange
}

// ProtocolError is a renderer-side sequencing failure for a given node.
// It unwraps to one of the protocol sentinels.
type ProtocolError struct {
	Node   NodeID
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Node == NoNode {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("node %d: %s: %v", e.Node, e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err must be recovered by resynchronizing.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrUnknownNodeReference) ||
		errors.Is(err, ErrUnexpectedDeltaBeforeSync) ||
		errors.Is(err, ErrStaleTemplateReference) ||
		errors.Is(err, ErrSequenceGap)
}
