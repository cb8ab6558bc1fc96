package domain

// Batch is an ordered, transmittable sequence of changes.
type Batch struct {
	// Epoch identifies the connection epoch the batch belongs to.
	Epoch string
	// Seq increases by one for every batch sent within an epoch, starting at 1.
	Seq uint64
	// Full marks a full-state dump. The renderer discards its mirror before applying it.
	Full bool

	Changes []Change
}

// Empty reports whether the batch carries no changes.
func (b Batch) Empty() bool {
	return len(b.Changes) == 0
}

// InvocationKind tells the authority how to apply an invocation.
type InvocationKind string

const (
	// KindEvent is a DOM event captured by a registered listener.
	KindEvent    InvocationKind = "event"
	// KindProperty synchronizes a live property changed by user input.
	KindProperty InvocationKind = "property"
	// KindHandler calls a named server-side handler from a template expression.
	KindHandler  InvocationKind = "handler"
)

// Invocation is a renderer-to-authority message.
type Invocation struct {
	NodeID NodeID
	Kind   InvocationKind
	Event  string
	Data   map[string]Value

	Handler string
	Args    []Value
}

// NewEventInvocation builds the invocation sent when a listener fires.
func NewEventInvocation(node NodeID, event string, data map[string]Value) Invocation {
	if data == nil {
		data = map[string]Value{}
	}
	return Invocation{NodeID: node, Kind: KindEvent, Event: event, Data: data}
}

// NewPropertyInvocation builds the invocation that synchronizes one property back.
func NewPropertyInvocation(node NodeID, key string, value Value) Invocation {
	return Invocation{NodeID: node, Kind: KindProperty, Data: map[string]Value{key: value}}
}

// NewHandlerInvocation builds the invocation of a named server-side handler.
func NewHandlerInvocation(node NodeID, event, handler string, args ...Value) Invocation {
	return Invocation{NodeID: node, Kind: KindHandler, Event: event, Handler: handler, Args: args}
}
