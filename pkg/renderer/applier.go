package renderer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/pkg/channel"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/renderer/dom"
	"github.com/aretw0/lattice/pkg/template"
)

// Connection states of an Applier.
const (
	StateUninitialized = "uninitialized"
	StateSynchronized  = "synchronized"
	StateDisconnected  = "disconnected"
	StateResyncing     = "resyncing"
)

// Connection events of an Applier.
const (
	EventSync       = "sync"
	EventDesync     = "desync"
	EventDisconnect = "disconnect"
	EventReconnect  = "reconnect"
)

// ResyncFunc asks the authority for a full-state dump. cause is the protocol
// error that triggered the request, or nil after a reconnect.
type ResyncFunc func(ctx context.Context, cause error)

// Applier is the Remote Tree Applier of one renderer connection. It applies
// batches in order to a tree of Mirrors and the visual tree they drive.
type Applier struct {
	mu      sync.Mutex
	machine *fsm.FSM

	doc       *dom.Document
	templates *template.Registry
	channel   *channel.Channel

	root    *Mirror
	mirrors map[domain.NodeID]*Mirror
	orphans []*Mirror

	// Parent placements announced by ParentChanged in the current batch.
	placed  map[*Mirror]domain.NodeID
	placing []*Mirror

	epoch string
	seq   uint64

	resync      ResyncFunc
	needsResync error
	hooks       domain.LifecycleHooks
	logger      *slog.Logger
}

// Option configures an Applier.
type Option func(*Applier)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Applier) {
		a.logger = logger
	}
}

// WithTemplates sets the template registry shared with the authority.
func WithTemplates(r *template.Registry) Option {
	return func(a *Applier) {
		a.templates = r
	}
}

// WithChannel sets the event/RPC channel that receives captured invocations.
func WithChannel(c *channel.Channel) Option {
	return func(a *Applier) {
		a.channel = c
	}
}

// WithDocument sets the visual document.
func WithDocument(d *dom.Document) Option {
	return func(a *Applier) {
		a.doc = d
	}
}

// WithResync sets the function used to request a full-state dump.
func WithResync(fn ResyncFunc) Option {
	return func(a *Applier) {
		a.resync = fn
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(a *Applier) {
		a.hooks = hooks
	}
}

// New creates an uninitialized applier.
func New(opts ...Option) *Applier {
	a := &Applier{
		mirrors: make(map[domain.NodeID]*Mirror),
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.doc == nil {
		a.doc = dom.NewDocument()
	}
	if a.templates == nil {
		a.templates = template.NewRegistry()
	}
	if a.channel == nil {
		a.channel = channel.New()
	}
	a.root = newMirror(a, domain.RootID)
	a.root.element = a.doc.Body()
	a.mirrors[domain.RootID] = a.root

	a.machine = fsm.NewFSM(
		StateUninitialized,
		fsm.Events{
			{Name: EventSync, Src: []string{StateUninitialized, StateResyncing}, Dst: StateSynchronized},
			{Name: EventDesync, Src: []string{StateUninitialized, StateSynchronized}, Dst: StateResyncing},
			{Name: EventDisconnect, Src: []string{StateUninitialized, StateSynchronized, StateResyncing}, Dst: StateDisconnected},
			{Name: EventReconnect, Src: []string{StateDisconnected}, Dst: StateResyncing},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				a.logger.Debug("renderer state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
				a.channel.SetOnline(e.Dst == StateSynchronized)
			},
		},
	)
	return a
}

// State returns the current connection state.
func (a *Applier) State() string {
	return a.machine.Current()
}

// Channel returns the event/RPC channel.
func (a *Applier) Channel() *channel.Channel {
	return a.channel
}

// Templates returns the template registry.
func (a *Applier) Templates() *template.Registry {
	return a.templates
}

// Document returns the visual document.
func (a *Applier) Document() *dom.Document {
	return a.doc
}

// Epoch returns the epoch of the last applied full batch.
func (a *Applier) Epoch() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

// Seq returns the sequence number of the last applied batch.
func (a *Applier) Seq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

// Root returns the root mirror.
func (a *Applier) Root() *Mirror {
	return a.root
}

// Mirror returns the mirror of id.
func (a *Applier) Mirror(id domain.NodeID) (*Mirror, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.mirrors[id]
	return m, ok
}

// Element returns the visual element of id.
func (a *Applier) Element(id domain.NodeID) (*dom.Element, bool) {
	m, ok := a.Mirror(id)
	if !ok || m.element == nil {
		return nil, false
	}
	return m.element, true
}

// HTML renders the document body while no batch is being applied.
func (a *Applier) HTML() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.doc.Body().OuterHTML()
}

// Len returns the number of live mirrors, root included.
func (a *Applier) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.mirrors)
}

// Apply applies one batch. Protocol errors move the applier to resyncing and
// request a full-state dump; the error is returned as well.
func (a *Applier) Apply(ctx context.Context, b domain.Batch) error {
	a.mu.Lock()
	err := a.apply(ctx, b)
	cause := a.needsResync
	a.needsResync = nil
	a.mu.Unlock()

	if cause != nil && a.resync != nil {
		a.resync(ctx, cause)
	}
	return err
}

func (a *Applier) apply(ctx context.Context, b domain.Batch) error {
	start := time.Now()
	state := a.machine.Current()

	if b.Full {
		if state == StateDisconnected {
			a.logger.Debug("full batch dropped while disconnected", "epoch", b.Epoch, "seq", b.Seq)
			return nil
		}
		a.resetAll()
		if err := a.applyChanges(b.Changes); err != nil {
			return a.desync(ctx, err)
		}
		a.epoch, a.seq = b.Epoch, b.Seq
		if state != StateSynchronized {
			if err := a.machine.Event(ctx, EventSync); err != nil {
				return fmt.Errorf("enter synchronized: %w", err)
			}
		}
		a.applied(ctx, b, start)
		return nil
	}

	switch state {
	case StateUninitialized:
		return a.desync(ctx, &domain.ProtocolError{Reason: "delta batch", Err: domain.ErrUnexpectedDeltaBeforeSync})
	case StateResyncing, StateDisconnected:
		a.logger.Debug("delta dropped", "state", state, "epoch", b.Epoch, "seq", b.Seq)
		return nil
	}

	if b.Epoch != a.epoch {
		a.logger.Debug("delta from another epoch dropped", "epoch", b.Epoch, "current", a.epoch, "seq", b.Seq)
		return nil
	}
	if b.Seq <= a.seq {
		a.logger.Debug("duplicate delta dropped", "epoch", b.Epoch, "seq", b.Seq)
		return nil
	}
	if b.Seq != a.seq+1 {
		return a.desync(ctx, &domain.ProtocolError{
			Reason: fmt.Sprintf("expected seq %d, got %d", a.seq+1, b.Seq),
			Err:    domain.ErrSequenceGap,
		})
	}
	if err := a.applyChanges(b.Changes); err != nil {
		return a.desync(ctx, err)
	}
	a.seq = b.Seq
	a.applied(ctx, b, start)
	return nil
}

func (a *Applier) applied(ctx context.Context, b domain.Batch, start time.Time) {
	a.logger.Debug("batch applied", "epoch", b.Epoch, "seq", b.Seq, "full", b.Full, "changes", len(b.Changes))
	if a.hooks.OnApply != nil {
		a.hooks.OnApply(ctx, &domain.ApplyEvent{
			EventBase: domain.EventBase{Timestamp: time.Now(), Type: domain.EventApply},
			Full:      b.Full,
			Changes:   len(b.Changes),
			Duration:  time.Since(start),
		})
	}
}

// desync moves to resyncing and schedules a resync request.
func (a *Applier) desync(ctx context.Context, cause error) error {
	reason := Reason(cause)
	a.logger.Warn("renderer out of sync", "reason", reason, "err", cause)
	if a.machine.Can(EventDesync) {
		if err := a.machine.Event(ctx, EventDesync); err != nil {
			a.logger.Error("desync transition failed", "err", err)
		}
	}
	a.needsResync = cause
	if a.hooks.OnDesync != nil {
		a.hooks.OnDesync(ctx, &domain.DesyncEvent{
			EventBase: domain.EventBase{Timestamp: time.Now(), Type: domain.EventDesync},
			Reason:    reason,
			Err:       cause,
		})
	}
	return cause
}

// Reason maps an apply error to a short label.
func Reason(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnknownNodeReference):
		return "unknown_node"
	case errors.Is(err, domain.ErrUnexpectedDeltaBeforeSync):
		return "delta_before_sync"
	case errors.Is(err, domain.ErrStaleTemplateReference):
		return "stale_template"
	case errors.Is(err, domain.ErrSequenceGap):
		return "sequence_gap"
	case errors.Is(err, domain.ErrIndexOutOfRange):
		return "index_out_of_range"
	case errors.Is(err, domain.ErrParentMismatch):
		return "parent_mismatch"
	}
	return "apply_error"
}

// Disconnect marks the connection lost. Outbound invocations stay buffered.
func (a *Applier) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.machine.Can(EventDisconnect) {
		return nil
	}
	return a.machine.Event(ctx, EventDisconnect)
}

// Reconnect moves a disconnected applier to resyncing and requests a full dump.
func (a *Applier) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	if !a.machine.Can(EventReconnect) {
		a.mu.Unlock()
		return nil
	}
	err := a.machine.Event(ctx, EventReconnect)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	if a.resync != nil {
		a.resync(ctx, nil)
	}
	return nil
}

// Dispatch fires a native event on the element of id, as user interaction would.
func (a *Applier) Dispatch(id domain.NodeID, event string, data map[string]domain.Value) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.mirrors[id]
	if !ok || m.element == nil {
		return fmt.Errorf("dispatch %q: node %d: %w", event, id, domain.ErrNodeNotFound)
	}
	m.element.Dispatch(event, data)
	return nil
}

// Input changes a live property of the element of id, as user input would,
// and sends it to the authority.
func (a *Applier) Input(id domain.NodeID, key string, v domain.Value) error {
	if err := domain.ValidateValue(v); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.mirrors[id]
	if !ok || m.element == nil {
		return fmt.Errorf("input %q: node %d: %w", key, id, domain.ErrNodeNotFound)
	}
	m.applyProperty(key, v)
	a.channel.Enqueue(domain.NewPropertyInvocation(id, key, v))
	return nil
}

func (a *Applier) resetAll() {
	for id, m := range a.mirrors {
		if m != a.root {
			delete(a.mirrors, id)
		}
	}
	a.root.children = nil
	a.root.reset()
	a.orphans = nil
}

func (a *Applier) applyChanges(changes []domain.Change) error {
	a.placed = make(map[*Mirror]domain.NodeID)
	a.placing = a.placing[:0]
	defer func() {
		a.placed = nil
		a.placing = a.placing[:0]
	}()

	h := &applyHandler{a: a}
	for i, c := range changes {
		if err := c.Accept(h); err != nil {
			var pe *domain.ProtocolError
			if !errors.As(err, &pe) {
				err = &domain.ProtocolError{Node: c.Node, Reason: fmt.Sprintf("change %d (%s)", i, domain.TypeOf(c.Record)), Err: err}
			}
			return err
		}
	}
	if err := a.settle(); err != nil {
		return err
	}
	a.sweep()
	return nil
}

// place records the parent a ParentChanged announced for m. A flush carries
// at most one ParentChanged per node and it names the parent the node has
// once the whole batch is applied, so it wins over the children records,
// which arrive grouped by node rather than in causal order.
func (a *Applier) place(m *Mirror, parent domain.NodeID) {
	if _, ok := a.placed[m]; !ok {
		a.placing = append(a.placing, m)
	}
	a.placed[m] = parent
}

func (a *Applier) isPlaced(m *Mirror) bool {
	_, ok := a.placed[m]
	return ok
}

// settle links every placed mirror to its announced parent. The parent must
// be known by the end of the batch and must list the node among its children.
func (a *Applier) settle() error {
	for _, m := range a.placing {
		id := a.placed[m]
		var p *Mirror
		if id != domain.NoNode {
			p = a.mirror(id, false)
			if p == nil {
				return &domain.ProtocolError{Node: m.id, Reason: fmt.Sprintf("parent %d never introduced", id), Err: domain.ErrUnknownNodeReference}
			}
			if !slices.Contains(p.children, m) {
				return &domain.ProtocolError{Node: m.id, Reason: fmt.Sprintf("parent %d", id), Err: domain.ErrParentMismatch}
			}
		}
		old := m.parent
		m.parent = p
		if old != nil && old != p {
			old.syncChildren()
		}
		if p != nil {
			p.syncChildren()
		} else {
			a.orphan(m)
		}
	}
	return nil
}

// mirror returns the mirror of id, creating it when create is set.
func (a *Applier) mirror(id domain.NodeID, create bool) *Mirror {
	if m, ok := a.mirrors[id]; ok {
		return m
	}
	if !create || id == domain.NoNode {
		return nil
	}
	m := newMirror(a, id)
	a.mirrors[id] = m
	a.orphans = append(a.orphans, m)
	return m
}

func (a *Applier) orphan(m *Mirror) {
	a.orphans = append(a.orphans, m)
}

// sweep destroys the mirrors that lost their parent in this batch and were
// not referenced again.
func (a *Applier) sweep() {
	for _, m := range a.orphans {
		if m == a.root || m.parent != nil {
			continue
		}
		if _, live := a.mirrors[m.id]; !live {
			continue
		}
		a.logger.Debug("mirror destroyed", "node_id", m.id)
		m.destroy()
	}
	a.orphans = nil
}

// applyHandler applies records to mirrors.
type applyHandler struct {
	a *Applier
}

var _ domain.Handler = (*applyHandler)(nil)

func (h *applyHandler) target(id domain.NodeID) (*Mirror, error) {
	m := h.a.mirror(id, false)
	if m == nil {
		return nil, &domain.ProtocolError{Node: id, Reason: "record for unseen node", Err: domain.ErrUnknownNodeReference}
	}
	return m, nil
}

func (h *applyHandler) IDChanged(node domain.NodeID, r domain.IDChanged) error {
	h.a.mirror(node, true)
	h.a.logger.Debug("node id changed", "node_id", node, "old_id", r.Old)
	return nil
}

func (h *applyHandler) ParentChanged(node domain.NodeID, r domain.ParentChanged) error {
	if r.New == domain.NoNode {
		m, err := h.target(node)
		if err != nil {
			return err
		}
		h.a.place(m, domain.NoNode)
		return nil
	}
	if r.New == node || node == domain.RootID {
		return &domain.ProtocolError{Node: node, Reason: fmt.Sprintf("parent %d", r.New), Err: domain.ErrCycle}
	}
	// Start of a full-state dump of the node. The parent itself may be
	// introduced later in the batch.
	m := h.a.mirror(node, true)
	m.reset()
	h.a.place(m, r.New)
	return nil
}

func (h *applyHandler) ValuePut(node domain.NodeID, r domain.ValuePut) error {
	m, err := h.target(node)
	if err != nil {
		return err
	}
	err = m.put(r.Feature, r.Key, r.Value)
	if errors.Is(err, domain.ErrStaleTemplateReference) {
		return &domain.ProtocolError{Node: node, Reason: "template binding", Err: err}
	}
	return err
}

func (h *applyHandler) ValueRemoved(node domain.NodeID, r domain.ValueRemoved) error {
	m, err := h.target(node)
	if err != nil {
		return err
	}
	m.remove(r.Feature, r.Key)
	return nil
}

func (h *applyHandler) ListInserted(node domain.NodeID, r domain.ListInserted) error {
	m, err := h.target(node)
	if err != nil {
		return err
	}
	return m.insert(r.Feature, r.Index, r.Value)
}

func (h *applyHandler) ListInsertedMany(node domain.NodeID, r domain.ListInsertedMany) error {
	m, err := h.target(node)
	if err != nil {
		return err
	}
	return m.insert(r.Feature, r.Index, r.Values...)
}

func (h *applyHandler) ListRemoved(node domain.NodeID, r domain.ListRemoved) error {
	m, err := h.target(node)
	if err != nil {
		return err
	}
	return m.removeAt(r.Feature, r.Index)
}

func (h *applyHandler) ListReplaced(node domain.NodeID, r domain.ListReplaced) error {
	m, err := h.target(node)
	if err != nil {
		return err
	}
	return m.replaceAt(r.Feature, r.Index, r.NewValue)
}

func (h *applyHandler) RangeStartChanged(node domain.NodeID, r domain.RangeStartChanged) error {
	m, err := h.target(node)
	if err != nil {
		return err
	}
	rg := m.ranges[r.Feature]
	rg[0] = r.Start
	m.ranges[r.Feature] = rg
	return nil
}

func (h *applyHandler) RangeEndChanged(node domain.NodeID, r domain.RangeEndChanged) error {
	m, err := h.target(node)
	if err != nil {
		return err
	}
	rg := m.ranges[r.Feature]
	rg[1] = r.End
	m.ranges[r.Feature] = rg
	return nil
}
