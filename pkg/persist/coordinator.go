// Package persist schedules outbound durable writes.
//
// The Coordinator is a write-behind scheduler keyed by node ID. Writes
// return a handle immediately and execute later on a background
// goroutine:
//   - Debounced writes wait for a quiet period (trailing debounce: the
//     timer restarts on every call).
//   - Immediate writes run at the next opportunity.
//   - At most one operation is scheduled or in flight per node; a newer
//     scheduling request always supersedes an unfired older one, which
//     is how rapid edits to a single node coalesce into one remote
//     write.
//
// Trade-offs:
//   - Much faster mutation path (returns immediately)
//   - A crash before flush loses unwritten work (callers flush on
//     shutdown via FlushAll)
//
// The coordinator never retries. A failing write rejects its handle and
// recovery (rollback) is the caller's responsibility.
package persist

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Errors returned by coordinator operations.
var (
	// ErrCancelled marks a scheduled write that was superseded or
	// cancelled before it fired. It is internal bookkeeping and is never
	// delivered through a Handle.
	ErrCancelled = errors.New("persist: operation cancelled")

	// ErrClosed is returned when scheduling on a closed coordinator.
	ErrClosed = errors.New("persist: coordinator is closed")

	// ErrFlushTimeout is reported for nodes whose pending work did not
	// complete within the flush deadline.
	ErrFlushTimeout = errors.New("persist: flush timed out")
)

// Mode selects when a scheduled write executes.
type Mode int

const (
	// ModeDebounce delays the write until the node has been quiet for
	// the debounce window. Each new call restarts the timer.
	ModeDebounce Mode = iota
	// ModeImmediate runs the write at the next opportunity, still
	// serialized per node.
	ModeImmediate
)

// WriteFunc performs the actual durable write. It is invoked on a
// coordinator goroutine after any dependencies have completed.
type WriteFunc func(ctx context.Context) error

// Dependency orders a write after other pending work. Either NodeID
// (await that node's scheduled/in-flight operation) or Wait (arbitrary
// barrier) is set.
type Dependency struct {
	NodeID string
	Wait   func(ctx context.Context) error
}

// Options configure a single Persist call.
type Options struct {
	Mode         Mode
	Dependencies []Dependency
}

// Config holds coordinator tuning. Correctness does not depend on the
// specific values; any positive duration is valid.
type Config struct {
	// DebounceWindow is the quiet period for ModeDebounce. Default: 500ms.
	DebounceWindow time.Duration

	// FlushTimeout bounds FlushAll and WaitForPersistence when the
	// caller passes no explicit timeout. Default: 5s.
	FlushTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceWindow: 500 * time.Millisecond,
		FlushTimeout:   5 * time.Second,
	}
}

// Handle tracks the completion of one scheduled write.
//
// A superseded or cancelled handle completes without error: its changes
// are carried by the write that replaced it, so cancellation must never
// surface as a failure.
type Handle struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) complete(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done returns a channel closed when the operation completes (or is
// superseded).
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the terminal error. Only valid after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until completion or context cancellation.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics exposes coordinator counters for the observability surface.
type Metrics struct {
	Scheduled  int64
	Executed   int64
	Superseded int64
	Cancelled  int64
	Failures   int64
	AvgLatency time.Duration
	MaxLatency time.Duration
}

type operation struct {
	nodeID string
	write  WriteFunc
	deps   []Dependency
	mode   Mode
	timer  *time.Timer
	handle *Handle
	// prev is the chain tail at fire time; executing waits for it so at
	// most one write per node touches the transport at a time.
	prev *operation
}

// Coordinator schedules durable writes with per-node coalescing.
type Coordinator struct {
	mu        sync.Mutex
	cfg       Config
	scheduled map[string]*operation // timer armed, not yet fired
	running   map[string]*operation // chain tail of executing work
	closed    bool
	wg        sync.WaitGroup

	// Stats
	nScheduled   int64
	nExecuted    int64
	nSuperseded  int64
	nCancelled   int64
	nFailures    int64
	totalLatency time.Duration
	maxLatency   time.Duration
}

// NewCoordinator creates a coordinator. A nil config uses defaults.
func NewCoordinator(cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Coordinator{
		cfg:       *cfg,
		scheduled: make(map[string]*operation),
		running:   make(map[string]*operation),
	}
	if c.cfg.DebounceWindow <= 0 {
		c.cfg.DebounceWindow = DefaultConfig().DebounceWindow
	}
	if c.cfg.FlushTimeout <= 0 {
		c.cfg.FlushTimeout = DefaultConfig().FlushTimeout
	}
	return c
}

// Persist schedules write for nodeID and returns its completion handle.
//
// Any previously scheduled (unfired) operation for the node is
// superseded: its timer stops and its handle completes without error.
// The newest call owns the node's single scheduled slot.
func (c *Coordinator) Persist(nodeID string, write WriteFunc, opts Options) *Handle {
	h := newHandle()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		h.complete(ErrClosed)
		return h
	}

	if old, ok := c.scheduled[nodeID]; ok {
		old.timer.Stop()
		delete(c.scheduled, nodeID)
		c.nSuperseded++
		old.handle.complete(nil)
	}

	op := &operation{
		nodeID: nodeID,
		write:  write,
		deps:   opts.Dependencies,
		mode:   opts.Mode,
		handle: h,
	}
	c.scheduled[nodeID] = op
	c.nScheduled++

	delay := c.cfg.DebounceWindow
	if opts.Mode == ModeImmediate {
		delay = 0
	}
	op.timer = time.AfterFunc(delay, func() { c.fire(op) })
	c.mu.Unlock()

	return h
}

// fire moves a scheduled operation into the running chain and starts
// its goroutine. A stale fire (operation already superseded or
// cancelled) is a no-op.
func (c *Coordinator) fire(op *operation) {
	c.mu.Lock()
	if c.scheduled[op.nodeID] != op {
		c.mu.Unlock()
		return
	}
	delete(c.scheduled, op.nodeID)
	op.prev = c.running[op.nodeID]
	c.running[op.nodeID] = op
	c.wg.Add(1)
	c.mu.Unlock()

	go c.execute(op)
}

func (c *Coordinator) execute(op *operation) {
	defer c.wg.Done()
	ctx := context.Background()

	// Serialize behind any in-flight write for the same node.
	if op.prev != nil {
		<-op.prev.handle.Done()
	}

	for _, dep := range op.deps {
		c.awaitDependency(ctx, dep)
	}

	start := time.Now()
	err := op.write(ctx)
	latency := time.Since(start)

	c.mu.Lock()
	if c.running[op.nodeID] == op {
		delete(c.running, op.nodeID)
	}
	c.nExecuted++
	c.totalLatency += latency
	if latency > c.maxLatency {
		c.maxLatency = latency
	}
	if err != nil {
		c.nFailures++
	}
	c.mu.Unlock()

	op.handle.complete(err)
}

// awaitDependency blocks until the dependency's pending work completes.
// Dependency failures do not abort the dependent write; they surface
// through the dependency's own handle.
func (c *Coordinator) awaitDependency(ctx context.Context, dep Dependency) {
	if dep.Wait != nil {
		_ = dep.Wait(ctx)
		return
	}
	if dep.NodeID == "" {
		return
	}
	if h := c.pendingHandle(dep.NodeID); h != nil {
		select {
		case <-h.Done():
		case <-ctx.Done():
		}
	}
}

// pendingHandle returns the handle of nodeID's scheduled or in-flight
// operation, newest first, or nil when the node has no pending work.
func (c *Coordinator) pendingHandle(nodeID string) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if op, ok := c.scheduled[nodeID]; ok {
		return op.handle
	}
	if op, ok := c.running[nodeID]; ok {
		return op.handle
	}
	return nil
}

// CancelPending stops the node's scheduled (unfired) write. Work that
// already started is not interrupted; cancellation racing an in-flight
// write is deliberately a no-op so the race never surfaces as an error.
func (c *Coordinator) CancelPending(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.scheduled[nodeID]
	if !ok {
		return false
	}
	op.timer.Stop()
	delete(c.scheduled, nodeID)
	c.nCancelled++
	op.handle.complete(nil)
	return true
}

// IsPending reports whether the node has scheduled or in-flight work.
func (c *Coordinator) IsPending(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, s := c.scheduled[nodeID]
	_, r := c.running[nodeID]
	return s || r
}

// PendingCount returns the number of nodes with scheduled or in-flight
// work.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make(map[string]struct{}, len(c.scheduled)+len(c.running))
	for id := range c.scheduled {
		ids[id] = struct{}{}
	}
	for id := range c.running {
		ids[id] = struct{}{}
	}
	return len(ids)
}

// FlushPending forces all scheduled work to execute now and waits for
// it, bounded by the configured flush timeout. It returns the node IDs
// that failed or timed out.
func (c *Coordinator) FlushPending() []string {
	return c.FlushAll(nil, 0)
}

// FlushAll forces immediate execution of scheduled work (all nodes, or
// only nodeIDs when non-empty) and awaits completion. Nodes whose write
// failed or did not finish before the timeout are returned; they are
// reported rather than blocking shutdown indefinitely.
func (c *Coordinator) FlushAll(nodeIDs []string, timeout time.Duration) []string {
	if timeout <= 0 {
		timeout = c.cfg.FlushTimeout
	}

	filter := idFilter(nodeIDs)

	c.mu.Lock()
	waiting := make(map[string]*Handle)
	var toFire []*operation
	for id, op := range c.scheduled {
		if filter != nil && !filter[id] {
			continue
		}
		op.timer.Stop()
		toFire = append(toFire, op)
		waiting[id] = op.handle
	}
	for id, op := range c.running {
		if filter != nil && !filter[id] {
			continue
		}
		if _, ok := waiting[id]; !ok {
			waiting[id] = op.handle
		}
	}
	c.mu.Unlock()

	for _, op := range toFire {
		c.fire(op)
	}

	return awaitHandles(waiting, timeout)
}

// WaitForPersistence awaits already-in-flight work for the given nodes
// without triggering anything new. Scheduled-but-unfired writes are not
// forced; only executing operations are observed. The returned slice
// holds the node IDs that failed or timed out.
func (c *Coordinator) WaitForPersistence(nodeIDs []string, timeout time.Duration) []string {
	if timeout <= 0 {
		timeout = c.cfg.FlushTimeout
	}

	filter := idFilter(nodeIDs)

	c.mu.Lock()
	waiting := make(map[string]*Handle)
	for id, op := range c.running {
		if filter != nil && !filter[id] {
			continue
		}
		waiting[id] = op.handle
	}
	c.mu.Unlock()

	return awaitHandles(waiting, timeout)
}

// Metrics returns a snapshot of coordinator counters.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := Metrics{
		Scheduled:  c.nScheduled,
		Executed:   c.nExecuted,
		Superseded: c.nSuperseded,
		Cancelled:  c.nCancelled,
		Failures:   c.nFailures,
		MaxLatency: c.maxLatency,
	}
	if c.nExecuted > 0 {
		m.AvgLatency = c.totalLatency / time.Duration(c.nExecuted)
	}
	return m
}

// Close flushes scheduled work, waits for in-flight writes bounded by
// the flush timeout, and rejects future scheduling. It returns
// ErrFlushTimeout if any node failed to drain.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	failed := c.FlushAll(nil, c.cfg.FlushTimeout)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.FlushTimeout):
		return ErrFlushTimeout
	}

	if len(failed) > 0 {
		return ErrFlushTimeout
	}
	return nil
}

func idFilter(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	f := make(map[string]bool, len(ids))
	for _, id := range ids {
		f[id] = true
	}
	return f
}

func awaitHandles(waiting map[string]*Handle, timeout time.Duration) []string {
	deadline := time.Now().Add(timeout)

	var failed []string
	for id, h := range waiting {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			// Deadline passed; only non-blocking checks from here on.
			select {
			case <-h.Done():
				if h.Err() != nil {
					failed = append(failed, id)
				}
			default:
				failed = append(failed, id)
			}
			continue
		}

		t := time.NewTimer(remaining)
		select {
		case <-h.Done():
			t.Stop()
			if h.Err() != nil {
				failed = append(failed, id)
			}
		case <-t.C:
			failed = append(failed, id)
		}
	}
	return failed
}
