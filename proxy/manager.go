package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// msgKind identifies the request shapes the LifecycleManager's event loop
// accepts: the Require and Poke of spec.md §4.1, plus the curfew
// scheduler's ForceStop.
type msgKind int

const (
	msgRequire msgKind = iota
	msgPoke
	msgForceStop
)

// message is a single entry on the bounded event-loop queue. reply is only
// populated for msgRequire; it is a buffered (capacity 1) one-shot channel
// so fulfilling — or abandoning — it never blocks the loop.
type message struct {
	kind  msgKind
	reply chan error
}

// pendingReply is a waiter registered by a Require() call, completed when
// the manager enters target.
type pendingReply struct {
	target ContainerState
	reply  chan error
}

// transitionKey looks up the emitted on_state_change sequence for an
// observed state change, per the transition table in spec.md §4.1.
type transitionKey struct {
	from, observed ContainerState
}

// transitionTable encodes every legal observed transition as the ordered
// sequence of on_state_change calls it triggers. Pairs absent from this
// table (other than from==observed, which pollCycle never looks up) are the
// transitions spec.md documents as implausible and ignored.
var transitionTable = map[transitionKey][]ContainerState{
	{StateIdle, StateRunning}:     {StateStarting, StateRunning},
	{StateStarting, StateRunning}: {StateRunning},
	{StateStarting, StateStopping}: {StateStopping},
	{StateStopping, StateIdle}:    {StateIdle},
	{StateRunning, StateStopping}: {StateStopping},
	{StateIdle, StateStarting}:    {StateStarting},
	{StateStopping, StateStarting}: {StateIdle, StateStarting},
	{StateRunning, StateIdle}:      {StateStopping, StateIdle},
	{StateStarting, StateIdle}:     {StateStopping, StateIdle},
}

// Snapshot is a point-in-time, thread-safe read of the manager's state,
// published at the end of every on_state_change and poll cycle for the
// admin HTTP surface (admin.go) to read without touching the event loop.
type Snapshot struct {
	State          ContainerState
	PollPeriod     time.Duration
	PokeAge        time.Duration
	PendingRestart bool
	PendingCount   int
}

// LifecycleManager is the state machine described in spec.md §4.1: a
// single-threaded event loop, driven by a bounded message queue and a
// poll timer, that starts, stops, and restarts a ContainerGroup while
// serving a stream of concurrent Require/Poke callers. Grounded on the
// teacher's ContainerManager (manager.go) and, for the state machine
// itself, on the original Rust DockerManagerService.
type LifecycleManager struct {
	runtime RuntimeClient
	group   []ContainerID

	queue chan message
	done  chan struct{}

	pollMin, pollMax time.Duration
	pollGrowth       float64
	idleDuration     time.Duration

	// Loop-owned state. Never touched outside the loop goroutine.
	state          ContainerState
	pollPeriod     time.Duration
	pokeTime       time.Time
	pendingReplies []pendingReply
	pendingRestart bool

	snapMu sync.RWMutex
	snap   Snapshot
}

// NewLifecycleManager constructs a manager for an already-resolved group.
// Initial state is Starting, per spec.md §3 — the manager assumes it may
// need to synchronize with whatever state the runtime reports first.
func NewLifecycleManager(runtime RuntimeClient, group []ContainerID, cfg *Config) *LifecycleManager {
	m := &LifecycleManager{
		runtime:      runtime,
		group:        group,
		queue:        make(chan message, cfg.QueueCapacity),
		done:         make(chan struct{}),
		pollMin:      cfg.PollMin,
		pollMax:      cfg.PollMax,
		pollGrowth:   cfg.PollGrowth,
		idleDuration: cfg.IdleDuration,
		state:        StateStarting,
		pollPeriod:   cfg.PollMin,
		pokeTime:     time.Now(),
	}
	m.publish()
	return m
}

// Require requests that the group be running and healthy, blocking until
// the manager reaches Running, ctx is cancelled, or the manager shuts down.
// Per spec.md §5, a full queue applies backpressure: the send blocks rather
// than dropping.
func (m *LifecycleManager) Require(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case m.queue <- message{kind: msgRequire, reply: reply}:
	case <-m.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poke is a fire-and-forget signal that traffic just occurred. Per
// spec.md §4.2, a full queue silently drops the poke — polling and future
// pokes keep the idle timer honest, so nothing is lost by a dropped poke.
func (m *LifecycleManager) Poke() {
	select {
	case m.queue <- message{kind: msgPoke}:
	default:
	}
}

// ForceStop schedules an unconditional stop of the group, independent of
// PokeTime. It is the curfew scheduler's entry point (schedule.go) and
// shares the Poke backpressure policy: best-effort, never blocks the caller.
func (m *LifecycleManager) ForceStop() {
	select {
	case m.queue <- message{kind: msgForceStop}:
	default:
	}
}

// Snapshot returns the most recently published state, safe to call from any
// goroutine.
func (m *LifecycleManager) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Run executes the event loop until ctx is cancelled or a runtime call
// fails fatally (spec.md §7). It returns the terminal error, or nil if ctx
// cancellation caused an orderly shutdown.
func (m *LifecycleManager) Run(ctx context.Context) error {
	defer close(m.done)

	if err := m.pollCycle(ctx); err != nil {
		m.abandonWaiters(err)
		return err
	}

	for {
		timer := time.NewTimer(m.pollPeriod)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.abandonWaiters(ErrShutdown)
			return nil
		case msg := <-m.queue:
			timer.Stop()
			if err := m.handleMessage(ctx, msg); err != nil {
				m.abandonWaiters(err)
				return err
			}
			continue // do not poll just because a message arrived
		case <-timer.C:
		}

		if err := m.pollCycle(ctx); err != nil {
			m.abandonWaiters(err)
			return err
		}
		m.growPollPeriod()
	}
}

// handleMessage implements the (state, kind) dispatch table of spec.md §4.1.
func (m *LifecycleManager) handleMessage(ctx context.Context, msg message) error {
	switch msg.kind {
	case msgRequire:
		switch m.state {
		case StateIdle:
			m.registerWaiter(StateRunning, msg.reply)
			return m.startGroup(ctx)
		case StateStarting, StateRunning:
			m.registerWaiter(StateRunning, msg.reply)
		case StateStopping:
			m.pendingRestart = true
			m.registerWaiter(StateRunning, msg.reply)
		}
	case msgPoke:
		m.pokeTime = time.Now()
	case msgForceStop:
		if m.state == StateRunning {
			RecordCurfewStop()
			return m.stopGroup(ctx)
		}
	}
	m.publish()
	return nil
}

// registerWaiter implements spec.md §4.1's waiter registration: an
// already-satisfied target replies immediately, otherwise the waiter is
// queued. A nil reply (a Poke has none) is a no-op.
func (m *LifecycleManager) registerWaiter(target ContainerState, reply chan error) {
	if reply == nil {
		return
	}
	if target == m.state {
		reply <- nil
		return
	}
	m.pendingReplies = append(m.pendingReplies, pendingReply{target: target, reply: reply})
}

// pollCycle runs one reconciliation pass: inspect every container, apply an
// authoritative transition if the group agrees on a single observed state,
// then evaluate the idle-stop and pending-restart conditions.
func (m *LifecycleManager) pollCycle(ctx context.Context) error {
	observed := make(map[ContainerState]struct{}, len(m.group))
	for _, id := range m.group {
		s, err := m.runtime.Inspect(ctx, id)
		if err != nil {
			RecordRuntimeCall("inspect", false)
			return err
		}
		RecordRuntimeCall("inspect", true)
		observed[s] = struct{}{}
	}
	RecordPollCycle()

	switch len(observed) {
	case 1:
		var only ContainerState
		for s := range observed {
			only = s
		}
		if only != m.state {
			m.applyTransition(only)
		}
	default:
		if len(observed) > 1 {
			slog.Warn("heterogeneous container group observation; ignoring poll result",
				"group_size", len(m.group), "distinct_states", len(observed))
		}
	}

	if m.state == StateRunning && time.Since(m.pokeTime) > m.idleDuration {
		RecordIdleStop()
		if err := m.stopGroup(ctx); err != nil {
			return err
		}
	}

	if m.state == StateIdle && m.pendingRestart {
		m.pendingRestart = false
		if err := m.startGroup(ctx); err != nil {
			return err
		}
	}

	m.publish()
	return nil
}

// applyTransition looks up and emits the on_state_change sequence for an
// observed state differing from the current one, per the transition table.
func (m *LifecycleManager) applyTransition(observed ContainerState) {
	steps, ok := transitionTable[transitionKey{m.state, observed}]
	if !ok {
		slog.Warn("ignoring implausible observed state transition",
			"from", m.state, "observed", observed)
		return
	}
	for _, next := range steps {
		m.onStateChange(next)
	}
}

// onStateChange is the atomic core of spec.md §4.1: swap state, fulfill
// every waiter whose target is now satisfied (preserving the relative order
// of the rest), and apply the side effects of entering the new state.
func (m *LifecycleManager) onStateChange(next ContainerState) {
	from := m.state
	m.state = next

	remaining := m.pendingReplies[:0]
	for _, pr := range m.pendingReplies {
		if pr.target == next {
			pr.reply <- nil
		} else {
			remaining = append(remaining, pr)
		}
	}
	m.pendingReplies = remaining

	switch next {
	case StateStarting, StateStopping:
		m.pollPeriod = m.pollMin
	case StateRunning:
		m.pokeTime = time.Now()
	case StateIdle:
		// No side effect: a pending restart is handled at the end of the
		// next poll cycle, decoupling the two concerns per spec.md §4.1.
	}

	RecordTransition(from, next)
	slog.Debug("lifecycle state change", "from", from, "to", next)

	m.publish()
}

// startGroup issues on_state_change(Starting) before the runtime calls, so
// the manager's intent is visible to concurrent Require callers before the
// (asynchronous, possibly slow) runtime command even returns.
func (m *LifecycleManager) startGroup(ctx context.Context) error {
	m.onStateChange(StateStarting)
	for _, id := range m.group {
		if err := m.runtime.Start(ctx, id); err != nil {
			RecordRuntimeCall("start", false)
			return err
		}
	}
	RecordRuntimeCall("start", true)
	return nil
}

// stopGroup issues on_state_change(Stopping) before the runtime calls,
// mirroring startGroup.
func (m *LifecycleManager) stopGroup(ctx context.Context) error {
	m.onStateChange(StateStopping)
	for _, id := range m.group {
		if err := m.runtime.Stop(ctx, id); err != nil {
			RecordRuntimeCall("stop", false)
			return err
		}
	}
	RecordRuntimeCall("stop", true)
	return nil
}

// growPollPeriod applies the ×1.5-to-5s backoff of spec.md §3.
func (m *LifecycleManager) growPollPeriod() {
	next := time.Duration(float64(m.pollPeriod) * m.pollGrowth)
	if next > m.pollMax {
		next = m.pollMax
	}
	m.pollPeriod = next
	m.publish()
}

// abandonWaiters fulfills every pending Require with err, per spec.md §5:
// shutdown abandons pending waiters rather than leaving them hanging.
func (m *LifecycleManager) abandonWaiters(err error) {
	for _, pr := range m.pendingReplies {
		pr.reply <- err
	}
	m.pendingReplies = nil
}

// publish refreshes the snapshot admin.go and metrics read without
// reaching into loop-owned state.
func (m *LifecycleManager) publish() {
	m.snapMu.Lock()
	m.snap = Snapshot{
		State:          m.state,
		PollPeriod:     m.pollPeriod,
		PokeAge:        time.Since(m.pokeTime),
		PendingRestart: m.pendingRestart,
		PendingCount:   len(m.pendingReplies),
	}
	m.snapMu.Unlock()
	RecordPendingReplies(len(m.pendingReplies))
	RecordPollPeriod(m.pollPeriod)
}
