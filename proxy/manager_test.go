package proxy

import (
	"context"
	"testing"
	"time"
)

func testConfig() *Config {
	return &Config{
		PollMin:       10 * time.Millisecond,
		PollMax:       40 * time.Millisecond,
		PollGrowth:    1.5,
		QueueCapacity: 8,
		IdleDuration:  100 * time.Millisecond,
	}
}

// ─── Cold start ────────────────────────────────────────────────────────────

func TestColdStart(t *testing.T) {
	rt := newFakeRuntime([]ContainerID{"c1"}, StateIdle)
	m := NewLifecycleManager(rt, []ContainerID{"c1"}, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go m.Run(ctx)

	if err := m.Require(ctx); err != nil {
		t.Fatalf("Require returned %v, want nil", err)
	}
	if got := m.Snapshot().State; got != StateRunning {
		t.Errorf("state = %v, want Running", got)
	}
	if n := rt.startCallCount(); n != 1 {
		t.Errorf("start calls = %d, want 1", n)
	}
}

// ─── Idle shutdown ─────────────────────────────────────────────────────────

func TestIdleShutdown(t *testing.T) {
	rt := newFakeRuntime([]ContainerID{"c1"}, StateRunning)
	cfg := testConfig()
	cfg.IdleDuration = 60 * time.Millisecond
	m := NewLifecycleManager(rt, []ContainerID{"c1"}, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go m.Run(ctx)

	deadline := time.After(1 * time.Second)
	for rt.stopCallCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for idle stop")
		case <-time.After(10 * time.Millisecond):
		}
	}

	for m.Snapshot().State != StateIdle {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for state to settle at Idle")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// ─── Keepalive ─────────────────────────────────────────────────────────────

func TestKeepaliveSuppressesIdleStop(t *testing.T) {
	rt := newFakeRuntime([]ContainerID{"c1"}, StateRunning)
	cfg := testConfig()
	cfg.IdleDuration = 150 * time.Millisecond
	m := NewLifecycleManager(rt, []ContainerID{"c1"}, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go m.Run(ctx)

	stop := time.After(400 * time.Millisecond)
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			m.Poke()
		}
	}

	if n := rt.stopCallCount(); n != 0 {
		t.Errorf("stop calls = %d, want 0", n)
	}
	if got := m.Snapshot().State; got != StateRunning {
		t.Errorf("state = %v, want Running", got)
	}
}

// ─── Stop-then-require race (pendingRestart) ───────────────────────────────

func TestRequireDuringStoppingQueuesRestart(t *testing.T) {
	rt := newFakeRuntime([]ContainerID{"c1"}, StateRunning)
	m := NewLifecycleManager(rt, []ContainerID{"c1"}, testConfig())
	m.state = StateStopping

	reply := make(chan error, 1)
	if err := m.handleMessage(context.Background(), message{kind: msgRequire, reply: reply}); err != nil {
		t.Fatalf("handleMessage returned %v", err)
	}

	if !m.pendingRestart {
		t.Error("pendingRestart = false, want true")
	}
	if len(m.pendingReplies) != 1 || m.pendingReplies[0].target != StateRunning {
		t.Errorf("pendingReplies = %+v, want one waiter targeting Running", m.pendingReplies)
	}

	select {
	case <-reply:
		t.Fatal("waiter resolved before Running was reached")
	default:
	}

	// Runtime completes the stop; pollCycle observes Idle and, since
	// pendingRestart is set, issues a restart.
	rt.setState("c1", StateIdle)
	m.state = StateStopping
	if err := m.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle returned %v", err)
	}
	if m.pendingRestart {
		t.Error("pendingRestart should be cleared after restart is issued")
	}
	if n := rt.startCallCount(); n != 1 {
		t.Errorf("start calls = %d, want 1", n)
	}

	// Runtime reports running again; next poll should resolve the waiter.
	rt.setState("c1", StateRunning)
	if err := m.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle returned %v", err)
	}
	select {
	case err := <-reply:
		if err != nil {
			t.Errorf("waiter resolved with %v, want nil", err)
		}
	default:
		t.Fatal("waiter never resolved after reaching Running")
	}
}

// ─── Heterogeneous observation ─────────────────────────────────────────────

func TestHeterogeneousObservationIgnored(t *testing.T) {
	rt := newFakeRuntime([]ContainerID{"c1", "c2"}, StateIdle)
	rt.setState("c1", StateRunning)
	rt.setState("c2", StateIdle)

	m := NewLifecycleManager(rt, []ContainerID{"c1", "c2"}, testConfig())
	m.state = StateIdle

	if err := m.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle returned %v", err)
	}
	if m.state != StateIdle {
		t.Errorf("state = %v, want Idle (no transition on disagreement)", m.state)
	}
}

// ─── Require while Starting: FIFO fulfillment ──────────────────────────────

func TestConcurrentRequiresFIFOFulfillment(t *testing.T) {
	rt := newFakeRuntime([]ContainerID{"c1"}, StateStarting)
	m := NewLifecycleManager(rt, []ContainerID{"c1"}, testConfig())
	m.state = StateStarting

	const n = 10
	replies := make([]chan error, n)
	for i := 0; i < n; i++ {
		replies[i] = make(chan error, 1)
		if err := m.handleMessage(context.Background(), message{kind: msgRequire, reply: replies[i]}); err != nil {
			t.Fatalf("handleMessage returned %v", err)
		}
	}
	if len(m.pendingReplies) != n {
		t.Fatalf("pendingReplies = %d, want %d", len(m.pendingReplies), n)
	}
	for i, pr := range m.pendingReplies {
		if pr.reply != replies[i] {
			t.Fatalf("pendingReplies[%d] is not waiter %d: queue is not in FIFO order", i, i)
		}
	}

	m.onStateChange(StateRunning)

	for i, r := range replies {
		select {
		case err := <-r:
			if err != nil {
				t.Errorf("waiter %d resolved with %v, want nil", i, err)
			}
		default:
			t.Errorf("waiter %d never resolved", i)
		}
	}
	if len(m.pendingReplies) != 0 {
		t.Errorf("pendingReplies = %d after Running, want 0", len(m.pendingReplies))
	}
}

// ─── Transition atomicity ───────────────────────────────────────────────────

func TestTransitionAtomicityIdleToStarting(t *testing.T) {
	rt := newFakeRuntime([]ContainerID{"c1"}, StateIdle)
	m := NewLifecycleManager(rt, []ContainerID{"c1"}, testConfig())
	m.state = StateIdle

	reply := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		m.handleMessage(context.Background(), message{kind: msgRequire, reply: reply})
		close(done)
	}()
	<-done

	if len(m.pendingReplies) != 1 {
		t.Fatalf("pendingReplies = %d immediately after start returns, want 1", len(m.pendingReplies))
	}
	if m.state != StateStarting {
		t.Errorf("state = %v, want Starting", m.state)
	}
}

// ─── Shutdown abandons waiters ──────────────────────────────────────────────

// stuckRuntime always reports Starting and never reaches Running, so a
// Require against it can only resolve via shutdown, never success.
type stuckRuntime struct{}

func (stuckRuntime) List(ctx context.Context, labelKey, labelValue string) ([]ContainerID, error) {
	return []ContainerID{"c1"}, nil
}
func (stuckRuntime) Inspect(ctx context.Context, id ContainerID) (ContainerState, error) {
	return StateStarting, nil
}
func (stuckRuntime) Start(ctx context.Context, id ContainerID) error { return nil }
func (stuckRuntime) Stop(ctx context.Context, id ContainerID) error  { return nil }

func TestShutdownAbandonsWaiters(t *testing.T) {
	m := NewLifecycleManager(stuckRuntime{}, []ContainerID{"c1"}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	errc := make(chan error, 1)
	go func() {
		errc <- m.Require(context.Background())
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err == nil {
			t.Error("Require returned nil after shutdown, want an error")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Require never returned after shutdown")
	}
}

// ─── Transition table completeness ──────────────────────────────────────────

func TestTransitionTableMatchesSpec(t *testing.T) {
	want := map[transitionKey][]ContainerState{
		{StateIdle, StateRunning}:      {StateStarting, StateRunning},
		{StateStarting, StateRunning}:  {StateRunning},
		{StateStarting, StateStopping}: {StateStopping},
		{StateStopping, StateIdle}:     {StateIdle},
		{StateRunning, StateStopping}:  {StateStopping},
		{StateIdle, StateStarting}:     {StateStarting},
		{StateStopping, StateStarting}: {StateIdle, StateStarting},
		{StateRunning, StateIdle}:      {StateStopping, StateIdle},
		{StateStarting, StateIdle}:     {StateStopping, StateIdle},
	}
	if len(transitionTable) != len(want) {
		t.Fatalf("transitionTable has %d entries, want %d", len(transitionTable), len(want))
	}
	for k, steps := range want {
		got, ok := transitionTable[k]
		if !ok {
			t.Errorf("missing transition %+v", k)
			continue
		}
		if len(got) != len(steps) {
			t.Errorf("%+v steps = %v, want %v", k, got, steps)
			continue
		}
		for i := range steps {
			if got[i] != steps[i] {
				t.Errorf("%+v steps = %v, want %v", k, got, steps)
				break
			}
		}
	}
}
