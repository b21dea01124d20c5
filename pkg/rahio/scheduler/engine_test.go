package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type fakeConn struct {
	id    [16]byte
	mu    sync.Mutex
	views []SubflowView
}

func newFakeConn(b byte, views ...SubflowView) *fakeConn {
	c := &fakeConn{views: views}
	c.id[0] = b
	return c
}

func (c *fakeConn) GetConnectionID() [16]byte {
	return c.id
}

func (c *fakeConn) SubflowViews() []SubflowView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SubflowView(nil), c.views...)
}

type countingObserver struct {
	mu        sync.Mutex
	decisions map[string]int
	failures  int
	notices   int
}

func (o *countingObserver) ObserveDecision(policy string, _ Intent, _ Decision, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.decisions == nil {
		o.decisions = make(map[string]int)
	}
	o.decisions[policy]++
	if err != nil {
		o.failures++
	}
}

func (o *countingObserver) ObserveNotice(Notice) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notices++
}

func (o *countingObserver) noticeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.notices
}

// blockingPolicy parks inside Select until released.
type blockingPolicy struct {
	entered chan struct{}
	release chan struct{}
}

func (*blockingPolicy) Name() string { return "blocking" }

func (b *blockingPolicy) Select(subflows []SubflowView, _ Intent) (Decision, error) {
	b.entered <- struct{}{}
	<-b.release
	return single("blocking", subflows[0].ID), nil
}

type panickyPolicy struct{}

func (panickyPolicy) Name() string { return "panicky" }

func (panickyPolicy) Select([]SubflowView, Intent) (Decision, error) {
	panic("boom")
}

func TestEngineOpenDecideRelease(t *testing.T) {
	obs := &countingObserver{}
	e := NewEngine(WithLogger(quietLogger()), WithObserver(obs))
	conn := newFakeConn(1, sf(1, 10), sf(2, 20))

	c, err := e.Open(conn, NameRedundant)
	require.NoError(t, err)
	assert.Equal(t, NameRedundant, c.PolicyName())
	assert.Equal(t, conn.id, c.ID())
	require.Len(t, e.Connections(), 1)

	d, err := e.Decide(c, IntentSend)
	require.NoError(t, err)
	assert.Equal(t, []SubflowID{1, 2}, d.IDs())

	e.Release(c)
	e.Release(c)
	assert.Empty(t, e.Connections())
	_, err = e.Decide(c, IntentSend)
	assert.ErrorIs(t, err, ErrConnectionReleased)

	assert.Equal(t, 1, obs.decisions[NameRedundant])
}

func TestEngineFailedDecisionKeepsDeclined(t *testing.T) {
	e := NewEngine(WithLogger(quietLogger()))
	c, err := e.Open(newFakeConn(1, sf(1, 400_000), sf(2, 0)), NameRTTThreshold)
	require.NoError(t, err)

	d, err := e.Decide(c, IntentSend)
	require.ErrorIs(t, err, ErrNoViableSubflow)
	assert.Empty(t, d.Choices)
	assert.Equal(t, []SubflowID{1, 2}, d.Declined)
}

func TestEngineDefaultAndUnknownPolicy(t *testing.T) {
	e := NewEngine(WithLogger(quietLogger()), WithDefaultPolicy(NameLowestRTT))
	c, err := e.Open(newFakeConn(1), "")
	require.NoError(t, err)
	assert.Equal(t, NameLowestRTT, c.PolicyName())

	_, err = e.Open(newFakeConn(2), "fastest")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestEngineRegister(t *testing.T) {
	e := NewEngine(WithLogger(quietLogger()))
	assert.ErrorIs(t, e.Register(NameRedundant, func(Env) (Policy, error) { return NewRedundant(), nil }), ErrDuplicatePolicy)
	assert.Error(t, e.Register("", nil))

	require.NoError(t, e.Register("panicky", func(Env) (Policy, error) { return panickyPolicy{}, nil }))
	assert.Contains(t, e.Policies(), "panicky")

	c, err := e.Open(newFakeConn(1, sf(1, 0)), "panicky")
	require.NoError(t, err)
	_, err = e.Decide(c, IntentSend)
	assert.ErrorIs(t, err, ErrNoViableSubflow)
}

func TestEngineRoundRobinStateIsPerConnection(t *testing.T) {
	e := NewEngine(WithLogger(quietLogger()))
	views := []SubflowView{sf(1, 0), sf(2, 0), sf(3, 0)}
	a, err := e.Open(newFakeConn(1, views...), NameRoundRobin)
	require.NoError(t, err)
	b, err := e.Open(newFakeConn(2, views...), NameRoundRobin)
	require.NoError(t, err)

	pick := func(c *Connection) SubflowID {
		t.Helper()
		d, err := e.Decide(c, IntentSend)
		require.NoError(t, err)
		id, _ := d.Primary()
		return id
	}

	assert.Equal(t, SubflowID(1), pick(a))
	assert.Equal(t, SubflowID(2), pick(a))
	assert.Equal(t, SubflowID(1), pick(b), "b's rotation is untouched by a")
	assert.Equal(t, SubflowID(3), pick(a))
	assert.Equal(t, SubflowID(2), pick(b))
}

func TestEngineParallelConnections(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Unix(0, 0))
	e := NewEngine(WithLogger(quietLogger()), WithClock(clk))
	views := []SubflowView{sf(1, 0), sf(2, 0)}

	const conns, calls = 8, 200
	var wg sync.WaitGroup
	results := make([][]SubflowID, conns)
	for i := 0; i < conns; i++ {
		c, err := e.Open(newFakeConn(byte(i), views...), NameRoundRobin)
		require.NoError(t, err)
		wg.Add(1)
		go func(i int, c *Connection) {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				d, err := e.Decide(c, IntentSend)
				if err != nil {
					return
				}
				id, _ := d.Primary()
				results[i] = append(results[i], id)
			}
		}(i, c)
	}
	wg.Wait()

	for i, got := range results {
		require.Len(t, got, calls, "connection %d", i)
		for j, id := range got {
			assert.Equal(t, SubflowID(j%2+1), id)
		}
	}
}

func TestEngineRejectsOverlappingDecide(t *testing.T) {
	e := NewEngine(WithLogger(quietLogger()))
	bp := &blockingPolicy{entered: make(chan struct{}), release: make(chan struct{})}
	require.NoError(t, e.Register("blocking", func(Env) (Policy, error) { return bp, nil }))

	c, err := e.Open(newFakeConn(1, sf(1, 0)), "blocking")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.Decide(c, IntentSend)
		done <- err
	}()
	<-bp.entered

	_, err = e.Decide(c, IntentSend)
	assert.ErrorIs(t, err, ErrConcurrentDecide)

	close(bp.release)
	require.NoError(t, <-done)
}

func TestEngineDefaultNotifierUsesEngineClock(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	obs := &countingObserver{}
	e := NewEngine(
		WithLogger(quietLogger()),
		WithClock(clk),
		WithObserver(obs),
		WithNoticeCooldown(10*time.Second),
		WithResolver(fakeResolver{}),
		WithDispatch(DispatchConfig{Routes: []Route{{Port: 5000, Policy: NameRedundant, PinInterface: "missing0"}}}),
	)
	views := withPorts([]SubflowView{sf(1, 0)}, 5000, 1)
	a, err := e.Open(newFakeConn(1, views...), NamePortSched)
	require.NoError(t, err)
	b, err := e.Open(newFakeConn(2, views...), NamePortSched)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err = e.Decide(a, IntentSend)
		require.NoError(t, err)
		_, err = e.Decide(b, IntentSend)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, obs.noticeCount(), "the cooldown is shared across connections")

	clk.Step(11 * time.Second)
	_, err = e.Decide(b, IntentSend)
	require.NoError(t, err)
	assert.Equal(t, 2, obs.noticeCount())
}
