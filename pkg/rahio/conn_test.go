package rahio

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hossein/mpsched/pkg/rahio/scheduler"
)

func quietEngine(opts ...scheduler.Option) *scheduler.Engine {
	opts = append([]scheduler.Option{scheduler.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return scheduler.NewEngine(opts...)
}

// bareConn builds a MultipathConn without network goroutines.
func bareConn(t *testing.T, engine *scheduler.Engine, policy string, subflows ...*Subflow) *MultipathConn {
	t.Helper()
	c := &MultipathConn{
		ConnectionID: [16]byte{0xab},
		Subflows:     subflows,
		engine:       engine,
		closed:       make(chan struct{}),
		sendWindow:   defaultSendWindow,
		sentPackets:  make(map[uint64]*sentChunk),
	}
	c.fcCond = sync.NewCond(&c.fcMu)
	if engine != nil {
		sched, err := engine.Open(c, policy)
		require.NoError(t, err)
		c.sched = sched
	}
	return c
}

func TestReassemblyDropsDuplicates(t *testing.T) {
	var accepted int
	rb := newReassemblyBuffer(func(n int) { accepted += n })

	assert.True(t, rb.insert(1, []byte("bb")))
	assert.False(t, rb.insert(1, []byte("bb")), "second copy of a buffered chunk")
	_, ok := rb.highestContiguous()
	assert.False(t, ok)

	assert.True(t, rb.insert(0, []byte("a")))
	assert.False(t, rb.insert(0, []byte("a")), "copy of an already delivered chunk")

	seq, ok := rb.highestContiguous()
	require.True(t, ok)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, 3, accepted)
	assert.Equal(t, []byte("a"), <-rb.output)
	assert.Equal(t, []byte("bb"), <-rb.output)

	rb.close()
	assert.False(t, rb.insert(2, []byte("c")))
}

func TestReassemblyCloseReleasesBlockedInsert(t *testing.T) {
	rb := newReassemblyBuffer(nil)
	for seq := 0; seq < cap(rb.output); seq++ {
		require.True(t, rb.insert(uint64(seq), []byte{byte(seq)}))
	}

	blocked := make(chan bool, 1)
	go func() { blocked <- rb.insert(uint64(cap(rb.output)), []byte("late")) }()

	// The stalled insert must not hold the state lock.
	assert.Eventually(t, func() bool {
		seq, ok := rb.highestContiguous()
		return ok && seq == uint64(cap(rb.output))
	}, time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		rb.close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked behind a full output")
	}
	select {
	case fresh := <-blocked:
		assert.True(t, fresh)
	case <-time.After(2 * time.Second):
		t.Fatal("insert still blocked after close")
	}
}

func TestObserveRTT(t *testing.T) {
	sf := &Subflow{}
	sf.observeRTT(0)
	assert.Zero(t, sf.RTT)

	sf.observeRTT(80 * time.Millisecond)
	assert.Equal(t, 80*time.Millisecond, sf.RTT)

	sf.observeRTT(160 * time.Millisecond)
	assert.Equal(t, 90*time.Millisecond, sf.RTT)
}

func TestSubflowView(t *testing.T) {
	sf := &Subflow{Index: 2, IfIndex: 7, State: SubflowDegraded, Established: true, RTT: 500 * time.Nanosecond}
	v := sf.view(4000, 5000)
	assert.Equal(t, scheduler.SubflowID(2), v.ID)
	assert.Equal(t, 7, v.InterfaceIndex)
	assert.True(t, v.Active)
	assert.True(t, v.HasSendCapacity)
	assert.Equal(t, uint32(1), v.SmoothedRTTMicros, "a measured RTT never reads as unmeasured")
	assert.Equal(t, uint32(2), v.LocalPriority)
	assert.Equal(t, uint16(4000), v.SourcePort)
	assert.Equal(t, uint16(5000), v.DestPort)

	sf.InFlight = subflowSendBudget
	sf.State = SubflowClosed
	v = sf.view(0, 0)
	assert.False(t, v.HasSendCapacity)
	assert.False(t, v.Active)
}

func TestScheduleFallsBackToFirstSendableSubflow(t *testing.T) {
	down := &Subflow{Index: 0, State: SubflowClosed, Established: true}
	up := &Subflow{Index: 1, State: SubflowActive, Established: true}

	// strictprio picks subflow 0 because it only checks Established; the
	// connection cannot send on it and uses its own default instead.
	c := bareConn(t, quietEngine(), scheduler.NameStrictPriority, down, up)
	targets, err := c.schedule(scheduler.IntentSend)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Same(t, up, targets[0])

	// rtt_thresh declines unmeasured subflows outright.
	c = bareConn(t, quietEngine(), scheduler.NameRTTThreshold, down, up)
	targets, err = c.schedule(scheduler.IntentSend)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Same(t, up, targets[0])
	assert.True(t, up.Scheduled)

	up.State = SubflowClosed
	_, err = c.schedule(scheduler.IntentSend)
	assert.ErrorIs(t, err, ErrNoSubflows)
}

func TestScheduleClearsDeclinedWhenThresholdFails(t *testing.T) {
	a := &Subflow{Index: 0, State: SubflowActive, Established: true, RTT: 400 * time.Millisecond, Scheduled: true}
	b := &Subflow{Index: 1, State: SubflowActive, Established: true, RTT: 500 * time.Millisecond, Scheduled: true}
	c := bareConn(t, quietEngine(), scheduler.NameRTTThreshold, a, b)

	// Both paths are over the threshold: the marks are cleared before the
	// default subflow takes the chunk.
	targets, err := c.schedule(scheduler.IntentSend)
	require.NoError(t, err)
	assert.Equal(t, []*Subflow{a}, targets)
	assert.True(t, a.Scheduled)
	assert.False(t, b.Scheduled)
}

func TestScheduleRedundantFansOut(t *testing.T) {
	a := &Subflow{Index: 0, State: SubflowActive, Established: true}
	b := &Subflow{Index: 1, State: SubflowActive, Established: true}
	c := bareConn(t, quietEngine(), scheduler.NameRedundant, a, b)

	targets, err := c.schedule(scheduler.IntentSend)
	require.NoError(t, err)
	assert.Equal(t, []*Subflow{a, b}, targets)
	assert.True(t, a.Scheduled)
	assert.True(t, b.Scheduled)
}

func TestAckReleasesPerSubflowInFlight(t *testing.T) {
	a := &Subflow{Index: 0, State: SubflowActive}
	b := &Subflow{Index: 1, State: SubflowActive}
	c := bareConn(t, nil, "", a, b)

	c.inFlight = 300
	c.sentPackets[0] = &sentChunk{size: 100}
	c.sentPackets[1] = &sentChunk{size: 200}
	c.track(0, a, 100)
	c.track(0, b, 100)
	c.track(1, a, 200)
	assert.Equal(t, int64(300), a.InFlight)
	assert.Equal(t, int64(100), b.InFlight)

	ack := &Packet{Type: TypeAck, SequenceNumber: 0, Data: []byte{0, 0, 0x10, 0}}
	c.handleAck(ack)
	assert.Equal(t, int64(200), a.InFlight)
	assert.Zero(t, b.InFlight)
	assert.Equal(t, int64(200), c.inFlight)
	assert.Equal(t, int64(0x1000), c.sendWindow)

	c.untrack(1, a, 200)
	assert.Zero(t, a.InFlight)
	c.forget(1)
	assert.Zero(t, c.inFlight)
	assert.Empty(t, c.sentPackets)
}

func dialPair(t *testing.T, policy string, numSubflows int) (client, server *MultipathConn) {
	t.Helper()
	l, err := Listen("127.0.0.1:0", quietEngine(), policy)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	accepted := make(chan *MultipathConn, 1)
	go func() {
		if c, err := l.Accept(); err == nil {
			accepted <- c
		}
	}()

	client, err = Dial(l.Addr().String(), numSubflows, nil, quietEngine(), policy)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not assemble the connection")
	}
	t.Cleanup(func() { _ = server.Close() })
	return client, server
}

func readN(t *testing.T, c *MultipathConn, n int) []byte {
	t.Helper()
	got := make([]byte, 0, n)
	buf := make([]byte, chunkSize)
	for len(got) < n {
		k, err := c.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:k]...)
	}
	return got
}

func TestRedundantDeliversEachChunkOnce(t *testing.T) {
	client, server := dialPair(t, scheduler.NameRedundant, 2)
	assert.Equal(t, scheduler.NameRedundant, client.Policy())
	assert.Equal(t, client.ConnectionID, server.ConnectionID)

	msg := bytes.Repeat([]byte("mpsched!"), 3*chunkSize/8+100)
	errc := make(chan error, 1)
	go func() {
		_, err := client.Write(msg)
		errc <- err
	}()

	assert.Equal(t, msg, readN(t, server, len(msg)))
	require.NoError(t, <-errc)

	// Both copies of every chunk reach the server, but only one is kept.
	assert.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()
		for _, sf := range server.Subflows {
			if sf.BytesRecv < uint64(len(msg)) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, server.recvBufBytes.Load())
	assert.Empty(t, server.reassembly.output)

	client.mu.Lock()
	for _, sf := range client.Subflows {
		assert.Equal(t, uint64(len(msg)), sf.BytesSent, "subflow %d", sf.Index)
	}
	client.mu.Unlock()
}

func TestDefaultDispatcherFallsBackOnUnmatchedPorts(t *testing.T) {
	client, server := dialPair(t, "", 2)
	assert.Equal(t, scheduler.NamePortSched, client.Policy())

	msg := []byte("no route for ephemeral ports")
	_, err := client.Write(msg)
	require.NoError(t, err)
	assert.Equal(t, msg, readN(t, server, len(msg)))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, uint64(len(msg)), client.Subflows[0].BytesSent)
	assert.Zero(t, client.Subflows[1].BytesSent)
}

func TestWriteReinjectsAfterSubflowFailure(t *testing.T) {
	client, server := dialPair(t, scheduler.NameRoundRobin, 2)

	client.mu.Lock()
	dead := client.Subflows[0]
	client.mu.Unlock()
	_ = dead.TCPConn.Close()

	msg := []byte("survives a dead path")
	_, err := client.Write(msg)
	require.NoError(t, err)
	assert.Equal(t, msg, readN(t, server, len(msg)))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, SubflowClosed, dead.State)
	assert.Equal(t, uint64(len(msg)), client.Subflows[1].BytesSent)
}

func TestCloseWithSlowReader(t *testing.T) {
	client, server := dialPair(t, scheduler.NameRedundant, 1)

	for i := 0; i < 400; i++ {
		_, err := client.Write([]byte{byte(i)})
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool {
		return len(server.reassembly.output) == cap(server.reassembly.output)
	}, 5*time.Second, 10*time.Millisecond, "server never fell behind")

	done := make(chan struct{})
	go func() {
		_ = server.Close()
		_ = server.SubflowViews()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close hung with unread chunks")
	}

	_, err := server.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestCloseReleasesSchedulerState(t *testing.T) {
	engine := quietEngine()
	a := &Subflow{Index: 0, State: SubflowActive, Established: true}
	c := bareConn(t, engine, scheduler.NameLowestRTT, a)
	require.Len(t, engine.Connections(), 1)

	c.reassembly = newReassemblyBuffer(nil)
	c.Subflows = nil
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Empty(t, engine.Connections())

	_, err := c.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadHandshake(t *testing.T) {
	tests := map[string]struct {
		pkt *Packet
		ok  bool
	}{
		"valid":              {&Packet{Version: ProtocolVersion, Type: TypeHandshake, SubflowIndex: 1, Data: []byte{2}}, true},
		"wrong type":         {&Packet{Version: ProtocolVersion, Type: TypeData, Data: []byte{2}}, false},
		"missing count":      {&Packet{Version: ProtocolVersion, Type: TypeHandshake}, false},
		"index out of range": {&Packet{Version: ProtocolVersion, Type: TypeHandshake, SubflowIndex: 2, Data: []byte{2}}, false},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			a, b := net.Pipe()
			defer a.Close()
			defer b.Close()
			go func() { _ = WritePacket(a, tt.pkt) }()

			hs, err := readHandshake(b)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint8(1), hs.index)
			assert.Equal(t, 2, hs.numExpected)
		})
	}
}
