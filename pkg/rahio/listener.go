package rahio

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hossein/mpsched/pkg/rahio/scheduler"
)

// pendingConnTimeout is how long the listener waits for all NumSubflows to
// arrive before discarding a partially-assembled connection.
const pendingConnTimeout = 30 * time.Second

// Listener accepts incoming MultipathConn connections.
// It wraps a single TCP listener; all subflows of every client connection
// arrive on the same port and are grouped by ConnectionID.
type Listener struct {
	tcpListener net.Listener
	cfg         ListenConfig
	mu          sync.Mutex
	pending     map[[16]byte]*pendingConn // partial connections, keyed by ConnectionID
	acceptCh    chan *MultipathConn
	closed      chan struct{}
	closeOnce   sync.Once
}

// pendingConn collects subflows for one ConnectionID until all NumSubflows arrive.
type pendingConn struct {
	subflows    []*Subflow // slot per SubflowIndex
	numExpected int
	arrived     int
	timer       *time.Timer // cleanup timer if group never completes
}

// ListenConfig carries the scheduling setup shared by every connection a
// Listener accepts.
type ListenConfig struct {
	// Engine schedules every accepted connection. Nil creates one engine
	// for the listener.
	Engine *scheduler.Engine
	// Policy names the scheduler policy; empty uses the engine default.
	Policy string
	// Interfaces tags each accepted subflow with its local interface.
	Interfaces InterfaceLookup
}

// Listen starts a Rahio listener on addr (e.g. ":9000").
//
// Every accepted MultipathConn opens its own scheduler state on engine, so
// policies never share rotation or timers across connections.
func Listen(addr string, engine *scheduler.Engine, policy string) (*Listener, error) {
	lc := ListenConfig{Engine: engine, Policy: policy}
	return lc.Listen(addr)
}

func (lc ListenConfig) Listen(addr string) (*Listener, error) {
	if lc.Engine == nil {
		lc.Engine = scheduler.NewEngine()
		slog.Debug("listen: using a private scheduler engine", "policy", lc.Engine.DefaultPolicy())
	}
	if lc.Policy != "" {
		if _, ok := lc.Engine.Lookup(lc.Policy); !ok {
			return nil, fmt.Errorf("rahio: %w: %q", scheduler.ErrUnknownPolicy, lc.Policy)
		}
	}

	tcpL, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rahio: listening on %q: %w", addr, err)
	}

	slog.Info("listen: started", "addr", tcpL.Addr())

	l := &Listener{
		tcpListener: tcpL,
		cfg:         lc,
		pending:     make(map[[16]byte]*pendingConn),
		acceptCh:    make(chan *MultipathConn, 16),
		closed:      make(chan struct{}),
	}
	go l.acceptLoop()

	return l, nil
}

// Accept blocks until a fully-assembled MultipathConn is ready (all declared
// subflows have completed the handshake) or the listener is closed.
func (l *Listener) Accept() (*MultipathConn, error) {
	select {
	case <-l.closed:
		return nil, fmt.Errorf("rahio: listener closed")
	case conn, ok := <-l.acceptCh:
		if !ok {
			return nil, fmt.Errorf("rahio: listener closed")
		}
		slog.Info("listen: accepted MultipathConn",
			"connID", connIDStr(conn.ConnectionID),
			"numSubflows", len(conn.Subflows),
		)
		return conn, nil
	}
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.tcpListener.Addr()
}

// Close shuts down the listener. Already-accepted MultipathConns are not affected.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		slog.Info("listen: closing listener", "addr", l.tcpListener.Addr())
		close(l.closed)
		err = l.tcpListener.Close()
	})
	return err
}

// acceptLoop accepts raw TCP connections and hands each to a handleSubflow goroutine.
func (l *Listener) acceptLoop() {
	slog.Debug("listen: acceptLoop started", "addr", l.tcpListener.Addr())
	for {
		tcpConn, err := l.tcpListener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				slog.Debug("listen: acceptLoop stopping, listener closed")
				return
			default:
				slog.Warn("listen: accept error (transient)", "err", err)
				continue
			}
		}
		slog.Debug("listen: accepted raw TCP connection", "remote", tcpConn.RemoteAddr())
		go l.handleSubflow(tcpConn)
	}
}

// handshake is what a subflow announces before joining its connection.
type handshake struct {
	connID      [16]byte
	index       uint8
	numExpected int
}

// readHandshake reads and validates the HANDSHAKE packet of a new subflow.
// The read is bounded by handshakeTimeout so a silent client cannot hold
// the socket.
func readHandshake(tcpConn net.Conn) (handshake, error) {
	_ = tcpConn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	pkt, err := ReadPacket(tcpConn)
	_ = tcpConn.SetReadDeadline(time.Time{})
	if err != nil {
		return handshake{}, fmt.Errorf("reading HANDSHAKE: %w", err)
	}
	if pkt.Type != TypeHandshake || len(pkt.Data) < 1 {
		return handshake{}, fmt.Errorf("expected HANDSHAKE with subflow count, got %s (%d data bytes)", packetTypeName(pkt.Type), len(pkt.Data))
	}
	if !VerifyChecksum(pkt) {
		return handshake{}, errors.New("HANDSHAKE checksum mismatch")
	}

	hs := handshake{connID: pkt.ConnectionID, index: pkt.SubflowIndex, numExpected: int(pkt.Data[0])}
	if hs.numExpected < 1 || int(hs.index) >= hs.numExpected {
		return handshake{}, fmt.Errorf("subflow %d of %d out of range", hs.index, hs.numExpected)
	}
	return hs, nil
}

// handleSubflow admits one TCP connection as a subflow: it validates the
// HANDSHAKE, acknowledges it and files the subflow under its ConnectionID.
// The subflow completing a group turns the group into a MultipathConn on
// acceptCh.
func (l *Listener) handleSubflow(tcpConn net.Conn) {
	remote := tcpConn.RemoteAddr()

	hs, err := readHandshake(tcpConn)
	if err != nil {
		slog.Warn("handleSubflow: rejecting subflow", "remote", remote, "err", err)
		_ = tcpConn.Close()
		return
	}

	sf := newSubflow(hs.index, tcpConn)
	tagInterface(sf, l.cfg.Interfaces)

	ackPkt := &Packet{
		Version:      ProtocolVersion,
		Type:         TypeHandshakeAck,
		SubflowIndex: hs.index,
		ConnectionID: hs.connID,
		Timestamp:    uint64(time.Now().UnixMicro()),
	}
	if err := WritePacket(tcpConn, ackPkt); err != nil {
		slog.Error("handleSubflow: failed to send HANDSHAKE_ACK",
			"remote", remote,
			"connID", connIDStr(hs.connID),
			"sfIdx", hs.index,
			"err", err,
		)
		_ = tcpConn.Close()
		return
	}
	slog.Debug("handleSubflow: subflow acknowledged",
		"remote", remote,
		"connID", connIDStr(hs.connID),
		"sfIdx", hs.index,
		"iface", sf.Interface,
		"numExpected", hs.numExpected,
	)

	group := l.registerSubflow(hs, sf)
	if group == nil {
		return
	}

	conn, err := NewMultipathConn(hs.connID, group, l.cfg.Engine, l.cfg.Policy)
	if err != nil {
		slog.Error("handleSubflow: assembling MultipathConn failed", "connID", connIDStr(hs.connID), "err", err)
		closeSubflows(group)
		return
	}
	select {
	case l.acceptCh <- conn:
	case <-l.closed:
		_ = conn.Close()
	}
}

// registerSubflow files sf under its connection group and returns the full
// group once the last subflow arrived, or nil while more are expected.
func (l *Listener) registerSubflow(hs handshake, sf *Subflow) []*Subflow {
	l.mu.Lock()
	defer l.mu.Unlock()

	pc, exists := l.pending[hs.connID]
	if !exists {
		pc = &pendingConn{
			subflows:    make([]*Subflow, hs.numExpected),
			numExpected: hs.numExpected,
		}
		connID := hs.connID
		pc.timer = time.AfterFunc(pendingConnTimeout, func() {
			l.expirePending(connID)
		})
		l.pending[hs.connID] = pc
	}

	// A client may not redefine the group size or reuse an index.
	if hs.numExpected != pc.numExpected || pc.subflows[sf.Index] != nil {
		slog.Warn("registerSubflow: conflicting subflow, closing it",
			"connID", connIDStr(hs.connID),
			"sfIdx", sf.Index,
			"numExpected", hs.numExpected,
			"groupSize", pc.numExpected,
		)
		_ = sf.TCPConn.Close()
		return nil
	}

	pc.subflows[sf.Index] = sf
	pc.arrived++
	slog.Info("registerSubflow: subflow registered",
		"connID", connIDStr(hs.connID),
		"sfIdx", sf.Index,
		"arrived", pc.arrived,
		"expected", pc.numExpected,
	)
	if pc.arrived < pc.numExpected {
		return nil
	}

	pc.timer.Stop()
	delete(l.pending, hs.connID)
	return pc.subflows
}

// expirePending closes the TCP connections belonging to a timed-out partial
// connection and removes it from the pending map.
func (l *Listener) expirePending(connID [16]byte) {
	l.mu.Lock()
	pc, ok := l.pending[connID]
	delete(l.pending, connID)
	l.mu.Unlock()

	if !ok {
		return
	}
	slog.Warn("expirePending: connection group timed out, closing partial subflows",
		"connID", connIDStr(connID),
		"arrived", pc.arrived,
		"expected", pc.numExpected,
	)
	closeSubflows(pc.subflows)
}
