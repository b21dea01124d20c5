package rahio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hossein/mpsched/pkg/rahio/scheduler"
)

const (
	chunkSize         = 32 * 1024       // 32 KB per chunk
	defaultRecvWindow = 4 * 1024 * 1024 // 4 MB, our receive capacity, advertised to the peer
	defaultSendWindow = 4 * 1024 * 1024 // 4 MB, optimistic initial send window before first ACK
)

var ErrNoSubflows = errors.New("rahio: no active subflows")
var ErrClosed = errors.New("rahio: connection closed")

func connIDStr(id [16]byte) string {
	return uuid.UUID(id).String()
}

// sentChunk remembers an unacknowledged chunk and every subflow carrying it.
type sentChunk struct {
	size     uint32
	subflows []uint8
}

// MultipathConn is the core of Rahio. It implements net.Conn over N subflows.
// It also implements scheduler.ConnectionInfo so the engine can snapshot
// subflow state without importing this package.
type MultipathConn struct {
	ConnectionID [16]byte
	Subflows     []*Subflow
	engine       *scheduler.Engine
	sched        *scheduler.Connection
	schedMu      sync.Mutex    // serializes Decide calls for this connection
	sendSeq      atomic.Uint64 // monotonic send sequence counter
	mu           sync.Mutex    // protects Subflows and their mutable fields
	reassembly   *reassemblyBuffer
	closeOnce    sync.Once
	closed       chan struct{}

	// Flow control, send side.
	// fcMu protects sendWindow, inFlight, and sentPackets.
	fcMu        sync.Mutex
	fcCond      *sync.Cond // signalled when sendWindow opens or conn closes
	sendWindow  int64      // bytes we are allowed to have in flight (peer-advertised)
	inFlight    int64      // bytes sent but not yet acknowledged
	sentPackets map[uint64]*sentChunk

	// Flow control, receive side.
	recvWindowBytes uint32       // our receive capacity, advertised in ACK packets
	recvBufBytes    atomic.Int64 // bytes currently held in reassembly buffer / output channel
}

// NewMultipathConn creates a MultipathConn, opens its scheduler state under
// policy (empty for the engine default) and starts the receive and probe
// goroutines.
func NewMultipathConn(id [16]byte, subflows []*Subflow, engine *scheduler.Engine, policy string) (*MultipathConn, error) {
	if engine == nil {
		engine = scheduler.NewEngine()
	}
	c := &MultipathConn{
		ConnectionID:    id,
		Subflows:        subflows,
		engine:          engine,
		closed:          make(chan struct{}),
		sendWindow:      defaultSendWindow,
		sentPackets:     make(map[uint64]*sentChunk),
		recvWindowBytes: defaultRecvWindow,
	}
	c.reassembly = newReassemblyBuffer(func(n int) { c.recvBufBytes.Add(int64(n)) })
	c.fcCond = sync.NewCond(&c.fcMu)

	sched, err := engine.Open(c, policy)
	if err != nil {
		return nil, fmt.Errorf("rahio: opening scheduler %q: %w", policy, err)
	}
	c.sched = sched

	slog.Info("conn: MultipathConn created",
		"connID", connIDStr(id),
		"numSubflows", len(subflows),
		"policy", sched.PolicyName(),
		"recvWindow", defaultRecvWindow,
		"sendWindow", defaultSendWindow,
	)

	for _, sf := range subflows {
		go c.recvLoop(sf)
		go c.probeLoop(sf)
	}

	return c, nil
}

// ── scheduler.ConnectionInfo interface ───────────────────────────────────────

func (c *MultipathConn) GetConnectionID() [16]byte {
	return c.ConnectionID
}

// SubflowViews snapshots every subflow for one scheduling decision.
func (c *MultipathConn) SubflowViews() []scheduler.SubflowView {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Subflows) == 0 {
		return nil
	}
	primary := c.Subflows[0]
	views := make([]scheduler.SubflowView, 0, len(c.Subflows))
	for _, sf := range c.Subflows {
		views = append(views, sf.view(primary.LocalPort, primary.RemotePort))
	}
	return views
}

// Policy is the name of the scheduler policy this connection was opened with.
func (c *MultipathConn) Policy() string {
	return c.sched.PolicyName()
}

func (c *MultipathConn) subflowByIDLocked(id scheduler.SubflowID) *Subflow {
	for _, sf := range c.Subflows {
		if scheduler.SubflowID(sf.Index) == id {
			return sf
		}
	}
	return nil
}

// defaultSubflowLocked is the host's own choice when the scheduler declines:
// the first subflow that can send.
func (c *MultipathConn) defaultSubflowLocked() *Subflow {
	for _, sf := range c.Subflows {
		if sf.canSend() {
			return sf
		}
	}
	return nil
}

// schedule asks the engine where the next chunk goes and marks the chosen
// subflows scheduled. When the engine has no answer the default subflow is
// used instead.
func (c *MultipathConn) schedule(intent scheduler.Intent) ([]*Subflow, error) {
	c.schedMu.Lock()
	dec, err := c.engine.Decide(c.sched, intent)
	c.schedMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range dec.Declined {
		if sf := c.subflowByIDLocked(id); sf != nil {
			sf.Scheduled = false
		}
	}

	var targets []*Subflow
	if err == nil {
		for _, ch := range dec.Choices {
			sf := c.subflowByIDLocked(ch.ID)
			if sf == nil || !sf.canSend() {
				continue
			}
			sf.Scheduled = true
			targets = append(targets, sf)
		}
		if len(targets) > 0 {
			return targets, nil
		}
	}

	sf := c.defaultSubflowLocked()
	if sf == nil {
		if err == nil {
			err = scheduler.ErrNoViableSubflow
		}
		return nil, fmt.Errorf("%w: %w", ErrNoSubflows, err)
	}
	slog.Debug("conn: scheduler gave no usable subflow, using default",
		"connID", connIDStr(c.ConnectionID),
		"intent", intent,
		"sfIdx", sf.Index,
		"err", err,
	)
	sf.Scheduled = true
	return []*Subflow{sf}, nil
}

// ── net.Conn: Write (send path, flow control) ────────────────────────────────

// Write splits data into chunks, assigns sequence numbers, and sends each
// chunk on the subflows the scheduler picks.
// It blocks when BytesInFlight >= SendWindow.
func (c *MultipathConn) Write(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrClosed
	default:
	}

	total := 0
	for len(b) > 0 {
		n := len(b)
		if n > chunkSize {
			n = chunkSize
		}
		chunk := b[:n]
		b = b[n:]
		seq := c.sendSeq.Add(1) - 1

		// Block until there is room in the send window.
		c.fcMu.Lock()
		for c.inFlight+int64(n) > c.sendWindow {
			c.fcCond.Wait()
			select {
			case <-c.closed:
				c.fcMu.Unlock()
				return total, ErrClosed
			default:
			}
		}
		c.inFlight += int64(n)
		c.sentPackets[seq] = &sentChunk{size: uint32(n)}
		c.fcMu.Unlock()

		if err := c.sendChunk(seq, chunk); err != nil {
			c.forget(seq)
			return total, err
		}
		total += n
	}

	return total, nil
}

// sendChunk delivers one chunk on at least one subflow. If every scheduled
// copy fails, the chunk is reinjected with a retransmit decision until it
// lands or no subflow is left.
func (c *MultipathConn) sendChunk(seq uint64, chunk []byte) error {
	targets, err := c.schedule(scheduler.IntentSend)
	if err != nil {
		slog.Error("conn: no subflow for chunk",
			"connID", connIDStr(c.ConnectionID),
			"seq", seq,
			"err", err,
		)
		return err
	}
	if c.transmit(targets, seq, chunk, 0) > 0 {
		return nil
	}

	for attempt := 0; attempt < c.subflowCount(); attempt++ {
		targets, err = c.schedule(scheduler.IntentRetransmit)
		if err != nil {
			return err
		}
		slog.Info("conn: reinjecting chunk",
			"connID", connIDStr(c.ConnectionID),
			"seq", seq,
			"attempt", attempt+1,
			"targets", len(targets),
		)
		if c.transmit(targets, seq, chunk, FlagReinjected) > 0 {
			return nil
		}
	}
	return ErrNoSubflows
}

// transmit writes chunk on every target and returns how many copies were
// written. Every copy after the first is flagged as a duplicate.
func (c *MultipathConn) transmit(targets []*Subflow, seq uint64, chunk []byte, flags uint8) int {
	sent := 0
	for i, sf := range targets {
		pktFlags := flags | FlagScheduled
		if i > 0 {
			pktFlags |= FlagDuplicate
		}
		pkt := &Packet{
			Version:        ProtocolVersion,
			Type:           TypeData,
			SubflowIndex:   sf.Index,
			Flags:          pktFlags,
			ConnectionID:   c.ConnectionID,
			SequenceNumber: seq,
			Timestamp:      uint64(time.Now().UnixMicro()),
			Data:           chunk,
		}

		c.track(seq, sf, len(chunk))
		err := WritePacket(sf.TCPConn, pkt)

		c.mu.Lock()
		sf.Scheduled = false // clear after transmission
		if err == nil {
			sf.BytesSent += uint64(len(chunk))
		}
		c.mu.Unlock()

		if err != nil {
			c.untrack(seq, sf, len(chunk))
			c.failSubflow(sf, err)
			continue
		}

		slog.Debug("conn: sent chunk",
			"connID", connIDStr(c.ConnectionID),
			"seq", seq,
			"size", len(chunk),
			"sfIdx", sf.Index,
			"flags", flagsStr(pktFlags),
		)
		sent++
	}
	return sent
}

// track records sf as a carrier of seq before the write, so an ACK racing
// the write still releases the subflow's in-flight bytes.
func (c *MultipathConn) track(seq uint64, sf *Subflow, n int) {
	c.fcMu.Lock()
	if ch, ok := c.sentPackets[seq]; ok {
		ch.subflows = append(ch.subflows, sf.Index)
	}
	c.fcMu.Unlock()

	c.mu.Lock()
	sf.InFlight += int64(n)
	c.mu.Unlock()
}

func (c *MultipathConn) untrack(seq uint64, sf *Subflow, n int) {
	c.fcMu.Lock()
	if ch, ok := c.sentPackets[seq]; ok {
		for i, idx := range ch.subflows {
			if idx == sf.Index {
				ch.subflows = append(ch.subflows[:i], ch.subflows[i+1:]...)
				break
			}
		}
	}
	c.fcMu.Unlock()

	c.mu.Lock()
	sf.InFlight -= int64(n)
	if sf.InFlight < 0 {
		sf.InFlight = 0
	}
	c.mu.Unlock()
}

// forget drops a chunk that could not be sent at all from flow control.
func (c *MultipathConn) forget(seq uint64) {
	c.fcMu.Lock()
	if ch, ok := c.sentPackets[seq]; ok {
		c.inFlight -= int64(ch.size)
		delete(c.sentPackets, seq)
		c.fcCond.Broadcast()
	}
	c.fcMu.Unlock()
}

// failSubflow takes a subflow out of service after a write error.
func (c *MultipathConn) failSubflow(sf *Subflow, err error) {
	c.mu.Lock()
	wasUp := sf.canSend()
	sf.State = SubflowClosed
	c.mu.Unlock()

	if wasUp {
		slog.Warn("conn: subflow write failed, closing subflow",
			"connID", connIDStr(c.ConnectionID),
			"sfIdx", sf.Index,
			"err", err,
		)
		_ = sf.TCPConn.Close()
	}
}

func (c *MultipathConn) subflowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Subflows)
}

// ── net.Conn: Read (receive path, flow control) ──────────────────────────────

// Read delivers in-order application bytes from the reassembly buffer.
// Each call decrements recvBufBytes so the advertised window grows again.
func (c *MultipathConn) Read(b []byte) (int, error) {
	// Chunks still buffered after Close are discarded.
	select {
	case <-c.closed:
		return 0, io.EOF
	default:
	}

	select {
	case <-c.closed:
		return 0, io.EOF
	case <-c.reassembly.done:
		return 0, io.EOF
	case data := <-c.reassembly.output:
		n := copy(b, data)
		// Application consumed len(data) bytes; reclaim that space in our window.
		c.recvBufBytes.Add(-int64(len(data)))
		return n, nil
	}
}

// ── Receive loop (one goroutine per subflow) ──────────────────────────────────

// recvLoop reads packets from one subflow and feeds them into the reassembly
// buffer. One goroutine per subflow.
func (c *MultipathConn) recvLoop(sf *Subflow) {
	slog.Info("conn: recvLoop started",
		"connID", connIDStr(c.ConnectionID),
		"sfIdx", sf.Index,
		"local", sf.TCPConn.LocalAddr(),
		"remote", sf.TCPConn.RemoteAddr(),
	)

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		pkt, err := ReadPacket(sf.TCPConn)
		if err != nil {
			c.mu.Lock()
			sf.State = SubflowClosed
			c.mu.Unlock()
			slog.Warn("conn: recvLoop read error, subflow closed",
				"connID", connIDStr(c.ConnectionID),
				"sfIdx", sf.Index,
				"err", err,
			)
			return
		}

		if !VerifyChecksum(pkt) {
			continue
		}

		c.mu.Lock()
		sf.BytesRecv += uint64(pkt.DataLength)
		c.mu.Unlock()

		switch pkt.Type {
		case TypeData:
			fresh := c.reassembly.insert(pkt.SequenceNumber, pkt.Data)
			slog.Debug("conn: recvLoop received TypeData",
				"connID", connIDStr(c.ConnectionID),
				"sfIdx", sf.Index,
				"seq", pkt.SequenceNumber,
				"flags", flagsStr(pkt.Flags),
				"fresh", fresh,
			)
			c.sendAck(sf)

		case TypeAck:
			c.handleAck(pkt)

		case TypePing:
			c.sendPong(sf, pkt)

		case TypePong:
			c.handlePong(sf, pkt)

		case TypeClose:
			slog.Info("conn: recvLoop received TypeClose",
				"connID", connIDStr(c.ConnectionID),
				"sfIdx", sf.Index,
			)
			_ = c.Close()
			return

		default:
			slog.Debug("conn: recvLoop received unknown packet type",
				"connID", connIDStr(c.ConnectionID),
				"sfIdx", sf.Index,
				"type", packetTypeName(pkt.Type),
			)
		}
	}
}

// sendAck sends a TypeAck packet back on sf carrying:
//   - SequenceNumber = highest contiguously delivered seq
//   - Data[0:4]     = AdvertisedWindow (uint32 big-endian): remaining receive capacity
func (c *MultipathConn) sendAck(sf *Subflow) {
	ackedSeq, ok := c.reassembly.highestContiguous()
	if !ok {
		return
	}

	available := int64(c.recvWindowBytes) - c.recvBufBytes.Load()
	if available < 0 {
		available = 0
	}

	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, uint32(available))
	ack := &Packet{
		Version:        ProtocolVersion,
		Type:           TypeAck,
		SubflowIndex:   sf.Index,
		ConnectionID:   c.ConnectionID,
		SequenceNumber: ackedSeq,
		Timestamp:      uint64(time.Now().UnixMicro()),
		Data:           data,
	}
	_ = WritePacket(sf.TCPConn, ack)
}

// handleAck processes an incoming TypeAck packet, releases acknowledged
// chunks from connection and per-subflow accounting and updates the send
// window.
func (c *MultipathConn) handleAck(pkt *Packet) {
	if len(pkt.Data) < 4 {
		slog.Warn("conn: handleAck received ACK with no window data",
			"connID", connIDStr(c.ConnectionID),
			"ackedSeq", pkt.SequenceNumber,
		)
		return
	}

	advertisedWindow := int64(binary.BigEndian.Uint32(pkt.Data[:4]))
	ackedSeq := pkt.SequenceNumber

	var released []*sentChunk
	c.fcMu.Lock()
	for seq, ch := range c.sentPackets {
		if seq <= ackedSeq {
			c.inFlight -= int64(ch.size)
			released = append(released, ch)
			delete(c.sentPackets, seq)
		}
	}
	if c.inFlight < 0 {
		c.inFlight = 0 // guard against duplicate ACKs
	}
	c.sendWindow = advertisedWindow
	c.fcCond.Broadcast() // wake any Write() calls waiting for window space
	c.fcMu.Unlock()

	if len(released) == 0 {
		return
	}
	c.mu.Lock()
	for _, ch := range released {
		for _, idx := range ch.subflows {
			if sf := c.subflowByIDLocked(scheduler.SubflowID(idx)); sf != nil {
				sf.InFlight -= int64(ch.size)
				if sf.InFlight < 0 {
					sf.InFlight = 0
				}
			}
		}
	}
	c.mu.Unlock()
}

// ── net.Conn: Close ──────────────────────────────────────────────────────────

func (c *MultipathConn) Close() error {
	c.closeOnce.Do(func() {
		slog.Info("conn: closing MultipathConn", "connID", connIDStr(c.ConnectionID))
		close(c.closed)
		c.fcMu.Lock()
		c.fcCond.Broadcast() // unblock any Write() waiting on the send window
		c.fcMu.Unlock()
		c.engine.Release(c.sched)

		c.mu.Lock()
		defer c.mu.Unlock()

		closePkt := &Packet{
			Version:      ProtocolVersion,
			Type:         TypeClose,
			ConnectionID: c.ConnectionID,
			Timestamp:    uint64(time.Now().UnixMicro()),
		}
		for _, sf := range c.Subflows {
			if sf.canSend() {
				sf.State = SubflowClosing
				_ = WritePacket(sf.TCPConn, closePkt)
			}
			_ = sf.TCPConn.Close()
			sf.State = SubflowClosed
		}
		c.reassembly.close()
	})
	return nil
}

// ── net.Conn: addr / deadline stubs ──────────────────────────────────────────

func (c *MultipathConn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sf := range c.Subflows {
		if sf.canSend() {
			return sf.TCPConn.LocalAddr()
		}
	}
	return nil
}

func (c *MultipathConn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sf := range c.Subflows {
		if sf.canSend() {
			return sf.TCPConn.RemoteAddr()
		}
	}
	return nil
}

func (c *MultipathConn) SetDeadline(t time.Time) error {
	return c.eachConn(func(nc net.Conn) error { return nc.SetDeadline(t) })
}

func (c *MultipathConn) SetReadDeadline(t time.Time) error {
	return c.eachConn(func(nc net.Conn) error { return nc.SetReadDeadline(t) })
}

func (c *MultipathConn) SetWriteDeadline(t time.Time) error {
	return c.eachConn(func(nc net.Conn) error { return nc.SetWriteDeadline(t) })
}

func (c *MultipathConn) eachConn(fn func(net.Conn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, sf := range c.Subflows {
		if err := fn(sf.TCPConn); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ── Reassembly Buffer ────────────────────────────────────────────────────────

// reassemblyBuffer orders chunks arriving on any subflow. Ready chunks are
// handed to output outside mu, so a reader that falls behind stalls only the
// delivering recvLoop, never close or the ACK path.
type reassemblyBuffer struct {
	deliverMu sync.Mutex // held for a whole insert; keeps delivery in order

	mu           sync.Mutex // protects nextExpected, buffer and closed
	nextExpected uint64
	buffer       map[uint64][]byte
	closed       bool

	output    chan []byte // never closed; readers also select on done
	done      chan struct{}
	closeOnce sync.Once
	accepted  func(n int) // called for every chunk stored for the first time
}

func newReassemblyBuffer(accepted func(n int)) *reassemblyBuffer {
	return &reassemblyBuffer{
		buffer:   make(map[uint64][]byte),
		output:   make(chan []byte, 256),
		done:     make(chan struct{}),
		accepted: accepted,
	}
}

// insert stores a chunk and delivers every chunk that is now in order. It
// reports whether the chunk was new; copies arriving on a second subflow
// are dropped. It blocks while output is full and returns once the buffer
// is closed.
func (rb *reassemblyBuffer) insert(seq uint64, data []byte) bool {
	rb.deliverMu.Lock()
	defer rb.deliverMu.Unlock()

	ready, fresh := rb.store(seq, data)
	for _, d := range ready {
		select {
		case rb.output <- d:
		case <-rb.done:
			return fresh
		}
	}
	return fresh
}

// store records the chunk under mu and takes out the run that became ready.
func (rb *reassemblyBuffer) store(seq uint64, data []byte) ([][]byte, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed || seq < rb.nextExpected {
		return nil, false
	}
	if _, dup := rb.buffer[seq]; dup {
		return nil, false
	}
	if rb.accepted != nil {
		rb.accepted(len(data))
	}

	if seq > rb.nextExpected {
		rb.buffer[seq] = data
		return nil, true
	}

	ready := [][]byte{data}
	rb.nextExpected++
	for {
		d, ok := rb.buffer[rb.nextExpected]
		if !ok {
			break
		}
		ready = append(ready, d)
		delete(rb.buffer, rb.nextExpected)
		rb.nextExpected++
	}
	return ready, true
}

// highestContiguous returns the last sequence number accepted in order, and
// false while nothing has been accepted yet.
func (rb *reassemblyBuffer) highestContiguous() (uint64, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.nextExpected == 0 {
		return 0, false
	}
	return rb.nextExpected - 1, true
}

// close stops delivery and releases any insert blocked on a full output.
func (rb *reassemblyBuffer) close() {
	rb.closeOnce.Do(func() {
		rb.mu.Lock()
		rb.closed = true
		rb.mu.Unlock()
		close(rb.done)
	})
}
