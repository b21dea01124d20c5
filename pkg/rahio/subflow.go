package rahio

import (
	"net"
	"time"

	"github.com/hossein/mpsched/pkg/rahio/scheduler"
)

// subflowSendBudget is how many unacknowledged bytes one subflow may carry
// before the scheduler sees it as having no send capacity.
const subflowSendBudget = 1 << 20

// SubflowState tracks a subflow from dial to teardown.
type SubflowState uint8

const (
	SubflowConnecting SubflowState = iota
	SubflowActive
	SubflowDegraded // RTT too high, not preferred
	SubflowClosing
	SubflowClosed
)

func (s SubflowState) String() string {
	switch s {
	case SubflowConnecting:
		return "connecting"
	case SubflowActive:
		return "active"
	case SubflowDegraded:
		return "degraded"
	case SubflowClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Subflow represents one TCP connection within a MultipathConn.
// All mutable fields are guarded by the owning MultipathConn's mu.
type Subflow struct {
	Index      uint8
	TCPConn    net.Conn
	Interface  string
	IfIndex    int
	LocalAddr  net.IP
	RemoteAddr net.IP
	LocalPort  uint16
	RemotePort uint16
	State      SubflowState
	// Established is set once the handshake completed and never cleared.
	Established bool
	// RTT is the smoothed round-trip time; zero until the first probe returns.
	RTT       time.Duration
	BytesSent uint64
	BytesRecv uint64
	// InFlight counts bytes sent on this subflow and not yet acknowledged.
	InFlight  int64
	Scheduled bool
}

func newSubflow(idx uint8, conn net.Conn) *Subflow {
	sf := &Subflow{
		Index:       idx,
		TCPConn:     conn,
		State:       SubflowActive,
		Established: true,
	}
	if l, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		sf.LocalAddr, sf.LocalPort = l.IP, uint16(l.Port)
	}
	if r, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		sf.RemoteAddr, sf.RemotePort = r.IP, uint16(r.Port)
	}
	return sf
}

// observeRTT folds one probe sample into the smoothed RTT with the usual
// 1/8 gain.
func (sf *Subflow) observeRTT(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if sf.RTT == 0 {
		sf.RTT = sample
		return
	}
	sf.RTT += (sample - sf.RTT) / 8
}

func (sf *Subflow) canSend() bool {
	return sf.State == SubflowActive || sf.State == SubflowDegraded
}

// view builds the scheduler's snapshot of sf. Ports are the connection's,
// taken from the primary subflow.
func (sf *Subflow) view(sport, dport uint16) scheduler.SubflowView {
	rtt := sf.RTT.Microseconds()
	if rtt == 0 && sf.RTT > 0 {
		rtt = 1
	}
	if rtt > int64(^uint32(0)) {
		rtt = int64(^uint32(0))
	}
	return scheduler.SubflowView{
		ID:                scheduler.SubflowID(sf.Index),
		InterfaceIndex:    sf.IfIndex,
		Active:            sf.canSend(),
		HasSendCapacity:   sf.InFlight < subflowSendBudget,
		Established:       sf.Established,
		SmoothedRTTMicros: uint32(rtt),
		LocalPriority:     uint32(sf.Index),
		SourcePort:        sport,
		DestPort:          dport,
	}
}
