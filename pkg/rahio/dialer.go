package rahio

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hossein/mpsched/pkg/rahio/scheduler"
)

const handshakeTimeout = 10 * time.Second

// Dialer opens MultipathConns. The zero value dials with a private engine
// and its default policy.
type Dialer struct {
	// Engine schedules every connection this Dialer opens.
	Engine *scheduler.Engine
	// Policy names the scheduler policy; empty uses the engine default.
	Policy string
	// LocalAddrs optionally pins each subflow to a specific local interface
	// address (e.g. "192.168.1.5:0"). An empty string or a slice shorter than
	// the subflow count leaves the OS to choose the source address.
	LocalAddrs []string
	// Interfaces tags each subflow with the interface owning its source
	// address, which port dispatchers need for pinning.
	Interfaces InterfaceLookup
}

// Dial establishes a MultipathConn to addr using numSubflows TCP connections.
//
// All subflows connect to the same addr (same host:port), each carrying a
// HANDSHAKE packet that includes the shared ConnectionID and the subflow's
// index. The server groups them by ConnectionID; once all arrive it calls
// Accept().
func Dial(addr string, numSubflows int, localAddrs []string, engine *scheduler.Engine, policy string) (*MultipathConn, error) {
	d := &Dialer{Engine: engine, Policy: policy, LocalAddrs: localAddrs}
	return d.Dial(addr, numSubflows)
}

func (d *Dialer) Dial(addr string, numSubflows int) (*MultipathConn, error) {
	if numSubflows < 1 || numSubflows > 255 {
		return nil, fmt.Errorf("rahio: numSubflows must be 1-255, got %d", numSubflows)
	}

	// Random ConnectionID ties all subflows together.
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("rahio: generating connection ID: %w", err)
	}
	connID := [16]byte(id)

	// Dial all subflows in parallel so the server sees them close together.
	type result struct {
		sf  *Subflow
		err error
	}
	results := make([]result, numSubflows)
	var wg sync.WaitGroup
	for i := 0; i < numSubflows; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sf, err := dialSubflow(addr, idx, numSubflows, connID, d.LocalAddrs)
			results[idx] = result{sf, err}
		}(i)
	}
	wg.Wait()

	// Collect results; on any error close all successfully opened subflows.
	subflows := make([]*Subflow, numSubflows)
	var firstErr error
	for i, r := range results {
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
		subflows[i] = r.sf
	}

	if firstErr != nil {
		closeSubflows(subflows)
		return nil, firstErr
	}

	for _, sf := range subflows {
		tagInterface(sf, d.Interfaces)
	}

	slog.Debug("dial: all subflows established",
		"connID", connIDStr(connID),
		"addr", addr,
		"numSubflows", numSubflows,
	)

	conn, err := NewMultipathConn(connID, subflows, d.Engine, d.Policy)
	if err != nil {
		closeSubflows(subflows)
		return nil, err
	}
	return conn, nil
}

func closeSubflows(subflows []*Subflow) {
	for _, sf := range subflows {
		if sf != nil {
			_ = sf.TCPConn.Close()
		}
	}
}

// dialSubflow handles the full TCP dial → HANDSHAKE → HANDSHAKE_ACK exchange
// for a single subflow.
func dialSubflow(addr string, idx, numSubflows int, connID [16]byte, localAddrs []string) (*Subflow, error) {
	dialer := &net.Dialer{Timeout: handshakeTimeout}
	if idx < len(localAddrs) && localAddrs[idx] != "" {
		localTCP, err := net.ResolveTCPAddr("tcp", localAddrs[idx])
		if err != nil {
			return nil, fmt.Errorf("rahio: resolving local addr %q for subflow %d: %w", localAddrs[idx], idx, err)
		}
		dialer.LocalAddr = localTCP
	}

	tcpConn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rahio: dialing subflow %d: %w", idx, err)
	}

	// HANDSHAKE packet: header carries Version, Type, SubflowIndex, ConnectionID.
	// Data[0] = NumSubflows, the only field not already in the header.
	hsPkt := &Packet{
		Version:      ProtocolVersion,
		Type:         TypeHandshake,
		SubflowIndex: uint8(idx),
		ConnectionID: connID,
		Timestamp:    uint64(time.Now().UnixMicro()),
		Data:         []byte{uint8(numSubflows)},
	}
	if err = WritePacket(tcpConn, hsPkt); err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("rahio: sending HANDSHAKE for subflow %d: %w", idx, err)
	}

	_ = tcpConn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	ack, err := ReadPacket(tcpConn)
	_ = tcpConn.SetReadDeadline(time.Time{}) // clear deadline for data phase
	if err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("rahio: reading HANDSHAKE_ACK for subflow %d: %w", idx, err)
	}

	if ack.Type != TypeHandshakeAck {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("rahio: subflow %d: expected HANDSHAKE_ACK, got %s", idx, packetTypeName(ack.Type))
	}

	if ack.ConnectionID != connID {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("rahio: subflow %d: HANDSHAKE_ACK connection ID mismatch", idx)
	}

	return newSubflow(uint8(idx), tcpConn), nil
}
