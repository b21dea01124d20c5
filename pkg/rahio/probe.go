package rahio

import (
	"log/slog"
	"net"
	"time"
)

const (
	probeInterval = 1 * time.Second
	// degradedRTT marks a subflow degraded; it stays usable but logs the change.
	degradedRTT = 1 * time.Second
)

// InterfaceLookup maps a local address to the interface that owns it.
type InterfaceLookup interface {
	LookupIP(ip net.IP) (index int, name string, err error)
}

// tagInterface records which local interface carries sf. Lookup failures
// leave the subflow unpinned.
func tagInterface(sf *Subflow, lookup InterfaceLookup) {
	if lookup == nil || sf.LocalAddr == nil {
		return
	}
	idx, name, err := lookup.LookupIP(sf.LocalAddr)
	if err != nil {
		slog.Debug("subflow: no interface for local address",
			"sfIdx", sf.Index,
			"local", sf.LocalAddr,
			"err", err,
		)
		return
	}
	sf.IfIndex, sf.Interface = idx, name
}

// probeLoop sends a PING on sf every probeInterval. The peer echoes the
// timestamp in a PONG, which handlePong turns into an RTT sample.
func (c *MultipathConn) probeLoop(sf *Subflow) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		c.sendPing(sf)
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		up := sf.canSend()
		c.mu.Unlock()
		if !up {
			return
		}
	}
}

func (c *MultipathConn) sendPing(sf *Subflow) {
	ping := &Packet{
		Version:      ProtocolVersion,
		Type:         TypePing,
		SubflowIndex: sf.Index,
		ConnectionID: c.ConnectionID,
		Timestamp:    uint64(time.Now().UnixMicro()),
	}
	if err := WritePacket(sf.TCPConn, ping); err != nil {
		slog.Debug("conn: ping failed", "connID", connIDStr(c.ConnectionID), "sfIdx", sf.Index, "err", err)
	}
}

// sendPong echoes a PING's timestamp back on the subflow it arrived on.
func (c *MultipathConn) sendPong(sf *Subflow, ping *Packet) {
	pong := &Packet{
		Version:      ProtocolVersion,
		Type:         TypePong,
		SubflowIndex: sf.Index,
		ConnectionID: c.ConnectionID,
		Timestamp:    ping.Timestamp,
	}
	_ = WritePacket(sf.TCPConn, pong)
}

func (c *MultipathConn) handlePong(sf *Subflow, pong *Packet) {
	sample := time.Since(time.UnixMicro(int64(pong.Timestamp)))

	c.mu.Lock()
	sf.observeRTT(sample)
	rtt := sf.RTT
	prev := sf.State
	switch {
	case sf.State == SubflowActive && rtt > degradedRTT:
		sf.State = SubflowDegraded
	case sf.State == SubflowDegraded && rtt <= degradedRTT:
		sf.State = SubflowActive
	}
	state := sf.State
	c.mu.Unlock()

	if state != prev {
		slog.Info("conn: subflow state changed",
			"connID", connIDStr(c.ConnectionID),
			"sfIdx", sf.Index,
			"from", prev,
			"to", state,
			"rtt", rtt,
		)
	}
}
