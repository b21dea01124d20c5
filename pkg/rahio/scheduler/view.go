package scheduler

import (
	"fmt"
	"math"
)

// SubflowID identifies a subflow within one connection for its lifetime.
type SubflowID uint32

// SubflowView is a read-only snapshot of one candidate path, rebuilt by the
// connection before every Decide call.
type SubflowView struct {
	ID             SubflowID
	InterfaceIndex int

	// Active reports whether the transport state permits sending.
	Active bool
	// HasSendCapacity reports free buffer space on the path.
	HasSendCapacity bool
	// Established reports a completed handshake. It stays true while the
	// subflow is torn down, unlike Active.
	Established bool

	// SmoothedRTTMicros is 0 while the path is unmeasured.
	SmoothedRTTMicros uint32
	// LocalPriority is only consulted by strictprio; lower wins.
	LocalPriority uint32

	SourcePort uint16
	DestPort   uint16
}

// Usable is the minimum predicate most policies apply.
func (v SubflowView) Usable() bool {
	return v.Active && v.HasSendCapacity
}

// rttKey orders subflows by latency with unmeasured paths sorting last.
func (v SubflowView) rttKey() uint64 {
	if v.SmoothedRTTMicros == 0 {
		return math.MaxUint64
	}
	return uint64(v.SmoothedRTTMicros)
}

// Intent says why the connection is asking for a subflow.
type Intent uint8

const (
	IntentSend Intent = iota
	IntentRetransmit
)

func (i Intent) String() string {
	switch i {
	case IntentSend:
		return "send"
	case IntentRetransmit:
		return "retransmit"
	default:
		return fmt.Sprintf("intent(%d)", uint8(i))
	}
}

// Role tags a chosen subflow. Fan-out policies pick one primary and zero or
// more duplicates carrying the same data.
type Role uint8

const (
	RolePrimary Role = iota
	RoleDuplicate
)

func (r Role) String() string {
	if r == RoleDuplicate {
		return "duplicate"
	}
	return "primary"
}

// Choice is one subflow picked by a decision.
type Choice struct {
	ID   SubflowID
	Role Role
}

// Decision is the outcome of Select. Choices is never empty on success; a
// failed Select may still report Declined.
type Decision struct {
	// Policy names the policy that produced the decision. For dispatchers
	// this is the route target, not the dispatcher.
	Policy  string
	Choices []Choice
	// Declined lists subflows that were evaluated and explicitly not picked,
	// so the caller can clear stale scheduled marks on them. It is set even
	// when Select fails.
	Declined []SubflowID
}

// Primary returns the primary choice.
func (d Decision) Primary() (SubflowID, bool) {
	for _, c := range d.Choices {
		if c.Role == RolePrimary {
			return c.ID, true
		}
	}
	return 0, false
}

// IDs returns the chosen subflow ids in decision order.
func (d Decision) IDs() []SubflowID {
	ids := make([]SubflowID, len(d.Choices))
	for i, c := range d.Choices {
		ids[i] = c.ID
	}
	return ids
}

func single(policy string, id SubflowID) Decision {
	return Decision{Policy: policy, Choices: []Choice{{ID: id, Role: RolePrimary}}}
}

func fanOut(policy string, ids []SubflowID) Decision {
	d := Decision{Policy: policy, Choices: make([]Choice, len(ids))}
	for i, id := range ids {
		role := RoleDuplicate
		if i == 0 {
			role = RolePrimary
		}
		d.Choices[i] = Choice{ID: id, Role: role}
	}
	return d
}
