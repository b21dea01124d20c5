package scheduler

// RoundRobin rotates over subflow positions, one position per call.
//
// Only the subflow at the cursor position is considered. If it is not
// usable the call fails, but the cursor has already moved, so the next call
// lands on a different path instead of retrying the dead one.
type RoundRobin struct {
	cursor int
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (rr *RoundRobin) Name() string {
	return NameRoundRobin
}

// Cursor returns the position the next call will consider.
func (rr *RoundRobin) Cursor() int {
	return rr.cursor
}

func (rr *RoundRobin) Select(subflows []SubflowView, _ Intent) (Decision, error) {
	n := len(subflows)
	if n == 0 {
		return Decision{}, ErrNoViableSubflow
	}

	index := rr.cursor
	rr.cursor = (rr.cursor + 1) % n

	sf := subflows[index%n]
	if !sf.Usable() {
		return Decision{}, ErrNoViableSubflow
	}
	return single(NameRoundRobin, sf.ID), nil
}
