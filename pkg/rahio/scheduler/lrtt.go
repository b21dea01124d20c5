package scheduler

// LowestRTT picks the usable subflow with the smallest smoothed RTT.
// Unmeasured subflows compare as infinitely slow, so they only win when no
// measured subflow is usable. Ties go to the earliest subflow.
type LowestRTT struct{}

func NewLowestRTT() *LowestRTT {
	return &LowestRTT{}
}

func (*LowestRTT) Name() string {
	return NameLowestRTT
}

func (*LowestRTT) Select(subflows []SubflowView, _ Intent) (Decision, error) {
	best := -1
	var bestKey uint64
	for i, sf := range subflows {
		if !sf.Usable() {
			continue
		}
		if k := sf.rttKey(); best < 0 || k < bestKey {
			best, bestKey = i, k
		}
	}
	if best < 0 {
		return Decision{}, ErrNoViableSubflow
	}
	return single(NameLowestRTT, subflows[best].ID), nil
}
