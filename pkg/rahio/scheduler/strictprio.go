package scheduler

// StrictPriority picks the established subflow with the lowest local
// priority value, first seen on ties. It ignores send capacity: a
// higher-priority path is never traded for a lower one.
type StrictPriority struct{}

func NewStrictPriority() *StrictPriority {
	return &StrictPriority{}
}

func (*StrictPriority) Name() string {
	return NameStrictPriority
}

func (*StrictPriority) Select(subflows []SubflowView, _ Intent) (Decision, error) {
	best := -1
	for i, sf := range subflows {
		if !sf.Established {
			continue
		}
		if best < 0 || sf.LocalPriority < subflows[best].LocalPriority {
			best = i
		}
	}
	if best < 0 {
		return Decision{}, ErrNoViableSubflow
	}
	return single(NameStrictPriority, subflows[best].ID), nil
}
