package scheduler

// Redundant sends the same data on every usable subflow. Retransmissions
// take the same set, since that set is what carries fresh data.
type Redundant struct{}

func NewRedundant() *Redundant {
	return &Redundant{}
}

func (*Redundant) Name() string {
	return NameRedundant
}

func (*Redundant) Select(subflows []SubflowView, _ Intent) (Decision, error) {
	var ids []SubflowID
	for _, sf := range subflows {
		if sf.Usable() {
			ids = append(ids, sf.ID)
		}
	}
	if len(ids) == 0 {
		return Decision{}, ErrNoViableSubflow
	}
	return fanOut(NameRedundant, ids), nil
}
