package scheduler

// RTTThreshold fans out over every usable subflow whose smoothed RTT is
// known and strictly below the limit. Usable subflows above the limit, or
// still unmeasured, are reported as declined.
type RTTThreshold struct {
	limitMicros uint32
}

func NewRTTThreshold(limitMicros uint32) *RTTThreshold {
	if limitMicros == 0 {
		limitMicros = DefaultRTTThresholdMicros
	}
	return &RTTThreshold{limitMicros: limitMicros}
}

func (*RTTThreshold) Name() string {
	return NameRTTThreshold
}

func (t *RTTThreshold) Select(subflows []SubflowView, _ Intent) (Decision, error) {
	var picked, declined []SubflowID
	for _, sf := range subflows {
		if !sf.Usable() {
			continue
		}
		rtt := sf.SmoothedRTTMicros
		if rtt > 0 && rtt < t.limitMicros {
			picked = append(picked, sf.ID)
		} else {
			declined = append(declined, sf.ID)
		}
	}
	if len(picked) == 0 {
		// Rejected subflows are reported on failure too, so the caller can
		// still clear their scheduled mark.
		return Decision{Policy: NameRTTThreshold, Declined: declined}, ErrNoViableSubflow
	}
	d := fanOut(NameRTTThreshold, picked)
	d.Declined = declined
	return d, nil
}
