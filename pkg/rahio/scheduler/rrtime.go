package scheduler

import (
	"time"

	"k8s.io/utils/clock"
)

// TimedRoundRobin stays on one usable subflow for a fixed interval, then
// moves to the next one.
//
// The cursor indexes the usable set as recomputed on every call, so a
// subflow joining or leaving that set can shift which path a given cursor
// value refers to.
type TimedRoundRobin struct {
	clock      clock.PassiveClock
	interval   time.Duration
	cursor     int
	lastSwitch time.Time
}

func NewTimedRoundRobin(clk clock.PassiveClock, interval time.Duration) *TimedRoundRobin {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultSwitchInterval
	}
	return &TimedRoundRobin{
		clock:      clk,
		interval:   interval,
		lastSwitch: clk.Now(),
	}
}

func (t *TimedRoundRobin) Name() string {
	return NameTimedRoundRobin
}

func (t *TimedRoundRobin) Select(subflows []SubflowView, _ Intent) (Decision, error) {
	eligible := make([]SubflowID, 0, len(subflows))
	for _, sf := range subflows {
		if sf.Usable() {
			eligible = append(eligible, sf.ID)
		}
	}
	if len(eligible) == 0 {
		return Decision{}, ErrNoViableSubflow
	}

	now := t.clock.Now()
	if now.Sub(t.lastSwitch) >= t.interval {
		t.cursor = (t.cursor + 1) % len(eligible)
		t.lastSwitch = now
	}
	return single(NameTimedRoundRobin, eligible[t.cursor%len(eligible)]), nil
}
