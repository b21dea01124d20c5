package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

// InterfaceStatus is what an InterfaceResolver reports for one device.
type InterfaceStatus struct {
	Index   int
	Up      bool
	Carrier bool
}

// InterfaceResolver maps an interface name to its index and link state.
// Implementations must not block.
type InterfaceResolver interface {
	ResolveInterface(name string) (InterfaceStatus, error)
}

// NoticeKind classifies a degraded-configuration event.
type NoticeKind uint8

const (
	// NoticePinUnavailable: the pinned interface is absent, down or has no carrier.
	NoticePinUnavailable NoticeKind = iota
	// NoticePinFallback: the pinned interface had no usable subflow, so the
	// unrestricted subflow set was used instead.
	NoticePinFallback
)

func (k NoticeKind) String() string {
	switch k {
	case NoticePinUnavailable:
		return "pin_unavailable"
	case NoticePinFallback:
		return "pin_fallback"
	default:
		return fmt.Sprintf("notice(%d)", uint8(k))
	}
}

// Notice is an informational event; it never fails the call that raised it.
type Notice struct {
	Policy    string
	Kind      NoticeKind
	Interface string
	IfIndex   int
}

// Notifier is the rate-limited sink for notices. Notify reports whether the
// notice was emitted or suppressed.
type Notifier interface {
	Notify(n Notice) bool
}

// RateLimitedNotifier logs at most one notice per (policy, kind) pair per
// cooldown window. It is safe for concurrent use by many connections.
type RateLimitedNotifier struct {
	clock    clock.PassiveClock
	cooldown time.Duration
	logger   *slog.Logger
	observer Observer

	mu       sync.Mutex
	limiters map[noticeKey]*rate.Limiter
}

type noticeKey struct {
	policy string
	kind   NoticeKind
}

func NewRateLimitedNotifier(clk clock.PassiveClock, cooldown time.Duration, logger *slog.Logger) *RateLimitedNotifier {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cooldown <= 0 {
		cooldown = DefaultNoticeCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimitedNotifier{
		clock:    clk,
		cooldown: cooldown,
		logger:   logger,
		limiters: make(map[noticeKey]*rate.Limiter),
	}
}

// SetObserver also reports every emitted notice to o.
func (r *RateLimitedNotifier) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

func (r *RateLimitedNotifier) Notify(n Notice) bool {
	key := noticeKey{policy: n.Policy, kind: n.Kind}

	r.mu.Lock()
	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.cooldown), 1)
		r.limiters[key] = lim
	}
	obs := r.observer
	r.mu.Unlock()

	if !lim.AllowN(r.clock.Now(), 1) {
		return false
	}

	switch n.Kind {
	case NoticePinFallback:
		r.logger.Info("sched: pinned interface has no usable subflow, falling back to all",
			"policy", n.Policy,
			"iface", n.Interface,
			"ifindex", n.IfIndex,
		)
	default:
		r.logger.Info("sched: pinned interface unavailable, scheduling unrestricted",
			"policy", n.Policy,
			"iface", n.Interface,
		)
	}
	if obs != nil {
		obs.ObserveNotice(n)
	}
	return true
}

// Observer receives every decision and emitted notice. Implementations must
// be safe for concurrent use and must not block.
type Observer interface {
	ObserveDecision(policy string, intent Intent, d Decision, err error)
	ObserveNotice(n Notice)
}

type nopObserver struct{}

func (nopObserver) ObserveDecision(string, Intent, Decision, error) {}
func (nopObserver) ObserveNotice(Notice)                            {}
