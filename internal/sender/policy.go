package sender

import (
	"time"

	"github.com/nuetzliches/beacon/internal/lock"
)

const (
	DefaultMaxRows           = 5000
	DefaultBatchSize         = 16
	DefaultMaxUploadInterval = 60 * time.Second
	DefaultRequestTimeout    = 30 * time.Second

	// retryInterval is used when an upload must wait but the batching delay
	// is zero, e.g. after a failed attempt.
	retryInterval = 10 * time.Second

	DefaultStartTimeKey = "RATGeoScheduleStartTime"
)

// BackgroundTimer enables catch-up scheduling: the start of each upload
// window is persisted under StartTimeKey so that a host returning to the
// foreground uploads as soon as the original window has elapsed.
type BackgroundTimer struct {
	Enabled      bool
	StartTimeKey string
}

func (b BackgroundTimer) key() string {
	if b.StartTimeKey == "" {
		return DefaultStartTimeKey
	}
	return b.StartTimeKey
}

type BatchingPolicy struct {
	// Delay is used when DelayFunc is nil.
	Delay time.Duration
	// DelayFunc, when set, is consulted every time an upload is scheduled.
	DelayFunc func() time.Duration
	// MaxUploadInterval caps the effective delay. Zero means
	// DefaultMaxUploadInterval.
	MaxUploadInterval time.Duration
	BackgroundTimer   BackgroundTimer
}

func (p BatchingPolicy) maxInterval() time.Duration {
	if p.MaxUploadInterval <= 0 {
		return DefaultMaxUploadInterval
	}
	return p.MaxUploadInterval
}

// effectiveDelay clamps the configured delay to [0, MaxUploadInterval].
func (p BatchingPolicy) effectiveDelay() time.Duration {
	d := p.Delay
	if p.DelayFunc != nil {
		d = p.DelayFunc()
	}
	return min(max(d, 0), p.maxInterval())
}

// policyBox lets callers swap the policy while the run loop reads it. Every
// access takes a fresh owner, so readers and writers exclude each other.
type policyBox struct {
	obj *lock.Object[BatchingPolicy]
}

func newPolicyBox() policyBox {
	return policyBox{obj: lock.NewObject(BatchingPolicy{})}
}

func (b policyBox) get() BatchingPolicy {
	p, _ := b.obj.Get(lock.NewOwner())
	return p
}

func (b policyBox) set(p BatchingPolicy) {
	_ = b.obj.Set(lock.NewOwner(), p)
}

func (b policyBox) update(fn func(*BatchingPolicy)) {
	_ = b.obj.Update(lock.NewOwner(), func(p BatchingPolicy) BatchingPolicy {
		fn(&p)
		return p
	})
}
