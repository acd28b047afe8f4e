package tracker

import (
	"log/slog"
	"slices"

	"github.com/nuetzliches/beacon/internal/lock"
)

// EventChecker decides whether an event name may be processed. When a
// runtime predicate is installed it alone decides; otherwise the
// build-time disabled list applies.
type EventChecker struct {
	disabled []string
	logger   *slog.Logger

	runtime *lock.Object[checkerRuntime]
}

// checkerRuntime is the part of the checker that changes after start.
type checkerRuntime struct {
	shouldTrack func(name string) bool
	disabled    []string
}

func NewEventChecker(disabledAtBuildTime []string, logger *slog.Logger) *EventChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventChecker{
		disabled: slices.Clone(disabledAtBuildTime),
		logger:   logger,
		runtime:  lock.NewObject(checkerRuntime{}),
	}
}

// SetShouldTrack installs or clears (nil) the runtime predicate.
func (c *EventChecker) SetShouldTrack(fn func(name string) bool) {
	_ = c.runtime.Update(lock.NewOwner(), func(rt checkerRuntime) checkerRuntime {
		rt.shouldTrack = fn
		return rt
	})
}

// SetDisabled replaces the disabled list at runtime, e.g. after a
// configuration reload. It has the same precedence as the build-time list.
func (c *EventChecker) SetDisabled(names []string) {
	list := slices.Clone(names)
	_ = c.runtime.Update(lock.NewOwner(), func(rt checkerRuntime) checkerRuntime {
		rt.disabled = list
		return rt
	})
}

func (c *EventChecker) ShouldProcess(name string) bool {
	rt, _ := c.runtime.Get(lock.NewOwner())
	pred := rt.shouldTrack
	runtimeList := rt.disabled

	if pred != nil {
		if !pred(name) {
			c.logger.Debug("tracker_event_disabled_at_runtime", slog.String("event", name))
			return false
		}
		return true
	}
	disabled := c.disabled
	if runtimeList != nil {
		disabled = runtimeList
	}
	if slices.Contains(disabled, name) {
		c.logger.Debug("tracker_event_disabled_at_build_time", slog.String("event", name))
		return false
	}
	return true
}
