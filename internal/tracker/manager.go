package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/beacon/internal/credentials"
	"github.com/nuetzliches/beacon/internal/lock"
)

type identity struct {
	sessionID    string
	sessionStart time.Time
	deviceID     string
	userID       string
	easyID       string
	loggedIn     bool
	loginMethod  LoginMethod
}

type ManagerOption func(*Manager)

func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithDisabledEvents sets the build-time disabled event list.
func WithDisabledEvents(names []string) ManagerOption {
	return func(m *Manager) { m.disabled = names }
}

// WithCredentials provides the store the device identifier is kept in.
// Without one the device identifier lives only as long as the Manager.
func WithCredentials(c credentials.Store) ManagerOption {
	return func(m *Manager) { m.creds = c }
}

func WithLocationProvider(p LocationProvider) ManagerOption {
	return func(m *Manager) { m.location = p }
}

func WithAdvertisingIDProvider(p AdvertisingIDProvider) ManagerOption {
	return func(m *Manager) { m.adID = p }
}

func WithLaunchCollector(c LaunchCollector) ManagerOption {
	return func(m *Manager) { m.launch = c }
}

func WithAppInfo(name, version, osVersion string) ManagerOption {
	return func(m *Manager) {
		m.appName = name
		m.appVersion = version
		m.osVersion = osVersion
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTerminators registers stores to mark terminating in AppWillTerminate.
func WithTerminators(ts ...Terminator) ManagerOption {
	return func(m *Manager) { m.terminators = append(m.terminators, ts...) }
}

// WithDefaultEndpoint is the endpoint SetEndpoint("") restores.
func WithDefaultEndpoint(endpoint string) ManagerOption {
	return func(m *Manager) { m.defaultEndpoint = endpoint }
}

func WithErrorHandler(fn func(error)) ManagerOption {
	return func(m *Manager) { m.SetErrorHandler(fn) }
}

// Manager filters events and routes accepted ones to every registered
// dispatcher.
type Manager struct {
	logger          *slog.Logger
	checker         *EventChecker
	disabled        []string
	creds           credentials.Store
	location        LocationProvider
	adID            AdvertisingIDProvider
	launch          LaunchCollector
	appName         string
	appVersion      string
	osVersion       string
	defaultEndpoint string
	now             func() time.Time
	terminators     []Terminator

	registry *lock.Object[[]Dispatcher]
	identity *lock.Object[identity]

	trackLocation atomic.Bool
	trackAdID     atomic.Bool
	errorHandler  atomic.Pointer[func(error)]
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.checker = NewEventChecker(m.disabled, m.logger)

	id := identity{
		sessionID:    uuid.NewString(),
		sessionStart: m.now(),
	}
	if m.creds == nil {
		id.deviceID = uuid.NewString()
	}
	m.registry = lock.NewObject[[]Dispatcher](nil)
	m.identity = lock.NewObject(id)

	m.trackAdID.Store(true)
	m.trackLocation.Store(true)
	if m.location != nil {
		m.location.Start()
	}
	return m
}

func (m *Manager) Checker() *EventChecker { return m.checker }

// SetShouldTrackEvent installs a runtime predicate that overrides the
// disabled event list. nil removes it.
func (m *Manager) SetShouldTrackEvent(fn func(name string) bool) {
	m.checker.SetShouldTrack(fn)
}

func (m *Manager) SetDisabledEvents(names []string) {
	m.checker.SetDisabled(names)
}

func (m *Manager) SetErrorHandler(fn func(error)) {
	if fn == nil {
		m.errorHandler.Store(nil)
		return
	}
	m.errorHandler.Store(&fn)
}

func (m *Manager) SetShouldTrackLastKnownLocation(enabled bool) {
	if m.trackLocation.Swap(enabled) == enabled || m.location == nil {
		return
	}
	if enabled {
		m.location.Start()
	} else {
		m.location.Stop()
	}
}

func (m *Manager) SetShouldTrackAdvertisingID(enabled bool) {
	m.trackAdID.Store(enabled)
}

// Add registers d. Dispatchers are compared by identity, so d should be a
// pointer. Adding the same dispatcher twice has no effect.
func (m *Manager) Add(d Dispatcher) {
	if d == nil {
		return
	}
	owner := lock.NewOwner()
	_ = m.registry.Update(owner, func(ds []Dispatcher) []Dispatcher {
		if indexOf(ds, d) >= 0 {
			return ds
		}
		m.logger.Debug("tracker_dispatcher_added", slog.String("dispatcher", fmt.Sprintf("%T", d)))
		return append(slices.Clone(ds), d)
	})
}

func (m *Manager) Remove(d Dispatcher) {
	owner := lock.NewOwner()
	_ = m.registry.Update(owner, func(ds []Dispatcher) []Dispatcher {
		i := indexOf(ds, d)
		if i < 0 {
			return ds
		}
		m.logger.Debug("tracker_dispatcher_removed", slog.String("dispatcher", fmt.Sprintf("%T", d)))
		return slices.Delete(slices.Clone(ds), i, i+1)
	})
}

func indexOf(ds []Dispatcher, d Dispatcher) int {
	for i, v := range ds {
		if v == d {
			return i
		}
	}
	return -1
}

// Dispatchers returns a snapshot of the registry.
func (m *Manager) Dispatchers() []Dispatcher {
	ds, err := m.registry.Get(lock.NewOwner())
	if err != nil {
		return nil
	}
	return slices.Clone(ds)
}

// Process filters event and hands it to every registered dispatcher. It
// reports whether at least one dispatcher accepted it.
func (m *Manager) Process(ctx context.Context, event Event) bool {
	if !Recognized(event.Name) {
		return false
	}
	if !m.checker.ShouldProcess(event.Name) {
		return false
	}
	if ctx.Err() != nil {
		return false
	}

	owner := lock.NewOwner()
	var (
		dispatchers []Dispatcher
		id          identity
	)
	err := lock.WithSynchronizedContext(ctx, owner, []lock.Lockable{m.registry, m.identity}, func() error {
		ds, err := m.registry.Get(owner)
		if err != nil {
			return err
		}
		dispatchers = slices.Clone(ds)
		if id, err = m.identity.Get(owner); err != nil {
			return err
		}
		if id.deviceID == "" && m.creds != nil {
			deviceID, err := credentials.DeviceID(m.creds)
			if err != nil {
				m.raise(fmt.Errorf("tracker: device id: %w", err))
			} else {
				id.deviceID = deviceID
				return m.identity.Set(owner, id)
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			m.raise(fmt.Errorf("tracker: snapshot: %w", err))
		}
		return false
	}
	if id.sessionID == "" {
		return false
	}

	state := m.state(id)
	processed := false
	for _, d := range dispatchers {
		if d.Process(event, state) {
			processed = true
		}
	}
	if !processed {
		m.logger.Debug("tracker_event_not_processed", slog.String("event", event.Name))
	}
	return processed
}

func (m *Manager) state(id identity) State {
	st := State{
		SessionID:    id.sessionID,
		SessionStart: id.sessionStart,
		DeviceID:     id.deviceID,
		UserID:       id.userID,
		EasyID:       id.easyID,
		LoggedIn:     id.loggedIn,
		LoginMethod:  id.loginMethod,
		AppName:      m.appName,
		AppVersion:   m.appVersion,
		OSVersion:    m.osVersion,
		Now:          m.now(),
	}
	if m.trackAdID.Load() && m.adID != nil {
		st.AdvertisingID = m.adID.AdvertisingID()
	}
	if m.trackLocation.Load() && m.location != nil {
		if loc, ok := m.location.Latest(); ok {
			st.Location = &loc
		}
	}
	if m.launch != nil {
		st.Launch = m.launch.Launch()
		st.Origin = m.launch.Origin()
		st.Referral = m.launch.Referral()
		st.CurrentPage = m.launch.CurrentPage()
	}
	return st
}

// AppDidBecomeActive starts a new session and lets dispatchers recompute
// their upload timers.
func (m *Manager) AppDidBecomeActive() {
	owner := lock.NewOwner()
	_ = m.identity.Update(owner, func(id identity) identity {
		id.sessionID = uuid.NewString()
		id.sessionStart = m.now()
		return id
	})
	for _, d := range m.Dispatchers() {
		if o, ok := d.(LifecycleObserver); ok {
			o.AppDidBecomeActive()
		}
	}
}

// AppWillTerminate stops location updates and marks every registered store
// terminating so no destructive store work starts during shutdown.
func (m *Manager) AppWillTerminate() {
	if m.location != nil && m.trackLocation.Load() {
		m.location.Stop()
	}
	for _, t := range m.terminators {
		t.SetTerminating()
	}
}

// SetEndpoint changes the upload endpoint of every dispatcher that
// supports it. An empty endpoint restores the default one.
func (m *Manager) SetEndpoint(endpoint string) error {
	if endpoint == "" {
		endpoint = m.defaultEndpoint
	}
	if endpoint == "" {
		return nil
	}
	var errs []error
	for _, d := range m.Dispatchers() {
		if s, ok := d.(EndpointSetter); ok {
			if err := s.SetEndpoint(endpoint); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) SetUserIdentifier(userID string) {
	_ = m.identity.Update(lock.NewOwner(), func(id identity) identity {
		id.userID = userID
		return id
	})
}

// SetMemberIdentifier records a logged-in member and tracks _rem_login.
func (m *Manager) SetMemberIdentifier(ctx context.Context, memberID string, method LoginMethod) bool {
	_ = m.identity.Update(lock.NewOwner(), func(id identity) identity {
		id.userID = ""
		id.easyID = memberID
		id.loggedIn = true
		id.loginMethod = method
		return id
	})
	return m.Process(ctx, NewEvent(EventLogin, nil))
}

// SetMemberError tracks _rem_login_failure for err.
func (m *Manager) SetMemberError(ctx context.Context, err error) bool {
	params := map[string]any{ParamLoginFailureType: "easyid"}
	if err != nil {
		params[ParamIDSDKErrorMsg] = err.Error()
	}
	return m.Process(ctx, NewEvent(EventLoginFailure, params))
}

// RemoveMemberIdentifier clears the member and tracks _rem_logout.
func (m *Manager) RemoveMemberIdentifier(ctx context.Context) bool {
	_ = m.identity.Update(lock.NewOwner(), func(id identity) identity {
		id.easyID = ""
		id.loggedIn = false
		id.loginMethod = LoginMethodOther
		return id
	})
	return m.Process(ctx, NewEvent(EventLogout, map[string]any{ParamLogoutMethod: "local"}))
}

func (m *Manager) raise(err error) {
	m.logger.Warn("tracker_error", slog.Any("err", err))
	if fn := m.errorHandler.Load(); fn != nil {
		(*fn)(err)
	}
}
