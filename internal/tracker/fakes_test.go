package tracker

import (
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

type fakeSender struct {
	mu       sync.Mutex
	payloads []map[string]any
	endpoint string
	delay    time.Duration
	delayFn  func() time.Duration
	active   atomic.Int32
	failSet  bool
}

func (f *fakeSender) Send(payload any) {
	m, _ := payload.(map[string]any)
	f.mu.Lock()
	f.payloads = append(f.payloads, maps.Clone(m))
	f.mu.Unlock()
}

func (f *fakeSender) SetEndpoint(endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet {
		return errors.New("bad endpoint")
	}
	f.endpoint = endpoint
	return nil
}

func (f *fakeSender) AppDidBecomeActive() { f.active.Add(1) }

func (f *fakeSender) SetBatchingDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.delayFn = nil
	f.mu.Unlock()
}

func (f *fakeSender) SetBatchingDelayFunc(fn func() time.Duration) {
	f.mu.Lock()
	f.delayFn = fn
	f.mu.Unlock()
}

func (f *fakeSender) Payloads() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.payloads...)
}

func (f *fakeSender) Endpoint() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoint
}

type recordingDispatcher struct {
	accept bool

	mu     sync.Mutex
	events []Event
	states []State
	active int
}

func (r *recordingDispatcher) Process(event Event, state State) bool {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.states = append(r.states, state)
	r.mu.Unlock()
	return r.accept
}

func (r *recordingDispatcher) AppDidBecomeActive() {
	r.mu.Lock()
	r.active++
	r.mu.Unlock()
}

func (r *recordingDispatcher) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recordingDispatcher) LastState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return State{}
	}
	return r.states[len(r.states)-1]
}

type fakeTerminator struct{ called atomic.Bool }

func (f *fakeTerminator) SetTerminating() { f.called.Store(true) }

type fakeLocation struct {
	mu      sync.Mutex
	running bool
	fix     Location
	has     bool
}

func (f *fakeLocation) Start() { f.mu.Lock(); f.running = true; f.mu.Unlock() }
func (f *fakeLocation) Stop()  { f.mu.Lock(); f.running = false; f.mu.Unlock() }

func (f *fakeLocation) Latest() (Location, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fix, f.has
}

func (f *fakeLocation) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type staticAdID string

func (s staticAdID) AdvertisingID() string { return string(s) }

type fakeDevice struct{}

func (fakeDevice) Model() string            { return "iPhone15,2" }
func (fakeDevice) OSVersion() string        { return "iOS 17.0" }
func (fakeDevice) Carrier() string          { return "carrier" }
func (fakeDevice) ScreenResolution() string { return "1179x2556" }
func (fakeDevice) UserAgent() string        { return "beacon-test/1.0" }
func (fakeDevice) LanguageCode() string     { return "en" }

type fakeLaunch struct {
	info     LaunchInfo
	origin   Origin
	referral *ReferralApp
	page     string
}

func (f fakeLaunch) Launch() LaunchInfo     { return f.info }
func (f fakeLaunch) Origin() Origin         { return f.origin }
func (f fakeLaunch) Referral() *ReferralApp { return f.referral }
func (f fakeLaunch) CurrentPage() string    { return f.page }
