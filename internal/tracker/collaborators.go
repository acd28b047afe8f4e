package tracker

import "time"

// Dispatcher turns an accepted event into zero or more payloads. Process
// reports whether the dispatcher handled the event.
type Dispatcher interface {
	Process(event Event, state State) bool
}

// EndpointSetter is implemented by dispatchers whose upload endpoint can be
// changed at runtime.
type EndpointSetter interface {
	SetEndpoint(endpoint string) error
}

// LifecycleObserver is implemented by dispatchers that react to the host
// app returning to the foreground.
type LifecycleObserver interface {
	AppDidBecomeActive()
}

// EventSender is the part of *sender.Sender a dispatcher needs.
type EventSender interface {
	Send(payload any)
	SetEndpoint(endpoint string) error
	AppDidBecomeActive()
	SetBatchingDelay(d time.Duration)
	SetBatchingDelayFunc(fn func() time.Duration)
}

// Terminator is implemented by event stores that must stop destructive
// work once the host is shutting down.
type Terminator interface {
	SetTerminating()
}

type LocationProvider interface {
	Start()
	Stop()
	Latest() (Location, bool)
}

type DeviceInfo interface {
	Model() string
	OSVersion() string
	Carrier() string
	ScreenResolution() string
	UserAgent() string
	LanguageCode() string
}

// AdvertisingIDProvider returns the advertising identifier, or "" when the
// user has opted out.
type AdvertisingIDProvider interface {
	AdvertisingID() string
}

// LaunchCollector provides install, launch and referral history.
type LaunchCollector interface {
	Launch() LaunchInfo
	Origin() Origin
	Referral() *ReferralApp
	CurrentPage() string
}
