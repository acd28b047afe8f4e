package tracker

import (
	"math"
	"time"
)

type Origin int

const (
	OriginInternal Origin = iota
	OriginExternal
	OriginPush
)

func (o Origin) String() string {
	switch o {
	case OriginExternal:
		return "external"
	case OriginPush:
		return "push"
	default:
		return "internal"
	}
}

type LoginMethod int

const (
	LoginMethodOther LoginMethod = iota
	LoginMethodPasswordInput
	LoginMethodOneTapLogin
)

func (m LoginMethod) String() string {
	switch m {
	case LoginMethodPasswordInput:
		return "password"
	case LoginMethodOneTapLogin:
		return "one_tap_login"
	default:
		return ""
	}
}

// Location is the last known device fix.
type Location struct {
	Latitude           float64
	Longitude          float64
	Altitude           float64
	HorizontalAccuracy float64
	Speed              float64
	Timestamp          time.Time
}

func (l Location) valid() bool {
	return !math.IsNaN(l.Latitude) && !math.IsNaN(l.Longitude) &&
		l.Latitude >= -90 && l.Latitude <= 90 &&
		l.Longitude >= -180 && l.Longitude <= 180
}

// ReferralApp describes an app-to-app launch: the referring app's bundle
// and the RAT account the deeplink event is reported to.
type ReferralApp struct {
	BundleID         string
	AccountID        int64
	ApplicationID    int64
	Link             string
	Component        string
	CustomParameters map[string]any
}

// LaunchInfo holds what a launch collector knows about install and update
// history.
type LaunchInfo struct {
	InitialLaunch       time.Time
	InstallLaunch       time.Time
	LastUpdate          time.Time
	LastLaunch          time.Time
	LastVersion         string
	LastVersionLaunches int
}

// State is the snapshot a dispatcher receives together with each event.
type State struct {
	SessionID     string
	DeviceID      string
	AdvertisingID string
	UserID        string
	EasyID        string
	LoggedIn      bool
	LoginMethod   LoginMethod
	Location      *Location
	SessionStart  time.Time
	AppName       string
	AppVersion    string
	OSVersion     string
	Origin        Origin
	CurrentPage   string
	Referral      *ReferralApp
	Launch        LaunchInfo
	Now           time.Time
}

func daysSince(t, now time.Time) int {
	if t.IsZero() || now.Before(t) {
		return 0
	}
	return int(now.Sub(t) / (24 * time.Hour))
}

func (s State) sessionStartParameters() map[string]any {
	return map[string]any{
		"days_since_first_use": daysSince(s.Launch.InstallLaunch, s.Now),
		"days_since_last_use":  daysSince(s.Launch.LastLaunch, s.Now),
	}
}

func (s State) applicationUpdateParameters() map[string]any {
	extra := map[string]any{
		"launches_since_last_upgrade": s.Launch.LastVersionLaunches,
		"days_since_last_upgrade":     daysSince(s.Launch.LastUpdate, s.Now),
	}
	if s.Launch.LastVersion != "" {
		extra["previous_version"] = s.Launch.LastVersion
	}
	return extra
}

func (s State) loginParameters() map[string]any {
	extra := map[string]any{}
	if m := s.LoginMethod.String(); m != "" {
		extra["login_method"] = m
	}
	return extra
}
