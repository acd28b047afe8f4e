package tracker

import (
	"errors"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/nuetzliches/beacon/internal/lock"
)

const (
	ratEventPrefix      = "rat."
	ratGenericEventName = "rat.generic"
	ratDeeplinkEType    = "deeplink"
	ratPageVisitEType   = "pv"

	DefaultRATAccountID     int64 = 477
	DefaultRATApplicationID int64 = 1
	RATBatchingDelay              = time.Second

	ltmLayout = "2006-01-02 15:04:05"
)

var ErrNoSender = errors.New("tracker: sender is nil")

// Account is an additional RAT account an event is duplicated to.
type Account struct {
	AccountID      int64
	ApplicationID  int64
	DisabledEvents []string
}

func (a Account) same(b Account) bool {
	return a.AccountID == b.AccountID && a.ApplicationID == b.ApplicationID
}

type RATConfig struct {
	AccountID         int64
	ApplicationID     int64
	DuplicateAccounts []Account
	// ShouldDuplicate overrides every account's DisabledEvents when set.
	ShouldDuplicate func(eventName string, accountID int64) bool
	Device          DeviceInfo
	Logger          *slog.Logger
	Now             func() time.Time
}

type pageState struct {
	lastPage      string
	carriedOrigin *Origin
}

type duplicateState struct {
	accounts        []Account
	shouldDuplicate func(eventName string, accountID int64) bool
}

// RATDispatcher builds RAT payloads for core, rat.* and custom events and
// fans each one out to configured duplicate accounts.
type RATDispatcher struct {
	sender        EventSender
	accountID     int64
	applicationID int64
	device        DeviceInfo
	logger        *slog.Logger
	startTime     string

	pages      *lock.Object[pageState]
	duplicates *lock.Object[duplicateState]
}

var (
	_ Dispatcher        = (*RATDispatcher)(nil)
	_ EndpointSetter    = (*RATDispatcher)(nil)
	_ LifecycleObserver = (*RATDispatcher)(nil)
)

func NewRATDispatcher(s EventSender, cfg RATConfig) (*RATDispatcher, error) {
	if s == nil {
		return nil, ErrNoSender
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	acc := cfg.AccountID
	if acc <= 0 {
		acc = DefaultRATAccountID
	}
	aid := cfg.ApplicationID
	if aid <= 0 {
		aid = DefaultRATApplicationID
	}
	s.SetBatchingDelay(RATBatchingDelay)
	return &RATDispatcher{
		sender:        s,
		accountID:     acc,
		applicationID: aid,
		device:        cfg.Device,
		logger:        logger,
		startTime:     now().Format(ltmLayout),
		pages:         lock.NewObject(pageState{}),
		duplicates: lock.NewObject(duplicateState{
			accounts:        dedupeAccounts(cfg.DuplicateAccounts),
			shouldDuplicate: cfg.ShouldDuplicate,
		}),
	}, nil
}

func dedupeAccounts(in []Account) []Account {
	var out []Account
	for _, a := range in {
		dup := false
		for _, b := range out {
			if a.same(b) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, a)
		}
	}
	return out
}

func (d *RATDispatcher) AccountID() int64     { return d.accountID }
func (d *RATDispatcher) ApplicationID() int64 { return d.applicationID }

func (d *RATDispatcher) SetEndpoint(endpoint string) error {
	return d.sender.SetEndpoint(endpoint)
}

func (d *RATDispatcher) AppDidBecomeActive() {
	d.sender.AppDidBecomeActive()
}

func (d *RATDispatcher) SetBatchingDelay(delay time.Duration) {
	d.sender.SetBatchingDelay(delay)
}

func (d *RATDispatcher) SetBatchingDelayFunc(fn func() time.Duration) {
	d.sender.SetBatchingDelayFunc(fn)
}

// AddDuplicateAccount registers another account every accepted event is
// copied to. Adding an account twice has no effect.
func (d *RATDispatcher) AddDuplicateAccount(accountID, applicationID int64) {
	owner := lock.NewOwner()
	_ = d.duplicates.Update(owner, func(st duplicateState) duplicateState {
		st.accounts = dedupeAccounts(append(st.accounts, Account{AccountID: accountID, ApplicationID: applicationID}))
		return st
	})
}

func (d *RATDispatcher) SetShouldDuplicate(fn func(eventName string, accountID int64) bool) {
	owner := lock.NewOwner()
	_ = d.duplicates.Update(owner, func(st duplicateState) duplicateState {
		st.shouldDuplicate = fn
		return st
	})
}

func (d *RATDispatcher) Process(event Event, state State) bool {
	payload := d.buildPayload(event, state)
	if payload == nil {
		return false
	}
	d.sender.Send(payload)

	if ref := state.Referral; ref != nil {
		account := Account{AccountID: ref.AccountID, ApplicationID: ref.ApplicationID}
		referral := duplicatePayload(payload, account)
		referral[keyEType] = ratDeeplinkEType
		d.sender.Send(referral)
		d.duplicate(event.Name, payload, &account)
		return true
	}
	d.duplicate(event.Name, payload, nil)
	return true
}

// duplicate sends a restamped copy of payload to every duplicate account
// except excluded. A ShouldDuplicate predicate, when set, decides alone.
func (d *RATDispatcher) duplicate(eventName string, payload map[string]any, excluded *Account) {
	st, err := d.duplicates.Get(lock.NewOwner())
	if err != nil {
		return
	}
	for _, account := range st.accounts {
		if excluded != nil && account.same(*excluded) {
			continue
		}
		if st.shouldDuplicate != nil {
			if !st.shouldDuplicate(eventName, account.AccountID) {
				continue
			}
		} else if slices.Contains(account.DisabledEvents, eventName) {
			continue
		}
		d.sender.Send(duplicatePayload(payload, account))
	}
}

func duplicatePayload(payload map[string]any, account Account) map[string]any {
	out := maps.Clone(payload)
	out[keyAcc] = account.AccountID
	out[keyAid] = account.ApplicationID
	return out
}

func (d *RATDispatcher) buildPayload(event Event, state State) map[string]any {
	payload := map[string]any{keyEType: event.Name}
	extra := map[string]any{}
	if !d.updatePayload(payload, extra, event, state) {
		d.logger.Debug("tracker_rat_event_rejected", slog.String("event", event.Name))
		return nil
	}
	mergeCp(payload, extra)
	d.addAutomaticFields(payload, state)
	return payload
}

func (d *RATDispatcher) updatePayload(payload, extra map[string]any, event Event, state State) bool {
	name := event.Name
	switch {
	case name == EventInitialLaunch, name == EventSessionEnd:
	case name == EventInstall:
		payload[keyRSDKs] = sdkDependencies()
		maps.Copy(extra, installParameters(event))
	case name == EventSessionStart:
		maps.Copy(extra, state.sessionStartParameters())
	case name == EventApplicationUpdate:
		maps.Copy(extra, state.applicationUpdateParameters())
	case name == EventLogin:
		maps.Copy(extra, state.loginParameters())
	case name == EventLoginFailure:
		maps.Copy(extra, loginFailureParameters(event))
	case name == EventLogout:
		if m := logoutMethod(event.stringParam(ParamLogoutMethod)); m != "" {
			extra[cpLogoutMethod] = m
		}
	case name == EventPageVisit:
		payload[keyEType] = ratPageVisitEType
		if ref := state.Referral; ref != nil {
			referralAppParameters(payload, extra, ref)
			return true
		}
		page := event.stringParam(ParamPageID)
		if page == "" {
			page = state.CurrentPage
		}
		return d.pageVisit(page, event.stringParam(ParamPageTitle), event.stringParam(ParamPageURL), state, payload, extra)
	case name == EventPushNotify, name == EventPushReceived:
		id := event.stringParam(ParamPushTrackingID)
		if id == "" {
			return false
		}
		extra[cpPushNotify] = id
		if name == EventPushReceived {
			if req := event.stringParam(ParamPushRequestID); req != "" {
				extra[cpPushRequest] = req
			}
		}
	case name == EventPushConversion:
		req := event.stringParam(ParamPushRequestID)
		action := event.stringParam(ParamPushCVAction)
		if req == "" || action == "" {
			return false
		}
		extra[cpPushRequest] = req
		extra[cpPushCVAction] = action
	case name == EventPushRegister, name == EventPushUnregister:
		if event.stringParam(ParamPNPDeviceID) == "" || event.stringParam(ParamPNPClientID) == "" {
			return false
		}
		maps.Copy(extra, event.Parameters)
	case strings.HasPrefix(name, discoverEventPrefix):
		copyNonEmptyStrings(extra, event.Parameters, "prApp", "prStoreUrl")
	case name == EventSSOCredential, name == EventLoginCredential:
		copyNonEmptyStrings(extra, event.Parameters, "source")
	case name == EventCredentialStrats:
		copyNonEmptyStrings(extra, event.Parameters, "strategies")
	case name == EventCustom:
		eventName := event.stringParam(ParamEventName)
		if eventName == "" {
			return false
		}
		payload[keyEType] = eventName
		if top := event.mapParam(ParamTopLevelObject); len(top) > 0 {
			maps.Copy(payload, top)
		}
		if data := event.mapParam(ParamEventData); len(data) > 0 {
			maps.Copy(extra, data)
		}
		if v, ok := event.Parameters[ParamCustomAccNumber]; ok {
			if acc, ok := positiveInt(v); ok {
				payload[keyAcc] = acc
			} else {
				delete(payload, keyAcc)
			}
		}
	case strings.HasPrefix(name, ratEventPrefix):
		maps.Copy(payload, event.Parameters)
		etype := ratEType(event)
		if etype == "" {
			return false
		}
		payload[keyEType] = etype
	default:
		return false
	}
	return true
}

// ratEType is the etype parameter, or the name without "rat." for anything
// but rat.generic.
func ratEType(event Event) string {
	etype := event.stringParam(ParamETypeKey)
	if etype == "" && event.Name != ratGenericEventName {
		etype = strings.TrimPrefix(event.Name, ratEventPrefix)
	}
	return etype
}

func (d *RATDispatcher) pageVisit(page, title, url string, state State, payload, extra map[string]any) bool {
	owner := lock.NewOwner()
	if err := d.pages.LockResource().Lock(owner); err != nil {
		return false
	}
	defer d.pages.LockResource().Unlock(owner)

	ps, err := d.pages.Get(owner)
	if err != nil {
		return false
	}
	if page == "" {
		// Keep a push or inbound-link origin for the next visible page.
		if state.Origin != OriginInternal {
			origin := state.Origin
			ps.carriedOrigin = &origin
			_ = d.pages.Set(owner, ps)
		}
		return false
	}

	payload[keyPgn] = page
	if ps.lastPage != "" {
		payload[keyRef] = ps.lastPage
	}
	ps.lastPage = page

	origin := state.Origin
	if origin == OriginInternal && ps.carriedOrigin != nil {
		origin = *ps.carriedOrigin
		ps.carriedOrigin = nil
	}
	_ = d.pages.Set(owner, ps)

	extra[cpRefType] = origin.String()
	if title != "" {
		extra[cpPageTitle] = title
	}
	if url != "" {
		extra[cpPageURL] = url
	}
	return true
}

func referralAppParameters(payload, extra map[string]any, ref *ReferralApp) {
	payload[keyRef] = ref.BundleID
	extra[cpRefType] = OriginExternal.String()
	if ref.Link != "" {
		extra[cpRefLink] = ref.Link
	}
	if ref.Component != "" {
		extra[cpRefComponent] = ref.Component
	}
	maps.Copy(extra, ref.CustomParameters)
}

func (d *RATDispatcher) addAutomaticFields(payload map[string]any, state State) {
	if acc, ok := positiveInt(payload[keyAcc]); ok {
		payload[keyAcc] = acc
	} else {
		payload[keyAcc] = d.accountID
	}
	if aid, ok := positiveInt(payload[keyAid]); ok {
		payload[keyAid] = aid
	} else {
		payload[keyAid] = d.applicationID
	}

	if d.device != nil {
		if lang := d.device.LanguageCode(); lang != "" {
			payload[keyDln] = lang
		}
		payload[keyModel] = d.device.Model()
		payload[keyMcn] = d.device.Carrier()
		payload[keyRes] = d.device.ScreenResolution()
		payload[keyUA] = d.device.UserAgent()
	}

	if loc := state.Location; loc != nil && loc.valid() {
		payload[keyLoc] = map[string]any{
			"accu":     max(0, loc.HorizontalAccuracy),
			"altitude": loc.Altitude,
			"tms":      max(0, loc.Timestamp.UnixMilli()),
			"lat":      min(90, max(-90, loc.Latitude)),
			"long":     min(180, max(-180, loc.Longitude)),
			"speed":    max(0, loc.Speed),
		}
	}

	payload[keyCkp] = state.DeviceID
	payload[keyCks] = state.SessionID
	payload[keyLtm] = d.startTime
	_, offset := state.Now.Zone()
	payload[keyTzo] = math.Round(float64(offset)/3600*100) / 100

	if state.AdvertisingID != "" {
		payload[keyCka] = state.AdvertisingID
	}
	if state.UserID != "" {
		if _, ok := nonEmptyString(payload, keyUserID); !ok {
			payload[keyUserID] = state.UserID
		}
	}
	if state.EasyID != "" {
		if _, ok := nonEmptyString(payload, keyEasyID); !ok {
			payload[keyEasyID] = state.EasyID
		}
	}
	maps.Copy(payload, sharedPayload(state))
}

func installParameters(event Event) map[string]any {
	extra := map[string]any{}
	copyNonEmptyStrings(extra, event.Parameters, ParamAppInfo)
	return extra
}

func loginFailureParameters(event Event) map[string]any {
	extra := map[string]any{}
	copyNonEmptyStrings(extra, event.Parameters,
		ParamLoginFailureType, ParamLoginError, ParamLoginErrorMsg, ParamIDSDKError, ParamIDSDKErrorMsg)
	return extra
}

func logoutMethod(m string) string {
	switch m {
	case "local":
		return "single"
	case "global":
		return "all"
	default:
		return ""
	}
}

func copyNonEmptyStrings(dst, src map[string]any, keys ...string) {
	for _, k := range keys {
		if s, ok := nonEmptyString(src, k); ok {
			dst[k] = s
		}
	}
}
