package tracker

import (
	"maps"
	"strings"
	"time"
)

const (
	SDKTableName      = "RAKUTEN_ANALYTICS_SDK_TABLE"
	SDKBatchingDelay  = time.Minute
	sdkInternalPrefix = "_rem_internal"
)

// SDKDispatcher reports SDK installs to the internal SDK account. It
// ignores every event except _rem_install.
type SDKDispatcher struct {
	sender EventSender
}

var (
	_ Dispatcher        = (*SDKDispatcher)(nil)
	_ EndpointSetter    = (*SDKDispatcher)(nil)
	_ LifecycleObserver = (*SDKDispatcher)(nil)
)

func NewSDKDispatcher(s EventSender) (*SDKDispatcher, error) {
	if s == nil {
		return nil, ErrNoSender
	}
	s.SetBatchingDelay(SDKBatchingDelay)
	return &SDKDispatcher{sender: s}, nil
}

func (d *SDKDispatcher) SetEndpoint(endpoint string) error {
	return d.sender.SetEndpoint(endpoint)
}

func (d *SDKDispatcher) AppDidBecomeActive() {
	d.sender.AppDidBecomeActive()
}

func (d *SDKDispatcher) Process(event Event, state State) bool {
	if event.Name != EventInstall {
		return false
	}
	d.sender.Send(sdkPayload(event, state))
	return true
}

func sdkPayload(event Event, state State) map[string]any {
	payload := map[string]any{
		keyAcc:   DefaultRATAccountID,
		keyAid:   DefaultRATApplicationID,
		keyEType: sdkInternalPrefix + strings.TrimPrefix(event.Name, "_rem"),
		keyRSDKs: sdkDependencies(),
		keyCp:    installParameters(event),
	}
	maps.Copy(payload, sharedPayload(state))
	return payload
}
