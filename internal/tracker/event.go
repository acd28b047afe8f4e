// Package tracker turns logical analytics events into wire payloads.
//
// A Manager filters events and fans them out to registered dispatchers.
// Dispatchers build payloads from the event and a per-call State snapshot
// and hand them to a sender for durable delivery.
package tracker

import "strings"

const (
	EventInitialLaunch     = "_rem_init_launch"
	EventSessionStart      = "_rem_launch"
	EventSessionEnd        = "_rem_end_session"
	EventApplicationUpdate = "_rem_update"
	EventLogin             = "_rem_login"
	EventLoginFailure      = "_rem_login_failure"
	EventLogout            = "_rem_logout"
	EventInstall           = "_rem_install"
	EventPageVisit         = "_rem_visit"
	EventPushNotify        = "_rem_push_notify"
	EventPushReceived      = "_rem_push_received"
	EventPushConversion    = "_rem_push_cv"
	EventPushRegister      = "_rem_push_auto_register"
	EventPushUnregister    = "_rem_push_auto_unregister"
	EventSSOCredential     = "_rem_sso_credential_found"
	EventLoginCredential   = "_rem_login_credential_found"
	EventCredentialStrats  = "_rem_credential_strategies"
	EventCustom            = "_analytics_custom"
	EventGeoLocation       = "loc"

	discoverEventPrefix = "_rem_discover_"
)

// Parameter keys read from Event.Parameters.
const (
	ParamETypeKey         = "etype"
	ParamPageID           = "page_id"
	ParamPageTitle        = "page_title"
	ParamPageURL          = "page_url"
	ParamLogoutMethod     = "logout_method"
	ParamLoginFailureType = "type"
	ParamLoginError       = "rae_error"
	ParamLoginErrorMsg    = "rae_error_message"
	ParamIDSDKError       = "idsdk_error"
	ParamIDSDKErrorMsg    = "idsdk_error_message"
	ParamAppInfo          = "app_info"
	ParamPushTrackingID   = "tracking_id"
	ParamPushRequestID    = "push_request_id"
	ParamPushCVAction     = "push_cv_action"
	ParamPNPDeviceID      = "deviceId"
	ParamPNPClientID      = "pnpClientId"
	ParamEventName        = "eventName"
	ParamEventData        = "eventData"
	ParamTopLevelObject   = "topLevelObject"
	ParamCustomAccNumber  = "customAccNumber"
)

var recognizedPrefixes = []string{"_rem_", ratEventPrefix, "_analytics_", EventGeoLocation}

type Event struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func NewEvent(name string, params map[string]any) Event {
	return Event{Name: name, Parameters: params}
}

// NewRATEvent builds an event routed verbatim to the RAT endpoint with the
// given etype.
func NewRATEvent(etype string, params map[string]any) Event {
	return Event{Name: ratEventPrefix + etype, Parameters: params}
}

// Recognized reports whether name carries one of the prefixes dispatchers
// know how to handle.
func Recognized(name string) bool {
	for _, p := range recognizedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (e Event) stringParam(key string) string {
	if e.Parameters == nil {
		return ""
	}
	s, _ := e.Parameters[key].(string)
	return s
}

func (e Event) mapParam(key string) map[string]any {
	if e.Parameters == nil {
		return nil
	}
	m, _ := e.Parameters[key].(map[string]any)
	return m
}
