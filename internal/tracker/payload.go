package tracker

import (
	"encoding/json"
	"maps"
	"math"
	"strconv"
)

// Payload keys shared by the RAT and SDK dispatchers.
const (
	keyAcc     = "acc"
	keyAid     = "aid"
	keyEType   = "etype"
	keyCp      = "cp"
	keyPgn     = "pgn"
	keyRef     = "ref"
	keyAppVer  = "app_ver"
	keyAppName = "app_name"
	keyMOS     = "mos"
	keyVer     = "ver"
	keyTS1     = "ts1"
	keyCkp     = "ckp"
	keyCks     = "cks"
	keyCka     = "cka"
	keyUserID  = "userid"
	keyEasyID  = "easyid"
	keyDln     = "dln"
	keyModel   = "model"
	keyRes     = "res"
	keyMcn     = "mcn"
	keyLoc     = "loc"
	keyUA      = "ua"
	keyLtm     = "ltm"
	keyTzo     = "tzo"
	keyRSDKs   = "rsdks"

	cpRefType      = "ref_type"
	cpRefLink      = "ref_link"
	cpRefComponent = "ref_comp"
	cpPageTitle    = "title"
	cpPageURL      = "url"
	cpPushNotify   = "push_notify_value"
	cpPushRequest  = "push_request_id"
	cpPushCVAction = "push_cv_action"
	cpLogoutMethod = "logout_method"
)

// SDKVersion is reported as "ver" and in the rsdks map.
const SDKVersion = "9.6.0"

// positiveInt extracts a strictly positive integer from a decoded or
// caller-supplied number.
func positiveInt(v any) (int64, bool) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint32:
		n = int64(x)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		n = int64(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			f, ferr := x.Float64()
			if ferr != nil {
				return 0, false
			}
			i = int64(f)
		}
		n = i
	case string:
		i, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, false
		}
		n = i
	default:
		return 0, false
	}
	return n, n > 0
}

func sharedPayload(state State) map[string]any {
	out := map[string]any{
		keyVer: SDKVersion,
		keyTS1: max(0, state.Now.Unix()),
	}
	if state.AppVersion != "" {
		out[keyAppVer] = state.AppVersion
	}
	if state.AppName != "" {
		out[keyAppName] = state.AppName
	}
	if state.OSVersion != "" {
		out[keyMOS] = state.OSVersion
	}
	return out
}

func sdkDependencies() map[string]any {
	return map[string]any{"analytics": SDKVersion}
}

// mergeCp folds extra into payload["cp"]. Values already present in the
// payload's own cp map win.
func mergeCp(payload, extra map[string]any) {
	if len(extra) == 0 {
		return
	}
	if cp, ok := payload[keyCp].(map[string]any); ok {
		maps.Copy(extra, cp)
	}
	payload[keyCp] = extra
}

func nonEmptyString(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok && s != ""
}
