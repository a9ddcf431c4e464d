package domain

import (
	"fmt"
	"strings"
)

// Request is the normalized input to the router. Recognized keys are lifted
// into fields; everything else is kept in Extra.
type Request struct {
	Message string         `json:"message"`
	UserID  string         `json:"user_id,omitempty"`
	Action  string         `json:"action,omitempty"`
	Intent  string         `json:"intent,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// AnonymousUser is used when a request carries no user id.
const AnonymousUser = "anonymous"

// User returns the user id, or AnonymousUser when unset.
func (r Request) User() string {
	if r.UserID == "" {
		return AnonymousUser
	}
	return r.UserID
}

// NormalizeRequest coerces arbitrary input into a Request. Maps are read key
// by key, strings become the message, anything else is formatted into the
// message.
func NormalizeRequest(input any) Request {
	switch v := input.(type) {
	case nil:
		return Request{}
	case Request:
		return v
	case *Request:
		if v == nil {
			return Request{}
		}
		return *v
	case string:
		return Request{Message: v}
	case map[string]any:
		return requestFromMap(v)
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, s := range v {
			m[k] = s
		}
		return requestFromMap(m)
	default:
		return Request{Message: fmt.Sprint(v)}
	}
}

func requestFromMap(m map[string]any) Request {
	var req Request
	for k, v := range m {
		switch k {
		case "message":
			req.Message = stringValue(v)
		case "user_id":
			req.UserID = stringValue(v)
		case "action":
			req.Action = stringValue(v)
		case "intent":
			req.Intent = stringValue(v)
		case "context":
			if ctx, ok := v.(map[string]any); ok {
				req.Context = ctx
			} else if v != nil {
				req.Context = map[string]any{"value": v}
			}
		default:
			if req.Extra == nil {
				req.Extra = make(map[string]any)
			}
			req.Extra[k] = v
		}
	}
	return req
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}
