package gateway

import (
	"net/http"
	"strings"

	"github.com/myunla/gateway/pkg/session"
)

// requestInfo captures the identifying parts of the HTTP request that
// created a session. Tool templates read them through `request.*`; the
// snapshot is frozen for the session's lifetime.
func requestInfo(r *http.Request) *session.RequestInfo {
	info := &session.RequestInfo{
		Headers: map[string]string{},
		Queries: map[string]string{},
		Cookies: map[string]string{},
	}
	for name, values := range r.Header {
		if len(values) > 0 {
			info.Headers[strings.ToLower(name)] = values[0]
		}
	}
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			info.Queries[name] = values[0]
		}
	}
	for _, cookie := range r.Cookies() {
		info.Cookies[cookie.Name] = cookie.Value
	}
	return info
}
