package gateway

import (
	"net/http"
	"strings"

	"github.com/myunla/gateway/pkg/apitypes"
)

// applyCORS writes the router's cross-origin headers and answers preflight
// requests. It returns true when the request was fully handled (preflight
// or a disallowed origin) and the caller should stop.
func applyCORS(w http.ResponseWriter, r *http.Request, cors *apitypes.CORS) bool {
	if cors == nil {
		return false
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	allowed := corsOrigin(cors, origin)
	if allowed == "" {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusForbidden)
			return true
		}
		return false
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", allowed)
	if allowed != "*" {
		h.Add("Vary", "Origin")
	}
	if cors.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(cors.ExposeHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(cors.ExposeHeaders, ", "))
	}

	if r.Method == http.MethodOptions {
		methods := cors.AllowMethods
		if len(methods) == 0 {
			methods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
		}
		h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
		if len(cors.AllowHeaders) > 0 {
			h.Set("Access-Control-Allow-Headers", strings.Join(cors.AllowHeaders, ", "))
		} else if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
			h.Set("Access-Control-Allow-Headers", requested)
		}
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// corsOrigin returns the Access-Control-Allow-Origin value for the request
// origin, or "" when the origin is not allowed.
func corsOrigin(cors *apitypes.CORS, origin string) string {
	if len(cors.AllowOrigins) == 0 {
		if cors.AllowCredentials {
			return origin
		}
		return "*"
	}
	for _, allowed := range cors.AllowOrigins {
		if allowed == "*" {
			if cors.AllowCredentials {
				return origin
			}
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}
