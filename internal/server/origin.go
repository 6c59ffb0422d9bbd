package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// OriginPolicy decides which browser origins may open a WebSocket.
type OriginPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	log      *zap.Logger
}

// NewOriginPolicy normalizes origins. "*" allows every origin; invalid
// entries are logged and ignored.
func NewOriginPolicy(origins []string, log *zap.Logger) *OriginPolicy {
	if log == nil {
		log = zap.NewNop()
	}
	p := &OriginPolicy{allowed: make(map[string]struct{}, len(origins)), log: log}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warn("ignoring invalid origin in configuration", zap.String("origin", origin))
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// Allowed reports whether r carries a permitted Origin header. Requests
// without one are refused.
func (p *OriginPolicy) Allowed(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return false
	}
	normalized, ok := normalizeOrigin(header)
	if !ok {
		return false
	}
	if p.allowAll {
		return true
	}
	_, exists := p.allowed[normalized]
	return exists
}

// CheckOrigin is a websocket.Upgrader CheckOrigin func that logs refusals.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	if p.Allowed(r) {
		return true
	}
	p.log.Warn("blocked websocket connection from disallowed origin",
		zap.String("origin", r.Header.Get("Origin")))
	return false
}
