package http

import "net/http"

// =============================================================================
// AUTHENTICATION STRATEGIES
// =============================================================================

// AuthConfig represents authentication configuration.
type AuthConfig interface {
	Apply(req *http.Request)
}

// NoAuth represents no authentication.
type NoAuth struct{}

func (a NoAuth) Apply(req *http.Request) {}

// BearerToken uses Bearer token authentication.
type BearerToken struct {
	Token string
}

// Apply adds Bearer token header to the request.
func (a BearerToken) Apply(req *http.Request) {
	if a.Token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
}

// APIKey uses API key authentication.
type APIKey struct {
	Key    string
	Header string // Header name (default: X-API-Key)
}

// Apply adds API key header to the request.
func (a APIKey) Apply(req *http.Request) {
	if a.Key == "" {
		return
	}
	header := a.Header
	if header == "" {
		header = "X-API-Key"
	}
	req.Header.Set(header, a.Key)
}
