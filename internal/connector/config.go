package connector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/carebridge/patient-sync/internal/connector/ehr"
)

// Configuration keys supplied by the orchestrator.
const (
	KeyCredential = "credential"
	KeyBaseURL    = "base_url"
	KeyPageSize   = "page_size"
	KeyAuthHeader = "auth_header"
)

// DefaultPageSize is used when the configuration omits page_size.
const DefaultPageSize = 100

// Config is the resolved per-pass configuration. Defaults are applied once
// here rather than scattered through the pass.
type Config struct {
	// Credential is the static API token. Required.
	Credential string

	// BaseURL of the source API. Defaults to the CareBridge endpoint.
	BaseURL string

	// AuthHeader, when set, carries the credential in a custom header
	// instead of an Authorization bearer token.
	AuthHeader string

	// PageSize requested per page. Positive; defaults to DefaultPageSize.
	PageSize int
}

// ParseConfig resolves an orchestrator-supplied configuration map into a
// Config, applying defaults for optional keys. The credential is the only
// required key.
func ParseConfig(input map[string]string) (*Config, error) {
	cfg := &Config{
		Credential: strings.TrimSpace(input[KeyCredential]),
		BaseURL:    strings.TrimSpace(input[KeyBaseURL]),
		AuthHeader: strings.TrimSpace(input[KeyAuthHeader]),
		PageSize:   DefaultPageSize,
	}

	if cfg.Credential == "" {
		return nil, wrapError(CodeConfigInvalid, false, fmt.Errorf("configuration key %q is required", KeyCredential))
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = ehr.DefaultBaseURL
	}
	if raw, ok := input[KeyPageSize]; ok && strings.TrimSpace(raw) != "" {
		size, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || size <= 0 {
			return nil, wrapError(CodeConfigInvalid, false, fmt.Errorf("configuration key %q must be a positive integer, got %q", KeyPageSize, raw))
		}
		cfg.PageSize = size
	}

	return cfg, nil
}
