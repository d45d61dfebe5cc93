package ehr

import (
	"context"
	"fmt"

	"github.com/carebridge/patient-sync/internal/connector/http"
)

// DefaultBaseURL is the production CareBridge API endpoint.
const DefaultBaseURL = "https://api.carebridge.health"

const patientsPath = "/patients"

// Config holds EHR client configuration.
type Config struct {
	BaseURL    string
	Credential string
	AuthHeader string // custom credential header; empty means Bearer auth
	PageSize   int
}

// Client fetches patient pages from the CareBridge API.
type Client struct {
	http      *http.Client
	paginator *http.CursorPaginator
}

// NewClient creates a CareBridge API client. The underlying HTTP client
// carries the credential header on every request.
func NewClient(cfg *Config) *Client {
	httpConfig := http.DefaultClientConfig()
	httpConfig.BaseURL = cfg.BaseURL
	if httpConfig.BaseURL == "" {
		httpConfig.BaseURL = DefaultBaseURL
	}
	if cfg.AuthHeader != "" {
		httpConfig.Auth = http.APIKey{Key: cfg.Credential, Header: cfg.AuthHeader}
	} else {
		httpConfig.Auth = http.BearerToken{Token: cfg.Credential}
	}
	httpConfig.Headers["Accept"] = "application/json"

	return &Client{
		http:      http.NewClient(httpConfig),
		paginator: http.NewCursorPaginator(patientsPath, cfg.PageSize),
	}
}

// Patients fetches one page of patient records. An empty cursor fetches the
// first page.
func (c *Client) Patients(ctx context.Context, cursor string) (*Page, error) {
	resp, err := c.http.Do(ctx, c.paginator.PageRequest(cursor))
	if err != nil {
		return nil, err
	}

	var page Page
	if err := resp.JSON(&page); err != nil {
		return nil, fmt.Errorf("decode patients page: %w", err)
	}
	return &page, nil
}
