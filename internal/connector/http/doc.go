// Package http provides the HTTP transport layer for REST API sources.
//
// Structure:
//
//	client.go     - HTTP client with rate limiting and bounded retry
//	auth.go       - Authentication strategies (Bearer, API key header)
//	paginator.go  - Cursor-based page request builder
package http
