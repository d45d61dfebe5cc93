package http

import (
	"net/url"
	"strconv"
)

// =============================================================================
// CURSOR PAGINATION
// =============================================================================

// CursorPaginator builds page requests for cursor-based pagination. The
// cursor for each page comes from the previous page's response, so requests
// are built one at a time rather than planned up front.
type CursorPaginator struct {
	Path      string
	PageSize  int
	CursorKey string // Query param name (default: "cursor")
	SizeKey   string // Query param name (default: "page_size")
}

// NewCursorPaginator creates a cursor-based paginator for the given path.
func NewCursorPaginator(path string, pageSize int) *CursorPaginator {
	return &CursorPaginator{
		Path:      path,
		PageSize:  pageSize,
		CursorKey: "cursor",
		SizeKey:   "page_size",
	}
}

// PageRequest builds the request for the page at the given cursor. An empty
// cursor requests the first page.
func (p *CursorPaginator) PageRequest(cursor string) *Request {
	query := url.Values{}
	query.Set(p.SizeKey, strconv.Itoa(p.PageSize))
	if cursor != "" {
		query.Set(p.CursorKey, cursor)
	}
	return &Request{
		Method: "GET",
		Path:   p.Path,
		Query:  query,
	}
}
