package ehr

// Page is one page of the patients collection.
type Page struct {
	Patients   []map[string]any `json:"patients"`
	NextCursor *string          `json:"next_cursor"`
}

// Cursor returns the page's continuation cursor, or "" when the page is the
// last one (next_cursor null or absent).
func (p *Page) Cursor() string {
	if p.NextCursor == nil {
		return ""
	}
	return *p.NextCursor
}
