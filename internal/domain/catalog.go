package domain

// ListingReference is one row of a catalogue page: the listing's display
// name and the absolute URL of its detail page.
type ListingReference struct {
	DisplayName string `json:"hash_name"`
	DetailURL   string `json:"detail_url"`
}

// CatalogueResponse is one decoded page of the market search endpoint.
type CatalogueResponse struct {
	Success    bool               `json:"success"`
	Tip        string             `json:"tip,omitempty"` // Diagnostic message sent when success is false
	Start      int                `json:"start"`         // Offset the page was requested with
	TotalCount int                `json:"total_count"`   // Size of the whole result set
	Items      []ListingReference `json:"items"`
}

// PageCursor maps a zero-based page index onto an offset in the result set.
type PageCursor struct {
	PageIndex int
	PageSize  int
}

// Start returns the offset of the first item on the page.
func (c PageCursor) Start() int {
	return c.PageIndex * c.PageSize
}

// TotalPages returns ceil(totalCount / pageSize).
func TotalPages(totalCount, pageSize int) int {
	if totalCount <= 0 || pageSize <= 0 {
		return 0
	}
	return (totalCount + pageSize - 1) / pageSize
}
