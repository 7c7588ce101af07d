package task

// PageRetryTask records a catalogue page that failed during a run so it can be
// replayed in the draining phase or by a later run.
type PageRetryTask struct {
	AppID      string `json:"app_id"`      // Catalogue the page belongs to
	PageIndex  int    `json:"page_index"`  // Zero-based page index
	PageSize   int    `json:"page_size"`   // Page size the index was computed with
	RetryCount int    `json:"retry_count"` // Number of replays already attempted
	Error      string `json:"error"`       // Error message from the last failure
}

func (t *PageRetryTask) TaskType() string {
	return "PageRetryTask"
}

func (t *PageRetryTask) TaskValue() ([]byte, error) {
	return DefaultTaskValue(t)
}
