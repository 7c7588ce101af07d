package domain

// EnrichedRecord is the unit written to the output. InternalID is nil when
// the id could not be recovered from the detail page.
type EnrichedRecord struct {
	DisplayName string  `json:"hash_name"`
	InternalID  *string `json:"item_nameid,omitempty"`
}

// NewEnrichedRecord builds a record with a known internal id.
func NewEnrichedRecord(displayName, internalID string) EnrichedRecord {
	return EnrichedRecord{
		DisplayName: displayName,
		InternalID:  &internalID,
	}
}

// HasID reports whether the internal id was recovered.
func (r EnrichedRecord) HasID() bool {
	return r.InternalID != nil
}

// ID returns the internal id or an empty string.
func (r EnrichedRecord) ID() string {
	if r.InternalID == nil {
		return ""
	}
	return *r.InternalID
}
