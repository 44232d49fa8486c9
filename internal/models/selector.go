package models

import "time"

// SuccessCountCap bounds the per-selector success counter so one long-lived
// selector cannot become unevictable.
const SuccessCountCap = 10

// SelectorEntry is one learned locator for a (vendor, field) pair.
type SelectorEntry struct {
	Selector        string     `json:"selector"`
	LearnedAt       time.Time  `json:"learned_at"`
	SuccessCount    int        `json:"success_count"`
	FailureCount    int        `json:"failure_count"`
	LastSuccess     *time.Time `json:"last_success,omitempty"`
	LastFailure     *time.Time `json:"last_failure,omitempty"`
	ConfidenceScore float64    `json:"confidence_score"`
}

// ExtractionSnapshot records what the last model-driven extraction attempted
// per vendor, so recently-confirmed-absent fields are not re-requested.
type ExtractionSnapshot struct {
	Timestamp       time.Time                 `json:"timestamp"`
	AttemptedFields []string                  `json:"attempted_fields"`
	Results         map[string]SnapshotResult `json:"results"`
}

// SnapshotResult is the per-field outcome of a model extraction attempt.
type SnapshotResult struct {
	Found     bool   `json:"found"`
	ValueType string `json:"value_type,omitempty"`
}

// FieldMissing reports whether the snapshot confirms the field was attempted
// within the freshness window and not found.
func (s *ExtractionSnapshot) FieldMissing(field string, window time.Duration) bool {
	if s == nil || time.Since(s.Timestamp) > window {
		return false
	}
	res, ok := s.Results[field]
	return ok && !res.Found
}
