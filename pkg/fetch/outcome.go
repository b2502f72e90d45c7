package fetch

import "fmt"

// Status tags a fetch outcome. Exactly one status is produced per
// attempt.
type Status string

const (
	// StatusSuccess means content was fetched and extracted.
	StatusSuccess Status = "success"

	// StatusRateLimited means the per-origin gate refused admission
	// within the deadline. Transient; the caller may retry after
	// backoff.
	StatusRateLimited Status = "rate_limited"

	// StatusTimeout means navigation exceeded its deadline. Transient;
	// safe to retry with a fresh deadline.
	StatusTimeout Status = "timeout"

	// StatusNavigationError means the engine or session faulted.
	StatusNavigationError Status = "navigation_error"

	// StatusExtractionError means content was present but unparsable.
	StatusExtractionError Status = "extraction_error"
)

// Outcome is the tagged result of one fetch attempt. Content and Title
// are set only for StatusSuccess; Cause only for failure variants.
type Outcome struct {
	Status   Status
	URL      string
	FinalURL string
	Title    string
	Content  string
	Cached   bool
	Cause    error
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

// Err returns a descriptive error for failed outcomes, nil for success.
func (o Outcome) Err() error {
	if o.OK() {
		return nil
	}
	if o.Cause != nil {
		return fmt.Errorf("fetch %s: %s: %w", o.URL, o.Status, o.Cause)
	}
	return fmt.Errorf("fetch %s: %s", o.URL, o.Status)
}
