package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ArtifactWriter persists failure snapshots for offline debugging. Each
// artifact pairs a page screenshot with a metadata record, both named by
// a correlation ID that also appears in the logs.
type ArtifactWriter struct {
	outputDir string
}

// NewArtifactWriter creates a writer targeting outputDir. An empty dir
// disables artifact capture.
func NewArtifactWriter(outputDir string) *ArtifactWriter {
	return &ArtifactWriter{outputDir: outputDir}
}

// failureRecord is the metadata written next to a snapshot.
type failureRecord struct {
	CorrelationID string    `json:"correlation_id"`
	URL           string    `json:"url"`
	Cause         string    `json:"cause"`
	SessionID     string    `json:"session_id"`
	CapturedAt    time.Time `json:"captured_at"`
}

// CaptureFailure writes a snapshot of the page (when one is available)
// and a metadata record, returning the correlation ID. Capture is best
// effort: any error is returned for logging but never fails the fetch.
func (w *ArtifactWriter) CaptureFailure(ctx context.Context, page Page, url, sessionID string, cause error) (string, error) {
	correlationID := uuid.New().String()
	if w.outputDir == "" {
		return correlationID, nil
	}

	if err := os.MkdirAll(w.outputDir, 0750); err != nil {
		return correlationID, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	record := failureRecord{
		CorrelationID: correlationID,
		URL:           url,
		Cause:         cause.Error(),
		SessionID:     sessionID,
		CapturedAt:    time.Now().UTC(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return correlationID, fmt.Errorf("failed to marshal failure record: %w", err)
	}
	recordPath := filepath.Join(w.outputDir, fmt.Sprintf("failure-%s.json", correlationID))
	if err := os.WriteFile(recordPath, data, 0600); err != nil {
		return correlationID, fmt.Errorf("failed to write failure record: %w", err)
	}

	if page != nil {
		shot, err := page.Screenshot(ctx)
		if err != nil {
			return correlationID, fmt.Errorf("failed to capture snapshot: %w", err)
		}
		shotPath := filepath.Join(w.outputDir, fmt.Sprintf("snapshot-%s.png", correlationID))
		if err := os.WriteFile(shotPath, shot, 0600); err != nil {
			return correlationID, fmt.Errorf("failed to write snapshot: %w", err)
		}
	}

	return correlationID, nil
}
