package queue

import (
	"encoding/json"
	"time"

	"github.com/fineprintai/engine/pkg/errkind"
)

// IntakeEvent is the crawler's handoff to intake processing: one fetched
// document body plus enough context to attribute it.
type IntakeEvent struct {
	URL          string    `json:"url"`
	FetchedAt    time.Time `json:"fetched_at"`
	RawBytes     []byte    `json:"raw_bytes"`
	ContentType  string    `json:"content_type"`
	RequestID    string    `json:"request_id"`
	DocumentType string    `json:"document_type"`
	OwnerID      string    `json:"owner_id"`
	DocumentID   string    `json:"document_id,omitempty"`
}

// AnalysisJob drives one run of the analysis pipeline. The normalized text
// rides in the payload because document content is never stored relationally;
// the worker re-derives the fingerprint from it and refuses to run on drift.
type AnalysisJob struct {
	AnalysisID     string `json:"analysis_id"`
	DocumentID     string `json:"document_id"`
	VersionID      string `json:"version_id"`
	Fingerprint    string `json:"fingerprint"`
	NormalizedText string `json:"normalized_text"`
}

// DedupKey absorbs duplicate submissions for the same document content
// while one is scheduled or running.
func (j AnalysisJob) DedupKey() string {
	return j.DocumentID + ":" + j.Fingerprint
}

// MonitorTask asks a worker to re-fetch one monitored document.
type MonitorTask struct {
	MonitorJobID string `json:"monitor_job_id"`
	DocumentID   string `json:"document_id"`
	URL          string `json:"url"`
}

// ComplianceJob hands a completed analysis to the compliance engine.
type ComplianceJob struct {
	AnalysisID string `json:"analysis_id"`
	DocumentID string `json:"document_id"`
	VersionID  string `json:"version_id"`
}

// Decode unmarshals a delivered job's payload into its message type.
func Decode[T any](job *Job) (T, error) {
	var v T
	if err := json.Unmarshal(job.Payload, &v); err != nil {
		return v, errkind.Errorf(errkind.Internal, "queue.Decode",
			"job %s payload does not decode into %T: %v", job.ID, v, err)
	}
	return v, nil
}
