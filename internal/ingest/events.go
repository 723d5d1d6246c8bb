package ingest

// DocumentTask is the payload published to the ingest topic. It is a
// pointer, not a snapshot: the pipeline reloads the document row so a
// requeued task always sees current state.
type DocumentTask struct {
	DocumentID    string `json:"document_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
