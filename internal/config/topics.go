package config

const (
	// TopicIngestDocument carries ingestion tasks: a document id whose
	// source should be extracted, chunked, embedded and indexed.
	TopicIngestDocument = "ingest.document"
)
