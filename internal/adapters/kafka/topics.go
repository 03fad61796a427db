package kafka

// Default topics of pipeline events
const (
	TopicIngestProgress = "ingest.progress"
	TopicIngestRuns     = "ingest.runs"
)
