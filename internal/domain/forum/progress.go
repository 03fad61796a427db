package forum

import "github.com/google/uuid"

// Phase is a checkpoint of a pull cycle
type Phase string

const (
	PhaseInitializing    Phase = "initializing"
	PhaseListingComplete Phase = "listing_complete"
	PhaseProcessing      Phase = "processing_submission"
	PhaseAggregating     Phase = "aggregating"
	PhaseFinished        Phase = "finished"
	PhaseFailed          Phase = "failed"
)

// Progress is the snapshot emitted at every checkpoint of a pull cycle
type Progress struct {
	RunID                uuid.UUID `json:"run_id"`
	Subreddit            string    `json:"subreddit"`
	Phase                Phase     `json:"phase"`
	TotalSubmissions     *int      `json:"total_submissions"`
	ProcessedSubmissions int       `json:"processed_submissions"`
	CurrentSubmissionID  *string   `json:"current_submission_id"`
	Comments             int       `json:"comments"`
	Mentions             int       `json:"mentions"`
	PartialErrors        int       `json:"partial_errors"`
}
