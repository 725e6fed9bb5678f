package models

import "time"

// Subtype is the kind of item requested from the generator. The scheduler
// balances exactly two of them.
type Subtype string

const (
	SubtypeScenario Subtype = "scenario"
	SubtypeRecall   Subtype = "recall"
)

var ValidSubtypes = map[Subtype]bool{
	SubtypeScenario: true,
	SubtypeRecall:   true,
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

type Subject struct {
	ID            int64     `json:"id"`
	Exam          string    `json:"exam"`
	Name          string    `json:"name"`
	QuestionCount int       `json:"question_count"`
	CreatedAt     time.Time `json:"created_at"`
}

type Question struct {
	ID               int64          `json:"id"`
	SubjectID        int64          `json:"subject_id"`
	RunID            *string        `json:"run_id,omitempty"`
	Topic            string         `json:"topic"`
	Subtype          Subtype        `json:"subtype"`
	Stem             string         `json:"stem"`
	StemHash         string         `json:"stem_hash"`
	CorrectRationale string         `json:"correct_rationale"`
	Citations        []string       `json:"citations"`
	ModelUsed        *string        `json:"model_used,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	Choices          []AnswerChoice `json:"choices,omitempty"`
}

type AnswerChoice struct {
	ID         int64  `json:"id"`
	QuestionID int64  `json:"question_id"`
	Label      string `json:"label"`
	Text       string `json:"text"`
	Rationale  string `json:"rationale"`
	IsCorrect  bool   `json:"is_correct"`
}

// GenerationRun is one scheduler run, queued through the API or started from the CLI.
type GenerationRun struct {
	ID            string     `json:"id"`
	Subject       string     `json:"subject"`
	Topic         *string    `json:"topic,omitempty"`
	TargetCount   int        `json:"target_count"`
	Status        RunStatus  `json:"status"`
	Made          int        `json:"made"`
	Attempts      int        `json:"attempts"`
	ScenarioCount int        `json:"scenario_count"`
	RecallCount   int        `json:"recall_count"`
	ModelUsed     *string    `json:"model_used,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	CreatedBy     *int64     `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type CreateRunRequest struct {
	Subject string `json:"subject"`
	Topic   string `json:"topic,omitempty"`
	Count   int    `json:"count"`
}

type TopicSummary struct {
	Topic         string `json:"topic"`
	QuestionCount int    `json:"question_count"`
}
