package models

import "time"

// ── Drill Sessions ───────────────────────────────────────

// DrillSession is one learner review session over unseen questions.
type DrillSession struct {
	ID          string     `json:"id"`
	UserID      int64      `json:"user_id"`
	Subject     *string    `json:"subject,omitempty"`
	Total       int        `json:"total"`
	Score       int        `json:"score"`
	DurationSec *int       `json:"duration_sec,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// DrillItem is one slot in a session. The answer fields stay nil until the
// learner answers it.
type DrillItem struct {
	SessionID  string     `json:"session_id"`
	OrderIndex int        `json:"order_index"`
	QuestionID int64      `json:"question_id"`
	UserAnswer *int       `json:"user_answer,omitempty"`
	IsCorrect  *bool      `json:"is_correct,omitempty"`
	ElapsedMs  *int       `json:"elapsed_ms,omitempty"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

// ── Request Types ────────────────────────────────────────

type CreateDrillRequest struct {
	Subject string `json:"subject,omitempty"`
	Length  int    `json:"length"`
}

type DrillAnswerRequest struct {
	QuestionID  int64 `json:"question_id"`
	OrderIndex  int   `json:"order_index"`
	AnswerIndex int   `json:"answer_index"`
	ElapsedMs   int   `json:"elapsed_ms"`
}

// ── Response Types ───────────────────────────────────────

type DrillOption struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// DrillQuestion is a question as served mid-session, without its key.
type DrillQuestion struct {
	ID        int64         `json:"id"`
	Topic     string        `json:"topic"`
	Subtype   Subtype       `json:"subtype"`
	Stem      string        `json:"stem"`
	Options   []DrillOption `json:"options"`
	Citations []string      `json:"citations"`
}

type DrillProgress struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

type DrillSummary struct {
	Total        int     `json:"total"`
	Correct      int     `json:"correct"`
	TotalTimeSec float64 `json:"total_time_sec"`
	AvgTimeSec   float64 `json:"avg_time_sec"`
}

// DrillNext is either the next unanswered question or, once every item is
// answered, the session summary.
type DrillNext struct {
	Done     bool           `json:"done"`
	Progress *DrillProgress `json:"progress,omitempty"`
	Question *DrillQuestion `json:"question,omitempty"`
	Summary  *DrillSummary  `json:"summary,omitempty"`
}

type DrillAnswerResponse struct {
	Correct      bool   `json:"correct"`
	CorrectIndex int    `json:"correct_index"`
	Explanation  string `json:"explanation"`
}

// DrillReviewItem pairs an answered question with the learner's attempt.
type DrillReviewItem struct {
	OrderIndex int       `json:"order_index"`
	Question   Question  `json:"question"`
	UserAnswer int       `json:"user_answer"`
	Correct    bool      `json:"correct"`
	ElapsedMs  int       `json:"elapsed_ms"`
	AnsweredAt time.Time `json:"answered_at"`
}

// ── KPIs ─────────────────────────────────────────────────

type WeeklyGoal struct {
	Attempted int `json:"attempted"`
	Goal      int `json:"goal"`
}

type KPIs struct {
	MCQsToday  int        `json:"mcqs_today"`
	WeeklyGoal WeeklyGoal `json:"weekly_goal"`
	Accuracy7d *int       `json:"accuracy_7d"`
	StreakDays int        `json:"streak_days"`
}
