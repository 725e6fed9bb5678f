package questions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/sqe-prep/backend/internal/generator"
	"github.com/sqe-prep/backend/internal/models"
	"github.com/sqe-prep/backend/internal/scheduler"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

type Store struct {
	db   *sql.DB
	exam string
}

func NewStore(db *sql.DB, exam string) *Store {
	if exam == "" {
		exam = "SQE1"
	}
	return &Store{db: db, exam: exam}
}

// ── Question Storage ────────────────────────────────────

// BatchMeta tags stored questions with their run and model.
type BatchMeta struct {
	RunID     *string
	ModelUsed string
}

// InsertBatch stores a batch with no run attached.
func (s *Store) InsertBatch(ctx context.Context, subject, topic string, batch *generator.GeneratedBatch) error {
	return s.SaveBatch(ctx, BatchMeta{}, subject, topic, batch)
}

// SaveBatch upserts the subject and inserts every question with its five
// choices in one transaction.
func (s *Store) SaveBatch(ctx context.Context, meta BatchMeta, subject, topic string, batch *generator.GeneratedBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var subjectID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO subjects (exam, name) VALUES ($1, $2)
		 ON CONFLICT (exam, name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`,
		s.exam, subject,
	).Scan(&subjectID)
	if err != nil {
		return fmt.Errorf("upsert subject: %w", err)
	}

	for _, gq := range batch.Questions {
		itemTopic := topic
		if gq.Topic != "" {
			itemTopic = gq.Topic
		}
		citations := gq.Citations
		if citations == nil {
			citations = []string{}
		}

		var questionID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO questions
			 (subject_id, run_id, topic, subtype, stem, stem_hash, correct_rationale, citations, model_used)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING id`,
			subjectID, meta.RunID, itemTopic, gq.Subtype, gq.Stem, scheduler.Fingerprint(gq.Stem),
			gq.CorrectRationale, pq.Array(citations), nullString(meta.ModelUsed),
		).Scan(&questionID)
		if err != nil {
			return fmt.Errorf("insert question: %w", err)
		}

		for i, text := range gq.Options {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO answer_choices (question_id, label, choice_text, rationale, is_correct)
				 VALUES ($1, $2, $3, $4, $5)`,
				questionID, generator.OptionLabel(i), text, gq.Rationale(i), i == gq.Answer(),
			)
			if err != nil {
				return fmt.Errorf("insert choice: %w", err)
			}
		}
	}

	return tx.Commit()
}

func (s *Store) GetQuestion(ctx context.Context, questionID int64) (*models.Question, error) {
	var q models.Question
	var citations pq.StringArray
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subject_id, run_id, topic, subtype, stem, stem_hash,
		        correct_rationale, citations, model_used, created_at
		 FROM questions WHERE id = $1`,
		questionID,
	).Scan(&q.ID, &q.SubjectID, &q.RunID, &q.Topic, &q.Subtype, &q.Stem, &q.StemHash,
		&q.CorrectRationale, &citations, &q.ModelUsed, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}
	q.Citations = []string(citations)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, question_id, label, choice_text, rationale, is_correct
		 FROM answer_choices WHERE question_id = $1 ORDER BY label`,
		questionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get choices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c models.AnswerChoice
		if err := rows.Scan(&c.ID, &c.QuestionID, &c.Label, &c.Text, &c.Rationale, &c.IsCorrect); err != nil {
			return nil, fmt.Errorf("scan choice: %w", err)
		}
		q.Choices = append(q.Choices, c)
	}
	return &q, rows.Err()
}

// ── Subjects & Topics ───────────────────────────────────

// ListExistingTopics returns the distinct topic labels stored for a subject,
// most used first.
func (s *Store) ListExistingTopics(ctx context.Context, subject string) ([]string, error) {
	summaries, err := s.ListTopicSummaries(ctx, subject)
	if err != nil {
		return nil, err
	}
	topics := make([]string, len(summaries))
	for i, t := range summaries {
		topics[i] = t.Topic
	}
	return topics, nil
}

func (s *Store) ListTopicSummaries(ctx context.Context, subject string) ([]models.TopicSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT q.topic, COUNT(*)
		 FROM questions q
		 JOIN subjects sub ON sub.id = q.subject_id
		 WHERE sub.exam = $1 AND sub.name = $2
		 GROUP BY q.topic
		 ORDER BY COUNT(*) DESC, q.topic`,
		s.exam, subject,
	)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var topics []models.TopicSummary
	for rows.Next() {
		var t models.TopicSummary
		if err := rows.Scan(&t.Topic, &t.QuestionCount); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

func (s *Store) ListSubjects(ctx context.Context) ([]models.Subject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sub.id, sub.exam, sub.name, COUNT(q.id), sub.created_at
		 FROM subjects sub
		 LEFT JOIN questions q ON q.subject_id = sub.id
		 WHERE sub.exam = $1
		 GROUP BY sub.id
		 ORDER BY sub.name`,
		s.exam,
	)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []models.Subject
	for rows.Next() {
		var sub models.Subject
		if err := rows.Scan(&sub.ID, &sub.Exam, &sub.Name, &sub.QuestionCount, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		subjects = append(subjects, sub)
	}
	return subjects, rows.Err()
}

// ── Generation Runs ─────────────────────────────────────

const runCols = `id, subject, topic, target_count, status, made, attempts,
	scenario_count, recall_count, model_used, error_message, created_by,
	created_at, started_at, completed_at`

func scanRun(row interface{ Scan(...any) error }) (*models.GenerationRun, error) {
	var r models.GenerationRun
	err := row.Scan(&r.ID, &r.Subject, &r.Topic, &r.TargetCount, &r.Status, &r.Made, &r.Attempts,
		&r.ScenarioCount, &r.RecallCount, &r.ModelUsed, &r.ErrorMessage, &r.CreatedBy,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRun inserts a run row. Runs started from the CLI are created
// directly in the running state.
func (s *Store) CreateRun(ctx context.Context, id string, req models.CreateRunRequest, status models.RunStatus, createdBy *int64) (*models.GenerationRun, error) {
	var startedAt *time.Time
	if status == models.RunRunning {
		now := time.Now().UTC()
		startedAt = &now
	}
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`INSERT INTO generation_runs (id, subject, topic, target_count, status, created_by, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+runCols,
		id, req.Subject, nullString(req.Topic), req.Count, status, createdBy, startedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// ClaimPendingRuns moves up to limit pending runs to running and returns
// them. Concurrent workers never claim the same run.
func (s *Store) ClaimPendingRuns(ctx context.Context, limit int) ([]models.GenerationRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE generation_runs SET status = 'running', started_at = NOW()
		 WHERE id IN (
		     SELECT id FROM generation_runs
		     WHERE status = 'pending'
		     ORDER BY created_at ASC
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+runCols,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim pending runs: %w", err)
	}
	defer rows.Close()

	var runs []models.GenerationRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// FinishRun records the outcome of a run. report may be nil when the run
// failed before the scheduler produced one.
func (s *Store) FinishRun(ctx context.Context, id string, status models.RunStatus, report *scheduler.Report, modelUsed string, errMsg *string) error {
	var made, attempts, scenario, recall int
	if report != nil {
		made = report.Made
		attempts = report.Attempts
		scenario = report.BySubtype[models.SubtypeScenario]
		recall = report.BySubtype[models.SubtypeRecall]
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE generation_runs
		 SET status = $1, made = $2, attempts = $3, scenario_count = $4, recall_count = $5,
		     model_used = $6, error_message = $7, completed_at = NOW()
		 WHERE id = $8`,
		status, made, attempts, scenario, recall, nullString(modelUsed), errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*models.GenerationRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runCols+` FROM generation_runs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, status *models.RunStatus, limit, offset int) ([]models.GenerationRun, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+runCols+` FROM generation_runs WHERE status = $1
			 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			*status, limit, offset,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+runCols+` FROM generation_runs
			 ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			limit, offset,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []models.GenerationRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
