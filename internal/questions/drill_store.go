package questions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"

	"github.com/sqe-prep/backend/internal/models"
)

// ShortfallError reports that fewer unseen questions exist than a drill asked for.
type ShortfallError struct {
	Requested int
	Available int
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("only %d unseen questions available, %d requested", e.Available, e.Requested)
}

// ── Drill Sessions ──────────────────────────────────────

const drillCols = `id, user_id, subject, total, score, duration_sec, created_at, finished_at`

func scanDrill(row interface{ Scan(...any) error }) (*models.DrillSession, error) {
	var d models.DrillSession
	err := row.Scan(&d.ID, &d.UserID, &d.Subject, &d.Total, &d.Score, &d.DurationSec, &d.CreatedAt, &d.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDrill samples req.Length questions the user has never been served
// and stores them as a new session in random order. An empty subject
// samples across the whole bank.
func (s *Store) CreateDrill(ctx context.Context, id string, userID int64, req models.CreateDrillRequest) (*models.DrillSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT q.id
		 FROM questions q
		 JOIN subjects sub ON sub.id = q.subject_id
		 WHERE sub.exam = $1
		   AND ($2 = '' OR sub.name = $2)
		   AND NOT EXISTS (
		       SELECT 1 FROM drill_items di
		       JOIN drill_sessions ds ON ds.id = di.session_id
		       WHERE ds.user_id = $3 AND di.question_id = q.id
		   )
		 ORDER BY RANDOM()
		 LIMIT $4`,
		s.exam, req.Subject, userID, req.Length,
	)
	if err != nil {
		return nil, fmt.Errorf("sample questions: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var qid int64
		if err := rows.Scan(&qid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan question id: %w", err)
		}
		ids = append(ids, qid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sample questions: %w", err)
	}
	if len(ids) < req.Length {
		return nil, &ShortfallError{Requested: req.Length, Available: len(ids)}
	}

	session, err := scanDrill(tx.QueryRowContext(ctx,
		`INSERT INTO drill_sessions (id, user_id, subject, total)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+drillCols,
		id, userID, nullString(req.Subject), req.Length,
	))
	if err != nil {
		return nil, fmt.Errorf("insert drill session: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO drill_items (session_id, order_index, question_id)
		 SELECT $1, t.ord, t.qid
		 FROM unnest($2::bigint[]) WITH ORDINALITY AS t(qid, ord)`,
		id, pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("insert drill items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit drill: %w", err)
	}
	return session, nil
}

// GetDrill loads a session owned by userID. Other users' sessions are
// reported as ErrNotFound.
func (s *Store) GetDrill(ctx context.Context, id string, userID int64) (*models.DrillSession, error) {
	session, err := scanDrill(s.db.QueryRowContext(ctx,
		`SELECT `+drillCols+` FROM drill_sessions WHERE id = $1 AND user_id = $2`,
		id, userID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get drill: %w", err)
	}
	return session, nil
}

// NextDrillItem returns the lowest-ordered unanswered item, or ErrNotFound
// when every item has been answered.
func (s *Store) NextDrillItem(ctx context.Context, sessionID string) (*models.DrillItem, error) {
	item := models.DrillItem{SessionID: sessionID}
	err := s.db.QueryRowContext(ctx,
		`SELECT order_index, question_id
		 FROM drill_items
		 WHERE session_id = $1 AND answered_at IS NULL
		 ORDER BY order_index ASC
		 LIMIT 1`,
		sessionID,
	).Scan(&item.OrderIndex, &item.QuestionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next drill item: %w", err)
	}
	return &item, nil
}

// RecordDrillAnswer scores one unanswered item and refreshes the session
// score. It returns ErrNotFound when no unanswered item matches.
func (s *Store) RecordDrillAnswer(ctx context.Context, sessionID string, req models.DrillAnswerRequest, correct bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE drill_items
		 SET user_answer = $1, is_correct = $2, elapsed_ms = $3, answered_at = NOW()
		 WHERE session_id = $4 AND order_index = $5 AND question_id = $6 AND answered_at IS NULL`,
		req.AnswerIndex, correct, req.ElapsedMs, sessionID, req.OrderIndex, req.QuestionID,
	)
	if err != nil {
		return fmt.Errorf("record answer: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("record answer: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE drill_sessions
		 SET score = (SELECT COUNT(*) FROM drill_items WHERE session_id = $1 AND is_correct)
		 WHERE id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("update drill score: %w", err)
	}
	return tx.Commit()
}

// FinishDrill summarises a session and stamps it finished the first time
// it is called. Later calls return the same summary.
func (s *Store) FinishDrill(ctx context.Context, sessionID string) (*models.DrillSummary, error) {
	var (
		sum     models.DrillSummary
		totalMs int64
		avgMs   float64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE is_correct),
		        COALESCE(SUM(elapsed_ms), 0),
		        COALESCE(AVG(elapsed_ms), 0)
		 FROM drill_items WHERE session_id = $1`,
		sessionID,
	).Scan(&sum.Total, &sum.Correct, &totalMs, &avgMs)
	if err != nil {
		return nil, fmt.Errorf("summarise drill: %w", err)
	}
	sum.TotalTimeSec = roundCenti(float64(totalMs) / 1000)
	sum.AvgTimeSec = roundCenti(avgMs / 1000)

	_, err = s.db.ExecContext(ctx,
		`UPDATE drill_sessions
		 SET finished_at = NOW(), duration_sec = $2, score = $3
		 WHERE id = $1 AND finished_at IS NULL`,
		sessionID, int(math.Round(float64(totalMs)/1000)), sum.Correct,
	)
	if err != nil {
		return nil, fmt.Errorf("finish drill: %w", err)
	}
	return &sum, nil
}

// ListDrillItems returns every item of a session in order.
func (s *Store) ListDrillItems(ctx context.Context, sessionID string) ([]models.DrillItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, order_index, question_id, user_answer, is_correct, elapsed_ms, answered_at
		 FROM drill_items WHERE session_id = $1
		 ORDER BY order_index ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list drill items: %w", err)
	}
	defer rows.Close()

	var items []models.DrillItem
	for rows.Next() {
		var it models.DrillItem
		if err := rows.Scan(&it.SessionID, &it.OrderIndex, &it.QuestionID, &it.UserAnswer,
			&it.IsCorrect, &it.ElapsedMs, &it.AnsweredAt); err != nil {
			return nil, fmt.Errorf("scan drill item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ── Learner KPIs ────────────────────────────────────────

// AnswerStats counts the user's answered drill items since the given time.
func (s *Store) AnswerStats(ctx context.Context, userID int64, since time.Time) (attempted, correct int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE di.is_correct)
		 FROM drill_items di
		 JOIN drill_sessions ds ON ds.id = di.session_id
		 WHERE ds.user_id = $1 AND di.answered_at >= $2`,
		userID, since,
	).Scan(&attempted, &correct)
	if err != nil {
		return 0, 0, fmt.Errorf("answer stats: %w", err)
	}
	return attempted, correct, nil
}

// ActiveDays returns the distinct UTC dates on which the user answered at
// least one drill item since the given time.
func (s *Store) ActiveDays(ctx context.Context, userID int64, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT (di.answered_at AT TIME ZONE 'UTC')::date
		 FROM drill_items di
		 JOIN drill_sessions ds ON ds.id = di.session_id
		 WHERE ds.user_id = $1 AND di.answered_at >= $2`,
		userID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("active days: %w", err)
	}
	defer rows.Close()

	var days []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan day: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

func roundCenti(v float64) float64 {
	return math.Round(v*100) / 100
}
