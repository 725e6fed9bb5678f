package questions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sqe-prep/backend/internal/models"
)

// drillStore is the part of *Store behind learner drills and KPIs.
type drillStore interface {
	CreateDrill(ctx context.Context, id string, userID int64, req models.CreateDrillRequest) (*models.DrillSession, error)
	GetDrill(ctx context.Context, id string, userID int64) (*models.DrillSession, error)
	NextDrillItem(ctx context.Context, sessionID string) (*models.DrillItem, error)
	RecordDrillAnswer(ctx context.Context, sessionID string, req models.DrillAnswerRequest, correct bool) error
	FinishDrill(ctx context.Context, sessionID string) (*models.DrillSummary, error)
	ListDrillItems(ctx context.Context, sessionID string) ([]models.DrillItem, error)
	AnswerStats(ctx context.Context, userID int64, since time.Time) (attempted, correct int, err error)
	ActiveDays(ctx context.Context, userID int64, since time.Time) ([]time.Time, error)
}

// maxStreakDays bounds the streak walk to the year of history loaded.
const maxStreakDays = 366

const dayLayout = "2006-01-02"

// ── Drill Sessions ──────────────────────────────────────

// StartDrill samples unseen questions into a new session for userID.
func (s *Service) StartDrill(ctx context.Context, userID int64, req models.CreateDrillRequest) (*models.DrillSession, error) {
	req.Subject = strings.TrimSpace(req.Subject)
	maxLen := s.cfg.Drills.MaxLength
	if maxLen <= 0 {
		maxLen = 200
	}
	if req.Length < 1 || req.Length > maxLen {
		return nil, fmt.Errorf("%w: length must be between 1 and %d", ErrInvalidRequest, maxLen)
	}

	session, err := s.store.CreateDrill(ctx, uuid.NewString(), userID, req)
	if err != nil {
		return nil, err
	}
	s.log.Info("drill started", "drill_id", session.ID, "user_id", userID, "subject", req.Subject, "length", session.Total)
	return session, nil
}

// NextDrill serves the next unanswered question, or the summary once the
// session is complete. The first summary request stamps the session finished.
func (s *Service) NextDrill(ctx context.Context, userID int64, sessionID string) (*models.DrillNext, error) {
	session, err := s.store.GetDrill(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	item, err := s.store.NextDrillItem(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		summary, err := s.store.FinishDrill(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return &models.DrillNext{Done: true, Summary: summary}, nil
	}
	if err != nil {
		return nil, err
	}

	q, err := s.store.GetQuestion(ctx, item.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("load drill question %d: %w", item.QuestionID, err)
	}
	return &models.DrillNext{
		Progress: &models.DrillProgress{Index: item.OrderIndex, Total: session.Total},
		Question: drillQuestion(q),
	}, nil
}

// AnswerDrill scores an answer against the stored key. Each item can be
// answered once.
func (s *Service) AnswerDrill(ctx context.Context, userID int64, sessionID string, req models.DrillAnswerRequest) (*models.DrillAnswerResponse, error) {
	if _, err := s.store.GetDrill(ctx, sessionID, userID); err != nil {
		return nil, err
	}

	q, err := s.store.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		return nil, err
	}
	if req.AnswerIndex < 0 || req.AnswerIndex >= len(q.Choices) {
		return nil, fmt.Errorf("%w: answer_index must be between 0 and %d", ErrInvalidRequest, len(q.Choices)-1)
	}
	req.ElapsedMs = max(req.ElapsedMs, 0)

	key := answerKey(q)
	correct := req.AnswerIndex == key
	if err := s.store.RecordDrillAnswer(ctx, sessionID, req, correct); err != nil {
		return nil, err
	}

	return &models.DrillAnswerResponse{
		Correct:      correct,
		CorrectIndex: key,
		Explanation:  q.CorrectRationale,
	}, nil
}

// ReviewDrill returns the answered items of a session with their full
// questions, in session order.
func (s *Service) ReviewDrill(ctx context.Context, userID int64, sessionID string) ([]models.DrillReviewItem, error) {
	if _, err := s.store.GetDrill(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	items, err := s.store.ListDrillItems(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	review := []models.DrillReviewItem{}
	for _, it := range items {
		if it.AnsweredAt == nil {
			continue
		}
		q, err := s.store.GetQuestion(ctx, it.QuestionID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entry := models.DrillReviewItem{
			OrderIndex: it.OrderIndex,
			Question:   *q,
			AnsweredAt: *it.AnsweredAt,
			Correct:    it.IsCorrect != nil && *it.IsCorrect,
		}
		if it.UserAnswer != nil {
			entry.UserAnswer = *it.UserAnswer
		}
		if it.ElapsedMs != nil {
			entry.ElapsedMs = *it.ElapsedMs
		}
		review = append(review, entry)
	}
	return review, nil
}

func drillQuestion(q *models.Question) *models.DrillQuestion {
	out := &models.DrillQuestion{
		ID:        q.ID,
		Topic:     q.Topic,
		Subtype:   q.Subtype,
		Stem:      q.Stem,
		Options:   make([]models.DrillOption, len(q.Choices)),
		Citations: q.Citations,
	}
	for i, c := range q.Choices {
		out.Options[i] = models.DrillOption{Label: c.Label, Text: c.Text}
	}
	if out.Citations == nil {
		out.Citations = []string{}
	}
	return out
}

// answerKey is the position of the correct choice, or -1 if none is marked.
func answerKey(q *models.Question) int {
	for i, c := range q.Choices {
		if c.IsCorrect {
			return i
		}
	}
	return -1
}

// ── Learner KPIs ────────────────────────────────────────

// KPIs reports today's answer count, the trailing seven-day attempts and
// accuracy, and the current day streak. Days are UTC.
func (s *Service) KPIs(ctx context.Context, userID int64) (*models.KPIs, error) {
	now := s.now().UTC()
	today := now.Truncate(24 * time.Hour)

	answeredToday, _, err := s.store.AnswerStats(ctx, userID, today)
	if err != nil {
		return nil, err
	}
	attempted, correct, err := s.store.AnswerStats(ctx, userID, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	days, err := s.store.ActiveDays(ctx, userID, today.AddDate(0, 0, -(maxStreakDays - 1)))
	if err != nil {
		return nil, err
	}

	goal := s.cfg.Drills.WeeklyGoal
	if goal <= 0 {
		goal = 150
	}
	kpis := &models.KPIs{
		MCQsToday:  answeredToday,
		WeeklyGoal: models.WeeklyGoal{Attempted: attempted, Goal: goal},
		StreakDays: StreakDays(days, today),
	}
	if attempted > 0 {
		acc := int(math.Round(float64(correct*100) / float64(attempted)))
		kpis.Accuracy7d = &acc
	}
	return kpis, nil
}

// StreakDays counts consecutive active days ending on today. A day with no
// answers yet today means a streak of zero.
func StreakDays(active []time.Time, today time.Time) int {
	seen := make(map[string]bool, len(active))
	for _, d := range active {
		seen[d.Format(dayLayout)] = true
	}

	day := today.UTC().Truncate(24 * time.Hour)
	streak := 0
	for streak < maxStreakDays && seen[day.AddDate(0, 0, -streak).Format(dayLayout)] {
		streak++
	}
	return streak
}
