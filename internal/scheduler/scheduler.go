package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/sqe-prep/backend/internal/config"
	"github.com/sqe-prep/backend/internal/generator"
	"github.com/sqe-prep/backend/internal/logger"
	"github.com/sqe-prep/backend/internal/models"
	"github.com/sqe-prep/backend/internal/retrieval"
)

// ItemGenerator is the generation collaborator.
type ItemGenerator interface {
	GenerateItem(ctx context.Context, req generator.ItemRequest) (*generator.GeneratedBatch, *generator.LLMResponse, error)
	DiscoverTopics(ctx context.Context, subject string, hints []string, max int) ([]string, error)
}

// Persister stores accepted items. Each InsertBatch call is committed on
// its own so an aborted run leaves a consistent prefix.
type Persister interface {
	InsertBatch(ctx context.Context, subject, topic string, batch *generator.GeneratedBatch) error
	ListExistingTopics(ctx context.Context, subject string) ([]string, error)
}

// Verifier answers an item blind. Optional.
type Verifier interface {
	Verify(ctx context.Context, item generator.GeneratedItem, excerpts []generator.ContextExcerpt) (*generator.VerificationResult, error)
}

type Deps struct {
	Retriever Retriever
	Generator ItemGenerator
	Persister Persister
	Verifier  Verifier
}

type RunRequest struct {
	RunID   string
	Subject string
	Topic   string
	Count   int
}

type Report struct {
	RunID      string                 `json:"run_id"`
	Subject    string                 `json:"subject"`
	Topics     []string               `json:"topics"`
	Target     int                    `json:"target"`
	Made       int                    `json:"made"`
	Attempts   int                    `json:"attempts"`
	Budget     int                    `json:"budget"`
	BySubtype  map[models.Subtype]int `json:"by_subtype"`
	Skips      map[SkipReason]int     `json:"skips"`
	Complete   bool                   `json:"complete"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// Scheduler drives generation runs. It holds no per-run state; each Run
// builds a fresh RunState.
type Scheduler struct {
	cfg    config.SchedulerConfig
	sizing PoolSizing
	deps   Deps
	log    *logger.Logger
}

func New(cfg config.SchedulerConfig, deps Deps, log *logger.Logger) *Scheduler {
	if cfg.PerQuestion <= 0 {
		cfg.PerQuestion = 3
	}
	if cfg.Ratio <= 0 || cfg.Ratio > 1 {
		cfg.Ratio = 0.8
	}
	if cfg.AttemptMultiplier <= 0 {
		cfg.AttemptMultiplier = 6
	}
	if cfg.FallbackTopic == "" {
		cfg.FallbackTopic = "General"
	}
	if cfg.Exam == "" {
		cfg.Exam = "SQE1"
	}

	sizing := DefaultPoolSizing
	if cfg.PoolMin > 0 {
		sizing.Min = cfg.PoolMin
	}
	if cfg.PoolMax > 0 {
		sizing.Max = cfg.PoolMax
	}
	if cfg.PoolHeadroom > 0 {
		sizing.Headroom = cfg.PoolHeadroom
	}

	return &Scheduler{cfg: cfg, sizing: sizing, deps: deps, log: log.With("component", "scheduler")}
}

// run is the read-only context of one Run call.
type run struct {
	id     string
	req    RunRequest
	topics []string
	pools  *PoolManager
	hints  []string
	hinted bool
	log    *logger.Logger

	// inferTopics is set when the topic list is the catch-all fallback.
	inferTopics bool
}

// Run generates up to req.Count items. A shortfall is reported in the
// Report, not as an error. Collaborator failures abort with an error
// matching ErrServiceFailure; the partial Report is returned alongside.
func (s *Scheduler) Run(ctx context.Context, req RunRequest) (*Report, error) {
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		return nil, fmt.Errorf("run: subject is required")
	}
	if req.Count < 1 {
		return nil, fmt.Errorf("run: count must be at least 1, got %d", req.Count)
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	r := &run{id: req.RunID, req: req, log: s.log.With("run_id", req.RunID, "subject", req.Subject)}
	state := NewRunState()
	budget := req.Count * s.cfg.AttemptMultiplier
	report := &Report{
		RunID:     req.RunID,
		Subject:   req.Subject,
		Target:    req.Count,
		Budget:    budget,
		StartedAt: time.Now().UTC(),
	}

	selector := NewTopicSelector(s.deps.Generator, s.deps.Persister, s.cfg.MaxTopics, s.cfg.FallbackTopic, r.log)
	topics, fallback, err := selector.Select(ctx, req.Subject, req.Topic)
	if err != nil {
		return s.finish(report, state), err
	}
	r.topics = topics
	r.inferTopics = fallback
	report.Topics = topics

	targetForTopic := int(math.Ceil(float64(req.Count) / float64(len(topics))))
	size := s.sizing.Size(s.cfg.PerQuestion, targetForTopic)
	r.pools = NewPoolManager(s.deps.Retriever, req.Subject, size, r.log)
	r.log.Info("run started", "topics", len(topics), "target", req.Count, "budget", budget, "pool_size", size)

	if err := r.pools.Prefetch(ctx, state, topics, s.cfg.PrefetchConcurrency); err != nil {
		return s.finish(report, state), s.abort(ctx, "prefetch pools", err)
	}

	for state.Made < req.Count && state.Attempts < budget {
		if err := ctx.Err(); err != nil {
			return s.finish(report, state), err
		}

		topic := state.NextTopic(topics)
		outcome, err := s.turn(ctx, r, state, topic)
		if err != nil {
			r.log.Error("run aborted", "topic", topic, "attempt", state.Attempts+1, "error", err)
			return s.finish(report, state), err
		}

		switch o := outcome.(type) {
		case *Accepted:
			state.Stems.Accept(o.Item.Stem)
			state.Record(models.Subtype(o.Item.Subtype), o.Item.Stem)
			r.log.Info("item accepted",
				"topic", o.Topic,
				"subtype", o.Item.Subtype,
				"made", state.Made,
				"attempt", state.Attempts+1,
			)
		case *Skipped:
			state.Skips[o.Reason]++
			r.log.Warn("turn skipped",
				"topic", o.Topic,
				"reason", o.Reason,
				"detail", o.Detail,
				"attempt", state.Attempts+1,
			)
		}
		state.Advance(outcome, s.cfg.BurnRejectedContext)
	}

	report = s.finish(report, state)
	if report.Complete {
		r.log.Info("run complete", "made", report.Made, "attempts", report.Attempts)
	} else {
		r.log.Warn("attempt budget exhausted", "made", report.Made, "target", report.Target, "attempts", report.Attempts)
	}
	return report, nil
}

// turn runs BUNDLE_CONTEXT through PERSIST for one topic. It never touches
// counters; the caller advances state from the returned Outcome.
func (s *Scheduler) turn(ctx context.Context, r *run, state *RunState, topic string) (Outcome, error) {
	bundle, err := r.pools.Next(ctx, state, topic, s.cfg.PerQuestion)
	if err != nil {
		return nil, s.abort(ctx, "retrieve context", err)
	}
	if len(bundle) == 0 {
		return &Skipped{Topic: topic, Reason: ContextExhausted, Detail: "no unused fragments after refresh"}, nil
	}

	subtype := NextSubtype(state.Made, state.MadeBySubtype[models.SubtypeScenario], s.cfg.Ratio)
	req := generator.ItemRequest{
		Exam:       s.cfg.Exam,
		Subject:    r.req.Subject,
		Topic:      topic,
		Subtype:    subtype,
		Context:    Excerpts(bundle),
		AvoidStems: state.RecentStems(s.cfg.AvoidStems),
	}
	if r.inferTopics {
		hints, err := s.topicHints(ctx, r)
		if err != nil {
			return nil, err
		}
		req.InferTopic = true
		req.TopicHints = hints
	}

	batch, _, err := s.deps.Generator.GenerateItem(ctx, req)
	switch {
	case errors.Is(err, generator.ErrEmptyResult):
		return &Skipped{Topic: topic, Reason: EmptyResult, Detail: err.Error(), Bundle: bundle}, nil
	case errors.Is(err, generator.ErrMalformedResponse):
		return &Skipped{Topic: topic, Reason: MalformedResponse, Detail: err.Error(), Bundle: bundle}, nil
	case err != nil:
		return nil, s.abort(ctx, "generate item", err)
	}

	item := batch.Questions[0]
	if state.Stems.Seen(item.Stem) {
		return &Skipped{Topic: topic, Reason: DuplicateStem, Detail: truncate(item.Stem, 80), Bundle: bundle}, nil
	}

	if s.deps.Verifier != nil {
		res, err := s.deps.Verifier.Verify(ctx, item, req.Context)
		if err != nil {
			return nil, s.abort(ctx, "verify item", err)
		}
		if !res.Matches {
			detail := fmt.Sprintf("keyed %s, verifier chose %s", generator.OptionLabel(res.ExpectedIndex), generator.OptionLabel(res.SelectedIndex))
			return &Skipped{Topic: topic, Reason: Unverified, Detail: detail, Bundle: bundle}, nil
		}
	}

	if len(item.Citations) == 0 {
		item.Citations = citations(bundle)
	}
	item.Subtype = string(subtype)

	persistTopic := topic
	if req.InferTopic {
		if inferred := strings.TrimSpace(item.Topic); inferred != "" {
			persistTopic = inferred
		}
	}
	item.Topic = persistTopic

	if err := s.deps.Persister.InsertBatch(ctx, r.req.Subject, persistTopic, &generator.GeneratedBatch{
		Questions: []generator.GeneratedItem{item},
	}); err != nil {
		return nil, s.abort(ctx, "persist item", err)
	}

	return &Accepted{Topic: persistTopic, Item: item, Bundle: bundle}, nil
}

// topicHints loads existing topic labels once per run.
func (s *Scheduler) topicHints(ctx context.Context, r *run) ([]string, error) {
	if r.hinted {
		return r.hints, nil
	}
	hints, err := s.deps.Persister.ListExistingTopics(ctx, r.req.Subject)
	if err != nil {
		return nil, s.abort(ctx, "list existing topics", err)
	}
	r.hints = hints
	r.hinted = true
	return hints, nil
}

// abort returns ctx's error when the run was cancelled, otherwise a
// ServiceError.
func (s *Scheduler) abort(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return serviceError(op, err)
}

func (s *Scheduler) finish(report *Report, state *RunState) *Report {
	report.Made = state.Made
	report.Attempts = state.Attempts
	report.BySubtype = make(map[models.Subtype]int, len(state.MadeBySubtype))
	for k, v := range state.MadeBySubtype {
		report.BySubtype[k] = v
	}
	report.Skips = make(map[SkipReason]int, len(state.Skips))
	for k, v := range state.Skips {
		report.Skips[k] = v
	}
	report.Complete = state.Made >= report.Target
	report.FinishedAt = time.Now().UTC()
	return report
}

// Excerpts converts a bundle into prompt excerpts with citations.
func Excerpts(bundle []retrieval.Fragment) []generator.ContextExcerpt {
	out := make([]generator.ContextExcerpt, len(bundle))
	for i, f := range bundle {
		out[i] = generator.ContextExcerpt{Citation: f.Citation(), Text: f.Text}
	}
	return out
}

func citations(bundle []retrieval.Fragment) []string {
	out := make([]string, len(bundle))
	for i, f := range bundle {
		out[i] = f.Citation()
	}
	return out
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
