package questions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sqe-prep/backend/internal/audit"
	"github.com/sqe-prep/backend/internal/config"
	"github.com/sqe-prep/backend/internal/generator"
	"github.com/sqe-prep/backend/internal/logger"
	"github.com/sqe-prep/backend/internal/models"
	"github.com/sqe-prep/backend/internal/scheduler"
)

// MaxRunCount caps the number of items a single run may request.
const MaxRunCount = 500

// ErrInvalidRequest marks a run request rejected before any work starts.
var ErrInvalidRequest = errors.New("invalid run request")

// runStore is the part of *Store the service needs.
type runStore interface {
	SaveBatch(ctx context.Context, meta BatchMeta, subject, topic string, batch *generator.GeneratedBatch) error
	ListExistingTopics(ctx context.Context, subject string) ([]string, error)
	ListTopicSummaries(ctx context.Context, subject string) ([]models.TopicSummary, error)
	ListSubjects(ctx context.Context) ([]models.Subject, error)
	GetQuestion(ctx context.Context, questionID int64) (*models.Question, error)
	CreateRun(ctx context.Context, id string, req models.CreateRunRequest, status models.RunStatus, createdBy *int64) (*models.GenerationRun, error)
	ClaimPendingRuns(ctx context.Context, limit int) ([]models.GenerationRun, error)
	FinishRun(ctx context.Context, id string, status models.RunStatus, report *scheduler.Report, modelUsed string, errMsg *string) error
	GetRun(ctx context.Context, id string) (*models.GenerationRun, error)
	ListRuns(ctx context.Context, status *models.RunStatus, limit, offset int) ([]models.GenerationRun, error)
}

// serviceStore is everything the service reads and writes.
type serviceStore interface {
	runStore
	drillStore
}

type Service struct {
	store     serviceStore
	retriever scheduler.Retriever
	generator *generator.Generator
	verifier  *generator.Verifier
	cfg       *config.Config
	log       *logger.Logger
	now       func() time.Time
}

// NewService wires the run and drill service. verifier may be nil.
func NewService(store serviceStore, retriever scheduler.Retriever, gen *generator.Generator, verifier *generator.Verifier, cfg *config.Config, log *logger.Logger) *Service {
	log = log.With("component", "runs")
	log.Info("run service ready",
		"model", gen.ModelName(),
		"verify", verifier != nil,
		"ratio", cfg.Scheduler.Ratio,
		"per_question", cfg.Scheduler.PerQuestion,
	)
	return &Service{
		store:     store,
		retriever: retriever,
		generator: gen,
		verifier:  verifier,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// ValidateRunRequest trims and checks a request in place.
func ValidateRunRequest(req *models.CreateRunRequest) error {
	req.Subject = strings.TrimSpace(req.Subject)
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidRequest)
	}
	if req.Count < 1 || req.Count > MaxRunCount {
		return fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidRequest, MaxRunCount)
	}
	return nil
}

// ── Run Lifecycle ───────────────────────────────────────

// QueueRun records a pending run for the background worker.
func (s *Service) QueueRun(ctx context.Context, req models.CreateRunRequest, createdBy *int64) (*models.GenerationRun, error) {
	if err := ValidateRunRequest(&req); err != nil {
		return nil, err
	}
	run, err := s.store.CreateRun(ctx, uuid.NewString(), req, models.RunPending, createdBy)
	if err != nil {
		return nil, err
	}
	s.log.Info("run queued", "run_id", run.ID, "subject", run.Subject, "count", run.TargetCount)
	return run, nil
}

// RunNow creates a run and executes it in the caller's goroutine.
func (s *Service) RunNow(ctx context.Context, req models.CreateRunRequest) (*scheduler.Report, error) {
	if err := ValidateRunRequest(&req); err != nil {
		return nil, err
	}
	run, err := s.store.CreateRun(ctx, uuid.NewString(), req, models.RunRunning, nil)
	if err != nil {
		return nil, err
	}
	return s.ExecuteRun(ctx, *run)
}

// ExecuteRun drives the scheduler for a run that is already marked running,
// then records the outcome. The returned error is the scheduler's.
func (s *Service) ExecuteRun(ctx context.Context, run models.GenerationRun) (*scheduler.Report, error) {
	log := s.log.With("run_id", run.ID, "subject", run.Subject)
	topic := ""
	if run.Topic != nil {
		topic = *run.Topic
	}

	gen := s.generator
	transcript, err := audit.NewTranscript(s.cfg.Audit.Dir, run.ID, map[string]any{
		"subject": run.Subject,
		"topic":   topic,
		"target":  run.TargetCount,
		"model":   gen.ModelName(),
	})
	if err != nil {
		log.Warn("transcript disabled", "error", err)
	} else {
		gen = gen.WithTranscript(transcript)
		defer transcript.Close()
	}

	runID := run.ID
	persister := &runPersister{store: s.store, meta: BatchMeta{RunID: &runID, ModelUsed: gen.ModelName()}}
	sched := scheduler.New(s.cfg.Scheduler, s.deps(gen, persister), s.log)

	report, runErr := sched.Run(ctx, scheduler.RunRequest{
		RunID:   run.ID,
		Subject: run.Subject,
		Topic:   topic,
		Count:   run.TargetCount,
	})

	status := finalStatus(report, runErr)
	if report != nil {
		if path, err := audit.WriteSummary(s.cfg.Audit.Dir, report, string(status), gen.ModelName(), runErr); err != nil {
			log.Warn("write run summary", "error", err)
		} else {
			log.Debug("run summary written", "path", path)
		}
	}

	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}
	// record the outcome even when ctx was cancelled
	if err := s.store.FinishRun(context.WithoutCancel(ctx), run.ID, status, report, gen.ModelName(), errMsg); err != nil {
		log.Error("record run outcome", "status", status, "error", err)
	}

	log.Info("run finished", "status", status)
	return report, runErr
}

func (s *Service) deps(gen *generator.Generator, p scheduler.Persister) scheduler.Deps {
	deps := scheduler.Deps{Retriever: s.retriever, Generator: gen, Persister: p}
	if s.verifier != nil {
		deps.Verifier = s.verifier
	}
	return deps
}

func finalStatus(report *scheduler.Report, err error) models.RunStatus {
	switch {
	case err != nil:
		return models.RunFailed
	case report != nil && report.Complete:
		return models.RunCompleted
	default:
		return models.RunPartial
	}
}

// runPersister tags every stored batch with its run.
type runPersister struct {
	store runStore
	meta  BatchMeta
}

func (p *runPersister) InsertBatch(ctx context.Context, subject, topic string, batch *generator.GeneratedBatch) error {
	return p.store.SaveBatch(ctx, p.meta, subject, topic, batch)
}

func (p *runPersister) ListExistingTopics(ctx context.Context, subject string) ([]string, error) {
	return p.store.ListExistingTopics(ctx, subject)
}

// ── Background Worker ───────────────────────────────────

// StartRunWorker claims and executes pending runs until ctx is done.
func (s *Service) StartRunWorker(ctx context.Context) {
	interval := s.cfg.Server.WorkerInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("run worker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("run worker stopping")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

// ProcessPending runs one claim-and-execute cycle and returns the number of
// runs it executed.
func (s *Service) ProcessPending(ctx context.Context) int {
	limit := s.cfg.Server.WorkerBatch
	if limit <= 0 {
		limit = 1
	}
	runs, err := s.store.ClaimPendingRuns(ctx, limit)
	if err != nil {
		s.log.Error("claim pending runs", "error", err)
		return 0
	}

	done := 0
	for _, run := range runs {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.ExecuteRun(ctx, run); err != nil {
			s.log.Warn("run failed", "run_id", run.ID, "error", err)
		}
		done++
	}
	return done
}

// ── Queries ─────────────────────────────────────────────

func (s *Service) GetRun(ctx context.Context, id string) (*models.GenerationRun, error) {
	return s.store.GetRun(ctx, id)
}

func (s *Service) ListRuns(ctx context.Context, status *models.RunStatus, limit, offset int) ([]models.GenerationRun, error) {
	return s.store.ListRuns(ctx, status, limit, offset)
}

func (s *Service) ListSubjects(ctx context.Context) ([]models.Subject, error) {
	return s.store.ListSubjects(ctx)
}

func (s *Service) ListTopics(ctx context.Context, subject string) ([]models.TopicSummary, error) {
	return s.store.ListTopicSummaries(ctx, subject)
}

func (s *Service) GetQuestion(ctx context.Context, id int64) (*models.Question, error) {
	return s.store.GetQuestion(ctx, id)
}
