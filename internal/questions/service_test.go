package questions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqe-prep/backend/internal/config"
	"github.com/sqe-prep/backend/internal/generator"
	"github.com/sqe-prep/backend/internal/logger"
	"github.com/sqe-prep/backend/internal/models"
	"github.com/sqe-prep/backend/internal/retrieval"
	"github.com/sqe-prep/backend/internal/scheduler"
)

// ── fakes ──────────────────────────────────────────────

type savedBatch struct {
	meta    BatchMeta
	subject string
	topic   string
	batch   *generator.GeneratedBatch
}

type finishedRun struct {
	status models.RunStatus
	report *scheduler.Report
	model  string
	errMsg *string
}

type fakeStore struct {
	mu       sync.Mutex
	runs     map[string]*models.GenerationRun
	pending  []models.GenerationRun
	saved    []savedBatch
	finished map[string]finishedRun
	claimErr error
	subjects []models.Subject
	topics   []models.TopicSummary

	questions map[int64]*models.Question
	bank      []int64
	drills    map[string]*fakeDrill
	statsErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:      map[string]*models.GenerationRun{},
		finished:  map[string]finishedRun{},
		questions: map[int64]*models.Question{},
		drills:    map[string]*fakeDrill{},
	}
}

func (f *fakeStore) SaveBatch(_ context.Context, meta BatchMeta, subject, topic string, batch *generator.GeneratedBatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, savedBatch{meta: meta, subject: subject, topic: topic, batch: batch})
	return nil
}

func (f *fakeStore) ListExistingTopics(context.Context, string) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) ListTopicSummaries(context.Context, string) ([]models.TopicSummary, error) {
	return f.topics, nil
}

func (f *fakeStore) ListSubjects(context.Context) ([]models.Subject, error) {
	return f.subjects, nil
}

func (f *fakeStore) GetQuestion(_ context.Context, id int64) (*models.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.questions[id]; ok {
		return q, nil
	}
	if id == 7 {
		return &models.Question{ID: 7, Stem: "Which is correct?"}, nil
	}
	return nil, ErrNotFound
}

func (f *fakeStore) CreateRun(_ context.Context, id string, req models.CreateRunRequest, status models.RunStatus, createdBy *int64) (*models.GenerationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := &models.GenerationRun{
		ID:          id,
		Subject:     req.Subject,
		TargetCount: req.Count,
		Status:      status,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now(),
	}
	if req.Topic != "" {
		topic := req.Topic
		run.Topic = &topic
	}
	f.runs[id] = run
	return run, nil
}

func (f *fakeStore) ClaimPendingRuns(_ context.Context, limit int) ([]models.GenerationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	n := min(limit, len(f.pending))
	claimed := f.pending[:n]
	f.pending = f.pending[n:]
	return claimed, nil
}

func (f *fakeStore) FinishRun(_ context.Context, id string, status models.RunStatus, report *scheduler.Report, modelUsed string, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[id] = finishedRun{status: status, report: report, model: modelUsed, errMsg: errMsg}
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, id string) (*models.GenerationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[id]; ok {
		return r, nil
	}
	return nil, ErrNotFound
}

func (f *fakeStore) ListRuns(context.Context, *models.RunStatus, int, int) ([]models.GenerationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.GenerationRun{}
	for _, r := range f.runs {
		out = append(out, *r)
	}
	return out, nil
}

type fakeRetriever struct {
	perQuery int
	err      error
}

func (f *fakeRetriever) Search(_ context.Context, _ string, query string, topK int) ([]retrieval.Fragment, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := min(f.perQuery, topK)
	out := make([]retrieval.Fragment, n)
	for i := range out {
		out[i] = retrieval.Fragment{SourceID: query + ".pdf", Page: 1, Index: i, Text: fmt.Sprintf("%s rule %d", query, i)}
	}
	return out, nil
}

func newTestService(t *testing.T, store *fakeStore, ret scheduler.Retriever) (*Service, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Audit.Dir = t.TempDir()
	cfg.Server.WorkerBatch = 2
	log := logger.Nop()
	gen := generator.New(generator.NewMockClient(), "mock", cfg.Scheduler.Exam, log)
	return NewService(store, ret, gen, nil, cfg, log), cfg
}

// ── tests ──────────────────────────────────────────────

func TestValidateRunRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     models.CreateRunRequest
		wantErr bool
	}{
		{"valid", models.CreateRunRequest{Subject: "Contract", Count: 4}, false},
		{"trims subject", models.CreateRunRequest{Subject: "  Tort ", Count: 1}, false},
		{"blank subject", models.CreateRunRequest{Subject: "  ", Count: 4}, true},
		{"zero count", models.CreateRunRequest{Subject: "Contract", Count: 0}, true},
		{"too many", models.CreateRunRequest{Subject: "Contract", Count: MaxRunCount + 1}, true},
		{"at cap", models.CreateRunRequest{Subject: "Contract", Count: MaxRunCount}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := ValidateRunRequest(&req)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, strings.TrimSpace(tt.req.Subject), req.Subject)
		})
	}
}

func TestQueueRun(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(t, store, &fakeRetriever{perQuery: 30})
	uid := int64(3)

	run, err := svc.QueueRun(context.Background(), models.CreateRunRequest{Subject: " Contract ", Topic: "Offer", Count: 4}, &uid)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, run.Status)
	assert.Equal(t, "Contract", run.Subject)
	assert.Equal(t, &uid, run.CreatedBy)
	assert.Len(t, run.ID, 36)

	_, err = svc.QueueRun(context.Background(), models.CreateRunRequest{Subject: "Contract"}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Len(t, store.runs, 1)
}

func TestRunNow_Completes(t *testing.T) {
	store := newFakeStore()
	svc, cfg := newTestService(t, store, &fakeRetriever{perQuery: 30})

	report, err := svc.RunNow(context.Background(), models.CreateRunRequest{Subject: "Contract", Topic: "Offer", Count: 4})
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.True(t, report.Complete)
	assert.Equal(t, 4, report.Made)
	assert.Equal(t, []string{"Offer"}, report.Topics)

	require.Len(t, store.saved, 4)
	for _, s := range store.saved {
		require.NotNil(t, s.meta.RunID)
		assert.Equal(t, report.RunID, *s.meta.RunID)
		assert.Equal(t, "mock", s.meta.ModelUsed)
		assert.Equal(t, "Offer", s.topic)
	}

	fin, ok := store.finished[report.RunID]
	require.True(t, ok)
	assert.Equal(t, models.RunCompleted, fin.status)
	assert.Nil(t, fin.errMsg)
	assert.Equal(t, "mock", fin.model)

	assert.FileExists(t, filepath.Join(cfg.Audit.Dir, report.RunID+".jsonl"))
	assert.FileExists(t, filepath.Join(cfg.Audit.Dir, report.RunID+".summary.json"))
}

func TestExecuteRun_PartialWhenContextRunsOut(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(t, store, &fakeRetriever{perQuery: 0})

	report, err := svc.RunNow(context.Background(), models.CreateRunRequest{Subject: "Contract", Topic: "Offer", Count: 2})
	require.NoError(t, err)
	assert.False(t, report.Complete)
	assert.Equal(t, 0, report.Made)
	assert.Equal(t, report.Budget, report.Skips[scheduler.ContextExhausted])
	assert.Equal(t, models.RunPartial, store.finished[report.RunID].status)
}

func TestExecuteRun_FailedOnServiceError(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(t, store, &fakeRetriever{err: errors.New("index offline")})

	report, err := svc.RunNow(context.Background(), models.CreateRunRequest{Subject: "Contract", Topic: "Offer", Count: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, scheduler.ErrServiceFailure)
	require.NotNil(t, report)

	fin := store.finished[report.RunID]
	assert.Equal(t, models.RunFailed, fin.status)
	require.NotNil(t, fin.errMsg)
	assert.Contains(t, *fin.errMsg, "index offline")
}

func TestExecuteRun_TranscriptFailureIsNotFatal(t *testing.T) {
	store := newFakeStore()
	svc, cfg := newTestService(t, store, &fakeRetriever{perQuery: 30})
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.Audit.Dir = filepath.Join(blocker, "audit")

	report, err := svc.RunNow(context.Background(), models.CreateRunRequest{Subject: "Contract", Topic: "Offer", Count: 1})
	require.NoError(t, err)
	assert.True(t, report.Complete)
}

func TestProcessPending(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(t, store, &fakeRetriever{perQuery: 30})

	for i := 0; i < 3; i++ {
		run, err := store.CreateRun(context.Background(), fmt.Sprintf("run-%d", i),
			models.CreateRunRequest{Subject: "Contract", Topic: "Offer", Count: 1}, models.RunPending, nil)
		require.NoError(t, err)
		store.pending = append(store.pending, *run)
	}

	assert.Equal(t, 2, svc.ProcessPending(context.Background()))
	assert.Equal(t, 1, svc.ProcessPending(context.Background()))
	assert.Equal(t, 0, svc.ProcessPending(context.Background()))
	assert.Len(t, store.finished, 3)
	for id, fin := range store.finished {
		assert.Equal(t, models.RunCompleted, fin.status, id)
	}

	store.claimErr = errors.New("db down")
	assert.Equal(t, 0, svc.ProcessPending(context.Background()))
}

func TestStartRunWorker_StopsOnCancel(t *testing.T) {
	store := newFakeStore()
	svc, cfg := newTestService(t, store, &fakeRetriever{perQuery: 30})
	cfg.Server.WorkerInterval = 5 * time.Millisecond

	run, err := store.CreateRun(context.Background(), "run-w", models.CreateRunRequest{Subject: "Contract", Topic: "Offer", Count: 1}, models.RunPending, nil)
	require.NoError(t, err)
	store.pending = append(store.pending, *run)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.StartRunWorker(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, ok := store.finished["run-w"]
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestFinalStatus(t *testing.T) {
	assert.Equal(t, models.RunFailed, finalStatus(&scheduler.Report{Complete: true}, errors.New("x")))
	assert.Equal(t, models.RunCompleted, finalStatus(&scheduler.Report{Complete: true}, nil))
	assert.Equal(t, models.RunPartial, finalStatus(&scheduler.Report{}, nil))
	assert.Equal(t, models.RunFailed, finalStatus(nil, context.Canceled))
}
