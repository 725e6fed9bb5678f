// Package audit writes the per-run artifacts kept next to the database: a
// JSON-lines transcript of every model exchange and a run summary.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sqe-prep/backend/internal/generator"
	"github.com/sqe-prep/backend/internal/scheduler"
)

// Transcript records prompt/response exchanges of one run to
// <dir>/<runID>.jsonl. It is safe for concurrent use.
type Transcript struct {
	mu     sync.Mutex
	file   *os.File
	log    *zap.Logger
	path   string
	closed bool
}

func NewTranscript(dir, runID string, fields map[string]any) (*Transcript, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	path := filepath.Join(dir, runID+".jsonl")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), zapcore.DebugLevel)

	t := &Transcript{file: file, path: path, log: zap.New(core).With(zap.String("run_id", runID))}

	header := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		header = append(header, zap.Any(k, v))
	}
	t.log.Info("run started", header...)
	return t, nil
}

func (t *Transcript) Path() string {
	return t.path
}

// LogExchange implements generator.Transcript.
func (t *Transcript) LogExchange(kind, systemPrompt, userPrompt string, resp *generator.LLMResponse, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	fields := []zap.Field{
		zap.String("kind", kind),
		zap.String("system_prompt", systemPrompt),
		zap.String("user_prompt", userPrompt),
	}
	if resp != nil {
		fields = append(fields,
			zap.String("response", resp.Content),
			zap.Int("prompt_tokens", resp.PromptTokens),
			zap.Int("output_tokens", resp.OutputTokens),
		)
	}
	if err != nil {
		t.log.Error("exchange failed", append(fields, zap.Error(err))...)
		return
	}
	t.log.Info("exchange", fields...)
}

// Close writes a closing entry and closes the file. Further exchanges are dropped.
func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.log.Info("run finished")
	_ = t.log.Sync()
	return t.file.Close()
}

// Summary is the JSON document written at the end of a run.
type Summary struct {
	*scheduler.Report
	Status      string  `json:"status"`
	Model       string  `json:"model"`
	Error       string  `json:"error,omitempty"`
	DurationSec float64 `json:"duration_sec"`
}

// WriteSummary writes <dir>/<runID>.summary.json and returns its path.
func WriteSummary(dir string, report *scheduler.Report, status, model string, runErr error) (string, error) {
	if report == nil {
		return "", fmt.Errorf("write summary: nil report")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create audit directory: %w", err)
	}

	finished := report.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	s := Summary{
		Report:      report,
		Status:      status,
		Model:       model,
		DurationSec: finished.Sub(report.StartedAt).Seconds(),
	}
	if runErr != nil {
		s.Error = runErr.Error()
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	path := filepath.Join(dir, report.RunID+".summary.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	return path, nil
}
