package generator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sqe-prep/backend/internal/config"
	"github.com/sqe-prep/backend/internal/logger"
	"github.com/sqe-prep/backend/internal/models"
)

type stubLLM struct {
	content string
	err     error
	calls   int
	system  string
	user    string
}

func (s *stubLLM) Generate(_ context.Context, systemPrompt, userPrompt string) (*LLMResponse, error) {
	s.calls++
	s.system = systemPrompt
	s.user = userPrompt
	if s.err != nil {
		return nil, s.err
	}
	return &LLMResponse{Content: s.content, PromptTokens: 10, OutputTokens: 5}, nil
}

type recordingTranscript struct {
	kinds []string
	errs  []error
}

func (r *recordingTranscript) LogExchange(kind, _, _ string, _ *LLMResponse, err error) {
	r.kinds = append(r.kinds, kind)
	r.errs = append(r.errs, err)
}

func TestMockClient_ItemsParseAndDiffer(t *testing.T) {
	g := New(NewMockClient(), "mock", "SQE1", logger.Nop())
	req := ItemRequest{Subject: "Contract Law", Topic: "Formation: Offer", Subtype: models.SubtypeScenario}

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		batch, resp, err := g.GenerateItem(context.Background(), req)
		if err != nil {
			t.Fatalf("mock item %d did not parse: %v", i, err)
		}
		if resp == nil || resp.PromptTokens == 0 {
			t.Errorf("mock item %d: expected token usage", i)
		}
		q := batch.Questions[0]
		if q.Subtype != "scenario" {
			t.Errorf("expected subtype scenario, got %q", q.Subtype)
		}
		if !strings.Contains(q.Stem, "Formation: Offer") || !strings.Contains(q.Stem, "Contract Law") {
			t.Errorf("stem should name subject and topic, got %q", q.Stem)
		}
		if seen[q.Stem] {
			t.Errorf("mock stem repeated: %q", q.Stem)
		}
		seen[q.Stem] = true
		if q.Topic != "" {
			t.Errorf("topic should be empty without InferTopic, got %q", q.Topic)
		}
	}
}

func TestMockClient_InferTopic(t *testing.T) {
	g := New(NewMockClient(), "mock", "SQE1", logger.Nop())
	batch, _, err := g.GenerateItem(context.Background(), ItemRequest{
		Subject: "Land Law", Topic: "General", Subtype: models.SubtypeRecall, InferTopic: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := batch.Questions[0].Topic; got != "Land Law: Core Principles" {
		t.Errorf("expected inferred topic, got %q", got)
	}
}

func TestMockClient_Topics(t *testing.T) {
	g := New(NewMockClient(), "mock", "SQE1", logger.Nop())
	topics, err := g.DiscoverTopics(context.Background(), "Contract Law", nil, 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(topics) == 0 {
		t.Error("expected a topic list from the mock client")
	}
}

func TestMockClient_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockClient().Generate(ctx, "", ""); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestGenerateItem_ErrorClasses(t *testing.T) {
	transport := errors.New("connection reset")

	tests := []struct {
		name      string
		llm       *stubLLM
		want      error
		wantResp  bool
		notParsed bool
	}{
		{"transport", &stubLLM{err: transport}, transport, false, true},
		{"malformed", &stubLLM{content: "I cannot help with that."}, ErrMalformedResponse, true, false},
		{"empty", &stubLLM{content: `{"questions": []}`}, ErrEmptyResult, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.llm, "stub", "SQE1", logger.Nop())
			_, resp, err := g.GenerateItem(context.Background(), ItemRequest{Subject: "Tort", Topic: "Nuisance", Subtype: models.SubtypeRecall})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if (resp != nil) != tt.wantResp {
				t.Errorf("response presence = %v, want %v", resp != nil, tt.wantResp)
			}
			if tt.notParsed && (errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrEmptyResult)) {
				t.Error("transport error must not look like a parse failure")
			}
		})
	}
}

func TestGenerateItem_DefaultsExam(t *testing.T) {
	llm := &stubLLM{content: validBatchJSON(1)}
	g := New(llm, "stub", "SQE2", logger.Nop())
	if _, _, err := g.GenerateItem(context.Background(), ItemRequest{Subject: "Tort", Topic: "Nuisance", Subtype: models.SubtypeRecall}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(llm.system, "SQE2") || !strings.Contains(llm.user, "SQE2") {
		t.Error("request without exam should inherit the generator's exam")
	}
}

func TestWithTranscript(t *testing.T) {
	rec := &recordingTranscript{}
	base := New(&stubLLM{content: validBatchJSON(1)}, "stub", "SQE1", logger.Nop())
	g := base.WithTranscript(rec)

	if _, _, err := g.GenerateItem(context.Background(), ItemRequest{Subject: "Tort", Topic: "Nuisance", Subtype: models.SubtypeRecall}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.DiscoverTopics(context.Background(), "Tort", nil, 5); err == nil {
		t.Error("a question batch is not a topic list")
	}

	if len(rec.kinds) != 2 || rec.kinds[0] != "item" || rec.kinds[1] != "topics" {
		t.Errorf("unexpected transcript kinds %v", rec.kinds)
	}
	if base.transcript != nil {
		t.Error("WithTranscript must not modify the receiver")
	}
}

func TestNewGenerator_Providers(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.GeneratorConfig
		wantModel string
		wantErr   bool
	}{
		{"mock", config.GeneratorConfig{Provider: "mock"}, "mock", false},
		{"cli", config.GeneratorConfig{Provider: "cli"}, "claude-cli", false},
		{"anthropic without key", config.GeneratorConfig{Provider: "anthropic", Model: "claude-sonnet-4-5-20250929"}, "", true},
		{"anthropic", config.GeneratorConfig{Provider: "anthropic", Model: "claude-sonnet-4-5-20250929", APIKey: "sk-test"}, "claude-sonnet-4-5-20250929", false},
		{"openai without key", config.GeneratorConfig{Provider: "openai"}, "", true},
		{"azure without endpoint", config.GeneratorConfig{Provider: "azure", APIKey: "k"}, "", true},
		{"azure", config.GeneratorConfig{Provider: "azure", APIKey: "k", AzureEndpoint: "https://example.openai.azure.com", AzureDeployment: "gpt4o-prod"}, "azure:gpt4o-prod", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := NewGenerator(tt.cfg, "SQE1", logger.Nop())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if g.ModelName() != tt.wantModel {
				t.Errorf("model = %q, want %q", g.ModelName(), tt.wantModel)
			}
		})
	}
}
