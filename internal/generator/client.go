package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/sqe-prep/backend/internal/config"
	"github.com/sqe-prep/backend/internal/logger"
)

// LLMClient is the interface every model backend satisfies.
type LLMClient interface {
	Generate(ctx context.Context, systemPrompt string, userPrompt string) (*LLMResponse, error)
}

// LLMResponse holds the raw response content and token usage.
type LLMResponse struct {
	Content      string
	PromptTokens int
	OutputTokens int
}

// Transcript receives every prompt/response exchange of a run.
type Transcript interface {
	LogExchange(kind, systemPrompt, userPrompt string, resp *LLMResponse, err error)
}

// Generator wraps an LLMClient with the item and topic prompts.
type Generator struct {
	llm        LLMClient
	model      string
	exam       string
	transcript Transcript
	log        *logger.Logger
}

// NewGenerator picks the backend named by cfg.Provider.
func NewGenerator(cfg config.GeneratorConfig, exam string, log *logger.Logger) (*Generator, error) {
	var llm LLMClient
	model := cfg.Model

	switch cfg.Provider {
	case "cli":
		llm = NewCLIClient(cfg.CLIPath)
		model = "claude-cli"
	case "mock":
		llm = NewMockClient()
		model = "mock"
	case "openai", "azure":
		c, err := NewOpenAIClient(cfg)
		if err != nil {
			return nil, err
		}
		llm = c
		if cfg.Provider == "azure" {
			model = "azure:" + cfg.AzureDeployment
		}
	default:
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
		llm = NewAPIClient(cfg.APIKey, cfg.Model, cfg.MaxTokens, cfg.Temperature, log)
	}

	log.Info("generator ready", "provider", cfg.Provider, "model", model)
	return New(llm, model, exam, log), nil
}

func New(llm LLMClient, model, exam string, log *logger.Logger) *Generator {
	if exam == "" {
		exam = "SQE1"
	}
	return &Generator{llm: llm, model: model, exam: exam, log: log.With("component", "generator")}
}

func (g *Generator) ModelName() string {
	return g.model
}

func (g *Generator) LLM() LLMClient {
	return g.llm
}

// WithTranscript returns a copy of g that records exchanges to t.
func (g *Generator) WithTranscript(t Transcript) *Generator {
	cp := *g
	cp.transcript = t
	return &cp
}

func (g *Generator) call(ctx context.Context, kind, systemPrompt, userPrompt string) (*LLMResponse, error) {
	resp, err := g.llm.Generate(ctx, systemPrompt, userPrompt)
	if g.transcript != nil {
		g.transcript.LogExchange(kind, systemPrompt, userPrompt, resp, err)
	}
	return resp, err
}

// GenerateItem requests one question. Transport failures are returned as-is;
// parse failures wrap ErrMalformedResponse or ErrEmptyResult.
func (g *Generator) GenerateItem(ctx context.Context, req ItemRequest) (*GeneratedBatch, *LLMResponse, error) {
	if req.Exam == "" {
		req.Exam = g.exam
	}
	resp, err := g.call(ctx, "item", ItemSystemPrompt(req.Exam), BuildItemPrompt(req))
	if err != nil {
		return nil, nil, fmt.Errorf("generate item: %w", err)
	}

	batch, err := ParseResponse(resp.Content)
	if err != nil {
		return nil, resp, fmt.Errorf("parse item response: %w", err)
	}
	return batch, resp, nil
}

// DiscoverTopics asks the model for a topic list. The result is not
// deduplicated or truncated here.
func (g *Generator) DiscoverTopics(ctx context.Context, subject string, hints []string, max int) ([]string, error) {
	resp, err := g.call(ctx, "topics", TopicSystemPrompt(g.exam), BuildTopicPrompt(subject, hints, max))
	if err != nil {
		return nil, fmt.Errorf("discover topics: %w", err)
	}
	topics, err := ParseTopics(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parse topics response: %w", err)
	}
	return topics, nil
}

// ── APIClient (Anthropic SDK) ──────────────────────────────

type APIClient struct {
	client      *anthropic.Client
	model       string
	maxTokens   int
	temperature float64
	log         *logger.Logger
}

func NewAPIClient(apiKey, model string, maxTokens int, temperature float64, log *logger.Logger) *APIClient {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &APIClient{
		client:      &client,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		log:         log.With("client", "anthropic"),
	}
}

func (c *APIClient) Generate(ctx context.Context, systemPrompt string, userPrompt string) (*LLMResponse, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(c.maxTokens),
		Temperature: param.NewOpt(c.temperature),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}

	message, err := c.callWithRetry(ctx, params)
	if err != nil {
		return nil, err
	}

	var responseText string
	for _, block := range message.Content {
		if block.Type == "text" {
			responseText = block.Text
			break
		}
	}

	// an empty completion is a model-side failure, not a transport one
	return &LLMResponse{
		Content:      responseText,
		PromptTokens: int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}, nil
}

func (c *APIClient) callWithRetry(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			sleepDuration := time.Duration(1<<uint(attempt)) * time.Second
			c.log.Warn("retrying anthropic call", "in", sleepDuration, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(sleepDuration):
			}
		}

		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			return message, nil
		}
		lastErr = err
		c.log.Warn("anthropic call failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("anthropic API failed after retries: %w", lastErr)
}

// ── MockClient (local development) ─────────────────────────

// MockClient returns well-formed, distinct items and a fixed topic list so
// the whole pipeline can run offline.
type MockClient struct {
	seq atomic.Int64
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

var (
	mockTopicLine   = regexp.MustCompile(`(?m)^Topic: (.+)$`)
	mockSubjectLine = regexp.MustCompile(`(?m)^Subject: (.+)$`)
	mockSubtypeLine = regexp.MustCompile(`(?m)^Question type: (.+)$`)
)

func (m *MockClient) Generate(ctx context.Context, systemPrompt string, userPrompt string) (*LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.Contains(systemPrompt, "curriculum designer") {
		return &LLMResponse{
			Content:      `{"topics":["Formation: Offer","Formation: Acceptance","Consideration","Misrepresentation","Remedies: Damages"]}`,
			PromptTokens: 200,
			OutputTokens: 40,
		}, nil
	}

	n := m.seq.Add(1)
	return &LLMResponse{
		Content:      buildMockJSON(n, userPrompt),
		PromptTokens: 1500,
		OutputTokens: 600,
	}, nil
}

func firstMatch(re *regexp.Regexp, s, fallback string) string {
	if m := re.FindStringSubmatch(s); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	return fallback
}

func buildMockJSON(n int64, userPrompt string) string {
	topic := firstMatch(mockTopicLine, userPrompt, "General")
	subject := firstMatch(mockSubjectLine, userPrompt, "Law")
	subtype := firstMatch(mockSubtypeLine, userPrompt, "scenario")
	correct := int(n % 5)

	item := GeneratedItem{
		Subtype:          subtype,
		Stem:             fmt.Sprintf("[Mock %d] In %s, which statement about %s is correct?", n, subject, topic),
		CorrectIndex:     &correct,
		CorrectRationale: fmt.Sprintf("[Mock] This option states the rule on %s accurately.", topic),
		IncorrectRationales: []string{
			"[Mock] Misstates the rule.",
			"[Mock] Applies the wrong exception.",
			"[Mock] Confuses the time limit.",
			"[Mock] Overstates the scope.",
		},
		Citations: []string{},
	}
	for _, label := range optionLabels {
		item.Options = append(item.Options, fmt.Sprintf("[Mock] Option %s on %s", label, topic))
	}
	if strings.Contains(userPrompt, "Infer a short") {
		item.Topic = subject + ": Core Principles"
	}

	raw, _ := json.Marshal(GeneratedBatch{Questions: []GeneratedItem{item}})
	return string(raw)
}
