package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sqe-prep/backend/internal/logger"
)

// Verifier answers a freshly generated item blind and checks that it lands
// on the keyed option.
type Verifier struct {
	llm   LLMClient
	model string
	log   *logger.Logger
}

func NewVerifier(llm LLMClient, model string, log *logger.Logger) *Verifier {
	return &Verifier{llm: llm, model: model, log: log.With("component", "verifier")}
}

func (v *Verifier) ModelName() string {
	return v.model
}

type VerificationResult struct {
	SelectedIndex  int    `json:"selected_index"`
	ExpectedIndex  int    `json:"expected_index"`
	Matches        bool   `json:"matches"`
	Confidence     string `json:"confidence"`
	Reasoning      string `json:"reasoning"`
	PotentialIssue string `json:"potential_issues"`
	PromptTokens   int    `json:"prompt_tokens"`
	OutputTokens   int    `json:"output_tokens"`
}

type verificationResponse struct {
	SelectedAnswer  string `json:"selected_answer"`
	Confidence      string `json:"confidence"`
	Reasoning       string `json:"reasoning"`
	PotentialIssues string `json:"potential_issues"`
}

// Verify returns a transport error unchanged. An unreadable verdict passes
// the item as unverified rather than rejecting it.
func (v *Verifier) Verify(ctx context.Context, q GeneratedItem, excerpts []ContextExcerpt) (*VerificationResult, error) {
	resp, err := v.llm.Generate(ctx, verificationSystemPrompt, buildVerificationPrompt(q, excerpts))
	if err != nil {
		return nil, fmt.Errorf("verification call failed: %w", err)
	}

	result := &VerificationResult{
		ExpectedIndex: q.Answer(),
		PromptTokens:  resp.PromptTokens,
		OutputTokens:  resp.OutputTokens,
	}

	var vResp verificationResponse
	if err := json.Unmarshal([]byte(stripCodeFences(resp.Content)), &vResp); err != nil {
		v.log.Warn("unreadable verification response, passing as unverified", "error", err)
		result.SelectedIndex = q.Answer()
		result.Matches = true
		result.Confidence = "low"
		result.Reasoning = fmt.Sprintf("verification parse error: %v", err)
		return result, nil
	}

	result.SelectedIndex = labelIndex(vResp.SelectedAnswer)
	result.Matches = result.SelectedIndex == q.Answer()
	result.Confidence = vResp.Confidence
	result.Reasoning = vResp.Reasoning
	result.PotentialIssue = vResp.PotentialIssues
	return result, nil
}

func labelIndex(label string) int {
	label = strings.ToUpper(strings.Trim(strings.TrimSpace(label), "()."))
	for i, l := range optionLabels {
		if l == label {
			return i
		}
	}
	return -1
}

const verificationSystemPrompt = `You are an experienced solicitor and SQE1 examiner. You are reviewing a practice question to determine which option is correct. Think through each option systematically before answering. Respond with JSON only.`

func buildVerificationPrompt(q GeneratedItem, excerpts []ContextExcerpt) string {
	var sb strings.Builder

	if len(excerpts) > 0 {
		sb.WriteString("SOURCE MATERIAL:\n")
		for _, e := range excerpts {
			fmt.Fprintf(&sb, "(%s) %s\n\n", e.Citation, strings.TrimSpace(e.Text))
		}
	}

	sb.WriteString("QUESTION:\n")
	sb.WriteString(q.Stem)
	sb.WriteString("\n\nOPTIONS:\n")
	for i, opt := range q.Options {
		fmt.Fprintf(&sb, "(%s) %s\n", OptionLabel(i), opt)
	}

	sb.WriteString(`
Select the BEST answer. Respond with JSON only:
{
  "selected_answer": "B",
  "confidence": "high",
  "reasoning": "Why you selected this option and why each other option is wrong...",
  "potential_issues": "Any ambiguity or problems with the question..."
}`)

	return sb.String()
}
