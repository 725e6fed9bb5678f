package generator

import (
	"fmt"
	"strings"

	"github.com/sqe-prep/backend/internal/models"
)

// ContextExcerpt is one retrieved fragment as shown to the model.
type ContextExcerpt struct {
	Citation string
	Text     string
}

// ItemRequest is everything needed to ask for one question.
type ItemRequest struct {
	Exam       string
	Subject    string
	Topic      string
	Subtype    models.Subtype
	Context    []ContextExcerpt
	AvoidStems []string
	InferTopic bool
	TopicHints []string
}

var subtypeStems = map[models.Subtype][]string{
	models.SubtypeScenario: {
		"A client instructs a solicitor... Which of the following best describes the client's position?",
		"A company has entered into... What is the most likely outcome?",
		"Which of the following is the best advice to give the client?",
	},
	models.SubtypeRecall: {
		"Which of the following statements best describes the rule on...?",
		"Which of the following is correct in relation to...?",
		"What is the time limit for...?",
	},
}

var subtypeRules = map[models.Subtype]string{
	models.SubtypeScenario: `
QUESTION TYPE RULES (Scenario):
- Open with a short factual scenario (3-6 sentences) involving named parties, dates or sums where relevant
- The candidate must APPLY a rule from the context to the facts, not merely recall it
- The correct answer must follow from the context excerpts; never rely on law absent from them
- Distractors should reflect realistic mistakes: misapplied exceptions, wrong time limits, the rule from a neighbouring area`,

	models.SubtypeRecall: `
QUESTION TYPE RULES (Recall):
- Ask directly about a rule, definition, time limit, threshold or procedural step stated in the context
- No extended scenario; at most one sentence of framing
- The correct answer must restate the rule accurately in different words from the excerpt
- Distractors should be near misses: wrong number, reversed condition, overstated scope`,
}

// ItemSystemPrompt returns the system prompt for one-item generation.
func ItemSystemPrompt(exam string) string {
	if exam == "" {
		exam = "SQE1"
	}
	return fmt.Sprintf(`You are an expert legal educator creating multiple-choice questions for the %s exam.

Follow the %s format strictly:
- Exactly five answer options, in order A to E, with exactly one correct option
- Questions are challenging and use UK law terminology
- Every option is plausible; none is obviously wrong or joking
- The correct option is supported by the supplied context excerpts
- Give a concise rationale for the correct option naming the legal principle
- Give one rationale per incorrect option, in option order, explaining precisely why it is wrong
- Cite the context excerpts you relied on using the citation strings provided
- Never repeat or lightly reword a stem you are told to avoid

You must respond with valid JSON only. No markdown, no explanation outside the JSON.`, exam, exam)
}

// BuildItemPrompt renders the user prompt for one item.
func BuildItemPrompt(req ItemRequest) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Generate exactly 1 %s multiple-choice question.\n\n", req.Exam)
	fmt.Fprintf(&sb, "Subject: %s\n", req.Subject)
	fmt.Fprintf(&sb, "Topic: %s\n", req.Topic)
	fmt.Fprintf(&sb, "Question type: %s\n\n", req.Subtype)

	sb.WriteString("Typical stems for this type:\n")
	for _, s := range subtypeStems[req.Subtype] {
		fmt.Fprintf(&sb, "- %s\n", s)
	}
	sb.WriteString(subtypeRules[req.Subtype])
	sb.WriteString("\n\n")

	sb.WriteString("CONTEXT EXCERPTS:\n")
	for i, c := range req.Context {
		fmt.Fprintf(&sb, "[%d] (%s)\n%s\n\n", i+1, c.Citation, strings.TrimSpace(c.Text))
	}

	if len(req.AvoidStems) > 0 {
		sb.WriteString("Do NOT repeat or closely paraphrase any of these existing stems:\n")
		for _, s := range req.AvoidStems {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
		sb.WriteString("\n")
	}

	topicField := ""
	if req.InferTopic {
		sb.WriteString("The topic above is a catch-all. Infer a short, specific topic label (2-6 words) for the question you write")
		if len(req.TopicHints) > 0 {
			fmt.Fprintf(&sb, ", reusing one of these existing labels when it fits: %s", strings.Join(req.TopicHints, "; "))
		}
		sb.WriteString(".\n\n")
		topicField = `,
      "topic": "..."`
	}

	fmt.Fprintf(&sb, `Respond with this exact JSON structure:
{
  "questions": [
    {
      "subtype": "%s",
      "stem": "...",
      "options": ["...", "...", "...", "...", "..."],
      "correct_index": 2,
      "correct_rationale": "...",
      "incorrect_rationales": ["...", "...", "...", "..."],
      "citations": ["<citation string of an excerpt you used>"]%s
    }
  ]
}

Requirements:
- "options" has exactly 5 entries, for A to E in order
- "correct_index" is the 0-based index of the correct option (0 = A, 4 = E)
- "incorrect_rationales" has exactly 4 entries, one per incorrect option, in option order
- Vary the position of the correct answer; do not default to the same letter`,
		req.Subtype, topicField)

	return sb.String()
}

// TopicSystemPrompt returns the system prompt for topic discovery.
func TopicSystemPrompt(exam string) string {
	return fmt.Sprintf(`You are an expert %s curriculum designer. You break a subject into granular, examinable subtopics that a question writer can target one at a time. Respond with JSON only.`, exam)
}

// BuildTopicPrompt asks for up to max topic labels for a subject.
func BuildTopicPrompt(subject string, hints []string, max int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "List up to %d granular examinable topics for the subject %q.\n\n", max, subject)
	if len(hints) > 0 {
		sb.WriteString("Topics already used for this subject (prefer these labels where they fit, and add new ones for uncovered areas):\n")
		for _, h := range hints {
			fmt.Fprintf(&sb, "- %s\n", h)
		}
		sb.WriteString("\n")
	}
	sb.WriteString(`Each topic is a short label of 2-6 words, for example "Contract: Offer" or "Tort: Duty of Care".

Respond with this exact JSON structure:
{"topics": ["...", "..."]}`)
	return sb.String()
}

// GetSubtypeStems returns the example stems for a subtype.
func GetSubtypeStems(subtype models.Subtype) []string {
	return subtypeStems[subtype]
}

// GetSubtypeRules returns the writing rules for a subtype.
func GetSubtypeRules(subtype models.Subtype) string {
	return subtypeRules[subtype]
}
