package scheduler

import (
	"context"
	"errors"
	"strings"

	"github.com/sqe-prep/backend/internal/generator"
	"github.com/sqe-prep/backend/internal/logger"
)

// TopicSelector produces the ordered topic list a run cycles through.
type TopicSelector struct {
	gen       ItemGenerator
	persister Persister
	max       int
	fallback  string
	log       *logger.Logger
}

func NewTopicSelector(gen ItemGenerator, persister Persister, max int, fallback string, log *logger.Logger) *TopicSelector {
	if fallback == "" {
		fallback = "General"
	}
	return &TopicSelector{gen: gen, persister: persister, max: max, fallback: fallback, log: log}
}

// Select returns []string{explicit} when a topic is given, otherwise the
// discovered topics deduplicated case-insensitively and truncated to max.
// An unusable discovery response falls back to the catch-all topic, and
// fallback reports that it did so. Only fallback runs let the model label
// items.
func (t *TopicSelector) Select(ctx context.Context, subject, explicit string) (topics []string, fallback bool, err error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return []string{explicit}, false, nil
	}

	hints, err := t.persister.ListExistingTopics(ctx, subject)
	if err != nil {
		return nil, false, serviceError("list existing topics", err)
	}

	raw, err := t.gen.DiscoverTopics(ctx, subject, hints, t.max)
	if err != nil {
		if !errors.Is(err, generator.ErrMalformedResponse) {
			return nil, false, serviceError("discover topics", err)
		}
		t.log.Warn("topic discovery returned an unusable list", "subject", subject, "error", err)
	}

	topics = DedupeTopics(raw, t.max)
	if len(topics) == 0 {
		t.log.Warn("no topics discovered, using fallback", "subject", subject, "fallback", t.fallback)
		return []string{t.fallback}, true, nil
	}
	return topics, false, nil
}

// DedupeTopics trims labels, drops empties and case-insensitive repeats
// (keeping the first spelling), and truncates to max when max > 0.
func DedupeTopics(raw []string, max int) []string {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, topic := range raw {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		key := strings.ToLower(topic)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, topic)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}
