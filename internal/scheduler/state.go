package scheduler

import (
	"github.com/sqe-prep/backend/internal/models"
	"github.com/sqe-prep/backend/internal/retrieval"
)

// RunState is all mutable bookkeeping of one run. It is owned by the
// goroutine executing the run and is discarded when the run ends.
type RunState struct {
	Made          int
	MadeBySubtype map[models.Subtype]int
	Attempts      int
	Used          map[retrieval.FragmentKey]struct{}
	Stems         *DedupGuard
	TopicIndex    int
	Pools         map[string]*Pool
	Skips         map[SkipReason]int

	// accepted stems in order, feeding the prompt avoid-list
	recent []string
}

func NewRunState() *RunState {
	return &RunState{
		MadeBySubtype: make(map[models.Subtype]int),
		Used:          make(map[retrieval.FragmentKey]struct{}),
		Stems:         NewDedupGuard(),
		Pools:         make(map[string]*Pool),
		Skips:         make(map[SkipReason]int),
	}
}

// NextTopic returns the topic at the rotation index and advances it.
func (s *RunState) NextTopic(topics []string) string {
	topic := topics[s.TopicIndex%len(topics)]
	s.TopicIndex = (s.TopicIndex + 1) % len(topics)
	return topic
}

func (s *RunState) IsUsed(key retrieval.FragmentKey) bool {
	_, ok := s.Used[key]
	return ok
}

// Advance closes a turn: the bundle's fragments are marked used when burn is
// set or the turn was accepted, and the attempt counter is incremented.
func (s *RunState) Advance(o Outcome, burn bool) {
	if _, ok := o.(*Accepted); ok || burn {
		for _, f := range o.bundle() {
			s.Used[f.Key()] = struct{}{}
		}
	}
	s.Attempts++
}

// Record books an accepted item against the counters.
func (s *RunState) Record(subtype models.Subtype, stem string) {
	s.Made++
	s.MadeBySubtype[subtype]++
	s.recent = append(s.recent, stem)
}

// RecentStems returns up to n of the most recently accepted stems.
func (s *RunState) RecentStems(n int) []string {
	if n <= 0 || len(s.recent) == 0 {
		return nil
	}
	if len(s.recent) <= n {
		return append([]string(nil), s.recent...)
	}
	return append([]string(nil), s.recent[len(s.recent)-n:]...)
}
