package scheduler

import (
	"github.com/sqe-prep/backend/internal/generator"
	"github.com/sqe-prep/backend/internal/retrieval"
)

// Outcome is the result of one scheduler turn: *Accepted or *Skipped.
type Outcome interface {
	outcome()
	bundle() []retrieval.Fragment
}

type Accepted struct {
	Topic  string
	Item   generator.GeneratedItem
	Bundle []retrieval.Fragment
}

type Skipped struct {
	Topic  string
	Reason SkipReason
	Detail string
	Bundle []retrieval.Fragment
}

func (*Accepted) outcome() {}
func (*Skipped) outcome()  {}

func (a *Accepted) bundle() []retrieval.Fragment { return a.Bundle }
func (s *Skipped) bundle() []retrieval.Fragment  { return s.Bundle }
