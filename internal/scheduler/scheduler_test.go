package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqe-prep/backend/internal/generator"
	"github.com/sqe-prep/backend/internal/logger"
	"github.com/sqe-prep/backend/internal/models"
	"github.com/sqe-prep/backend/internal/retrieval"
)

func TestRun_TwoTopicsFourItems(t *testing.T) {
	r := &fakeRetriever{lookup: corpus(40)}
	g := &fakeGenerator{topics: []string{"Contract: Offer", "Tort: Duty of Care"}}
	p := &fakePersister{}

	report, err := newTestScheduler(testConfig(), r, g, p).Run(context.Background(), RunRequest{Subject: "Obligations", Count: 4})
	require.NoError(t, err)

	var subtypes []models.Subtype
	var topics []string
	for _, req := range g.requests {
		subtypes = append(subtypes, req.Subtype)
		topics = append(topics, req.Topic)
	}
	assert.Equal(t, []models.Subtype{
		models.SubtypeScenario, models.SubtypeScenario, models.SubtypeRecall, models.SubtypeScenario,
	}, subtypes)
	assert.Equal(t, []string{"Contract: Offer", "Tort: Duty of Care", "Contract: Offer", "Tort: Duty of Care"}, topics)

	assert.True(t, report.Complete)
	assert.Equal(t, 4, report.Made)
	assert.Equal(t, 4, report.Attempts)
	assert.Equal(t, 24, report.Budget)
	assert.Equal(t, 3, report.BySubtype[models.SubtypeScenario])
	assert.Equal(t, 1, report.BySubtype[models.SubtypeRecall])
	assert.Equal(t, []string{"Contract: Offer", "Tort: Duty of Care"}, report.Topics)
	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))

	require.Len(t, p.items, 4)
	for i, it := range p.items {
		assert.Equal(t, "Obligations", it.subject)
		assert.Equal(t, string(subtypes[i]), it.item.Subtype)
	}

	// pool size: ceil(3 * ceil(4/2) * 1.2) = 8, clamped up to 24
	for _, k := range r.topKs {
		assert.Equal(t, 24, k)
	}
}

func TestRun_DuplicateStemRejected(t *testing.T) {
	stems := []string{
		"Which rule governs acceptance by post?",
		"  which RULE   governs acceptance by post? ",
		"When is an offer revoked?",
	}
	g := &fakeGenerator{respond: func(n int, req generator.ItemRequest) (*generator.GeneratedBatch, error) {
		return single(makeItem(stems[n-1], string(req.Subtype))), nil
	}}
	p := &fakePersister{}

	report, err := newTestScheduler(testConfig(), &fakeRetriever{lookup: corpus(30)}, g, p).
		Run(context.Background(), RunRequest{Subject: "Contract", Topic: "Acceptance", Count: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Made)
	assert.Equal(t, 3, report.Attempts)
	assert.Equal(t, 1, report.Skips[DuplicateStem])
	require.Len(t, p.items, 2)
	assert.Equal(t, stems[0], p.items[0].item.Stem)
	assert.Equal(t, stems[2], p.items[1].item.Stem)

	// the rejected turn asked for the same subtype again
	assert.Equal(t, g.requests[1].Subtype, g.requests[2].Subtype)
	// and the avoid-list carried the accepted stem
	assert.Equal(t, []string{stems[0]}, g.requests[1].AvoidStems)
}

func TestRun_NoFragmentReused(t *testing.T) {
	rejectEvery := 3
	g := &fakeGenerator{respond: func(n int, req generator.ItemRequest) (*generator.GeneratedBatch, error) {
		if n%rejectEvery == 0 {
			return nil, malformed()
		}
		return single(makeItem(fmt.Sprintf("Stem %d", n), string(req.Subtype))), nil
	}}
	g.topics = []string{"Offer", "Acceptance", "Consideration"}

	report, err := newTestScheduler(testConfig(), &fakeRetriever{lookup: corpus(12)}, g, &fakePersister{}).
		Run(context.Background(), RunRequest{Subject: "Contract", Count: 10})
	require.NoError(t, err)

	seen := map[string]int{}
	for i, req := range g.requests {
		for _, c := range req.Context {
			if prev, ok := seen[c.Citation]; ok {
				t.Fatalf("fragment %s used by request %d and %d", c.Citation, prev, i)
			}
			seen[c.Citation] = i
		}
	}
	// 12 fragments per topic, 3 per question: at most 4 turns per topic
	assert.LessOrEqual(t, len(g.requests), 12)
	assert.Positive(t, report.Skips[ContextExhausted])
	assert.False(t, report.Complete)
	assert.Equal(t, report.Budget, report.Attempts)
}

func TestRun_AcceptedStemsDistinct(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pool := []string{"Alpha?", "alpha?", "Beta?", "BETA ?", "Gamma?", "Delta?", "Epsilon?", "Zeta?"}
	g := &fakeGenerator{respond: func(n int, req generator.ItemRequest) (*generator.GeneratedBatch, error) {
		return single(makeItem(pool[rng.Intn(len(pool))], string(req.Subtype))), nil
	}}
	p := &fakePersister{}

	_, err := newTestScheduler(testConfig(), &fakeRetriever{lookup: corpus(200)}, g, p).
		Run(context.Background(), RunRequest{Subject: "Contract", Topic: "Offer", Count: 6})
	require.NoError(t, err)

	fps := map[string]bool{}
	for _, it := range p.items {
		fp := Fingerprint(it.item.Stem)
		assert.False(t, fps[fp], "duplicate accepted stem %q", it.item.Stem)
		fps[fp] = true
	}
}

func TestRun_TerminatesWithinBudget(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		g := &fakeGenerator{respond: func(n int, req generator.ItemRequest) (*generator.GeneratedBatch, error) {
			switch rng.Intn(4) {
			case 0:
				return nil, malformed()
			case 1:
				return nil, fmt.Errorf("parse item response: %w", generator.ErrEmptyResult)
			case 2:
				return single(makeItem("Same stem every time", string(req.Subtype))), nil
			default:
				return single(makeItem(fmt.Sprintf("Stem %d", n), string(req.Subtype))), nil
			}
		}}
		g.topics = []string{"Offer", "Acceptance"}
		target := 1 + rng.Intn(8)

		cfg := testConfig()
		report, err := newTestScheduler(cfg, &fakeRetriever{lookup: corpus(1 + rng.Intn(60))}, g, &fakePersister{}).
			Run(context.Background(), RunRequest{Subject: "Contract", Count: target})
		require.NoError(t, err, "seed %d", seed)

		assert.LessOrEqual(t, report.Attempts, target*cfg.AttemptMultiplier, "seed %d", seed)
		assert.LessOrEqual(t, report.Made, target, "seed %d", seed)
		assert.Equal(t, report.Made == target, report.Complete, "seed %d", seed)
		if !report.Complete {
			assert.Equal(t, report.Budget, report.Attempts, "seed %d", seed)
		}

		skips := 0
		for _, n := range report.Skips {
			skips += n
		}
		assert.Equal(t, report.Attempts, report.Made+skips, "seed %d", seed)
	}
}

func TestRun_AlwaysMalformed(t *testing.T) {
	g := &fakeGenerator{respond: func(int, generator.ItemRequest) (*generator.GeneratedBatch, error) {
		return nil, malformed()
	}}
	p := &fakePersister{}
	cfg := testConfig()
	cfg.PoolMin = 100

	report, err := newTestScheduler(cfg, &fakeRetriever{lookup: corpus(100)}, g, p).
		Run(context.Background(), RunRequest{Subject: "Contract", Topic: "Offer", Count: 3})
	require.NoError(t, err)

	assert.Equal(t, 18, report.Attempts)
	assert.Equal(t, 0, report.Made)
	assert.Equal(t, 18, report.Skips[MalformedResponse])
	assert.False(t, report.Complete)
	assert.Empty(t, p.items)
}

func TestRun_ContextExhausted(t *testing.T) {
	g := &fakeGenerator{}
	report, err := newTestScheduler(testConfig(), &fakeRetriever{}, g, &fakePersister{}).
		Run(context.Background(), RunRequest{Subject: "Empty Subject", Topic: "Offer", Count: 2})
	require.NoError(t, err)

	assert.Empty(t, g.requests, "generator must not be called without context")
	assert.Equal(t, 12, report.Attempts)
	assert.Equal(t, 12, report.Skips[ContextExhausted])
}

func TestRun_GeneratorFailureIsFatal(t *testing.T) {
	g := &fakeGenerator{respond: func(n int, req generator.ItemRequest) (*generator.GeneratedBatch, error) {
		if n == 3 {
			return nil, fmt.Errorf("generate item: %w", errTransport)
		}
		return single(makeItem(fmt.Sprintf("Stem %d", n), string(req.Subtype))), nil
	}}
	p := &fakePersister{}

	report, err := newTestScheduler(testConfig(), &fakeRetriever{lookup: corpus(50)}, g, p).
		Run(context.Background(), RunRequest{Subject: "Contract", Topic: "Offer", Count: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceFailure)
	assert.ErrorIs(t, err, errTransport)

	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "generate item", se.Op)

	require.NotNil(t, report)
	assert.Equal(t, 2, report.Made)
	assert.Equal(t, 2, report.Attempts)
	assert.False(t, report.Complete)
	assert.Len(t, p.items, 2)
}

func TestRun_FatalCollaborators(t *testing.T) {
	boom := errors.New("connection refused")

	t.Run("retrieval", func(t *testing.T) {
		_, err := newTestScheduler(testConfig(), &fakeRetriever{err: boom}, &fakeGenerator{}, &fakePersister{}).
			Run(context.Background(), RunRequest{Subject: "Contract", Topic: "Offer", Count: 1})
		assert.ErrorIs(t, err, ErrServiceFailure)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("persistence", func(t *testing.T) {
		p := &fakePersister{err: boom, failAt: 2}
		report, err := newTestScheduler(testConfig(), &fakeRetriever{lookup: corpus(30)}, &fakeGenerator{}, p).
			Run(context.Background(), RunRequest{Subject: "Contract", Topic: "Offer", Count: 3})
		var se *ServiceError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "persist item", se.Op)
		assert.Equal(t, 1, report.Made)
		assert.Len(t, p.items, 1)
	})

	t.Run("verification transport", func(t *testing.T) {
		s := New(testConfig(), Deps{
			Retriever: &fakeRetriever{lookup: corpus(30)},
			Generator: &fakeGenerator{},
			Persister: &fakePersister{},
			Verifier:  &fakeVerifier{err: boom},
		}, logger.Nop())
		_, err := s.Run(context.Background(), RunRequest{Subject: "Contract", Topic: "Offer", Count: 1})
		assert.ErrorIs(t, err, ErrServiceFailure)
		assert.ErrorIs(t, err, boom)
	})
}

func TestRun_FallbackTopicInfersLabel(t *testing.T) {
	g := &fakeGenerator{respond: func(n int, req generator.ItemRequest) (*generator.GeneratedBatch, error) {
		item := makeItem(fmt.Sprintf("Stem %d", n), string(req.Subtype))
		if n == 1 {
			item.Topic = "Land Law: Easements"
		}
		return single(item), nil
	}}
	p := &fakePersister{existing: []string{"Leases", "Mortgages"}}

	report, err := newTestScheduler(testConfig(), &fakeRetriever{lookup: corpus(30)}, g, p).
		Run(context.Background(), RunRequest{Subject: "Land Law", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"General"}, report.Topics)

	for _, req := range g.requests {
		assert.True(t, req.InferTopic)
		assert.Equal(t, []string{"Leases", "Mortgages"}, req.TopicHints)
	}
	require.Len(t, p.items, 2)
	assert.Equal(t, "Land Law: Easements", p.items[0].topic)
	assert.Equal(t, "General", p.items[1].topic)
}

func TestRun_ExplicitTopicDoesNotInfer(t *testing.T) {
	g := &fakeGenerator{}
	_, err := newTestScheduler(testConfig(), &fakeRetriever{lookup: corpus(30)}, g, &fakePersister{}).
		Run(context.Background(), RunRequest{Subject: "Land Law", Topic: "Easements", Count: 1})
	require.NoError(t, err)
	require.Len(t, g.requests, 1)
	assert.False(t, g.requests[0].InferTopic)
	assert.Equal(t, "SQE1", g.requests[0].Exam)
	assert.Len(t, g.requests[0].Context, 3)
}

func TestRun_ExplicitFallbackNameDoesNotInfer(t *testing.T) {
	g := &fakeGenerator{respond: func(n int, req generator.ItemRequest) (*generator.GeneratedBatch, error) {
		item := makeItem(fmt.Sprintf("Stem %d", n), string(req.Subtype))
		item.Topic = "Something Else"
		return single(item), nil
	}}
	p := &fakePersister{}
	_, err := newTestScheduler(testConfig(), &fakeRetriever{lookup: corpus(30)}, g, p).
		Run(context.Background(), RunRequest{Subject: "Land Law", Topic: "General", Count: 1})
	require.NoError(t, err)
	require.Len(t, g.requests, 1)
	assert.False(t, g.requests[0].InferTopic)
	require.Len(t, p.items, 1)
	assert.Equal(t, "General", p.items[0].topic)
	assert.Equal(t, "General", p.items[0].item.Topic)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
	got := truncate("Ünïcödé stem", 3)
	assert.Equal(t, "Ünï...", got)
	assert.True(t, utf8.ValidString(got))
}

func TestRun_CitationBackfill(t *testing.T) {
	g := &fakeGenerator{respond: func(n int, req generator.ItemRequest) (*generator.GeneratedBatch, error) {
		item := makeItem(fmt.Sprintf("Stem %d", n), string(req.Subtype))
		if n == 2 {
			item.Citations = []string{"model supplied"}
		}
		return single(item), nil
	}}
	p := &fakePersister{}

	_, err := newTestScheduler(testConfig(), &fakeRetriever{lookup: corpus(30)}, g, p).
		Run(context.Background(), RunRequest{Subject: "Contract", Topic: "Offer", Count: 2})
	require.NoError(t, err)
	require.Len(t, p.items, 2)

	var want []string
	for _, c := range g.requests[0].Context {
		want = append(want, c.Citation)
	}
	assert.Equal(t, want, p.items[0].item.Citations)
	assert.Equal(t, []string{"Offer.pdf, p. 1 (chunk 0)", "Offer.pdf, p. 1 (chunk 1)", "Offer.pdf, p. 1 (chunk 2)"}, want)
	assert.Equal(t, []string{"model supplied"}, p.items[1].item.Citations)
}

func TestRun_SubtypeStampedFromRequest(t *testing.T) {
	g := &fakeGenerator{respond: func(n int, _ generator.ItemRequest) (*generator.GeneratedBatch, error) {
		return single(makeItem(fmt.Sprintf("Stem %d", n), "something else")), nil
	}}
	p := &fakePersister{}
	_, err := newTestScheduler(testConfig(), &fakeRetriever{lookup: corpus(30)}, g, p).
		Run(context.Background(), RunRequest{Subject: "Contract", Topic: "Offer", Count: 3})
	require.NoError(t, err)
	for i, it := range p.items {
		assert.Equal(t, string(g.requests[i].Subtype), it.item.Subtype)
	}
}

func TestRun_VerifierRejects(t *testing.T) {
	v := &fakeVerifier{verdicts: []bool{false, true, true}}
	p := &fakePersister{}
	s := New(testConfig(), Deps{
		Retriever: &fakeRetriever{lookup: corpus(30)},
		Generator: &fakeGenerator{},
		Persister: p,
		Verifier:  v,
	}, logger.Nop())

	report, err := s.Run(context.Background(), RunRequest{Subject: "Contract", Topic: "Offer", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Made)
	assert.Equal(t, 3, report.Attempts)
	assert.Equal(t, 1, report.Skips[Unverified])
	assert.Equal(t, 3, v.calls)
	assert.Len(t, p.items, 2)
}

func TestRun_KeepRejectedContext(t *testing.T) {
	cfg := testConfig()
	cfg.BurnRejectedContext = false
	cfg.PerQuestion = 2

	g := &fakeGenerator{respond: func(n int, req generator.ItemRequest) (*generator.GeneratedBatch, error) {
		if n == 1 {
			return nil, malformed()
		}
		return single(makeItem(fmt.Sprintf("Stem %d", n), string(req.Subtype))), nil
	}}
	// only two fragments: a burned first bundle would leave nothing
	r := &fakeRetriever{lookup: func(q string) []retrieval.Fragment {
		if q == "Offer" {
			return fragments("Offer", 2)
		}
		return nil
	}}

	report, err := newTestScheduler(cfg, r, g, &fakePersister{}).
		Run(context.Background(), RunRequest{Subject: "Contract", Topic: "Offer", Count: 1})
	require.NoError(t, err)
	assert.True(t, report.Complete)
	require.Len(t, g.requests, 2)
	assert.Equal(t, g.requests[0].Context, g.requests[1].Context)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestScheduler(testConfig(), &fakeRetriever{lookup: corpus(30)}, &fakeGenerator{}, &fakePersister{}).
		Run(ctx, RunRequest{Subject: "Contract", Topic: "Offer", Count: 2})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_InvalidRequest(t *testing.T) {
	s := newTestScheduler(testConfig(), &fakeRetriever{}, &fakeGenerator{}, &fakePersister{})

	_, err := s.Run(context.Background(), RunRequest{Subject: "  ", Count: 1})
	assert.Error(t, err)
	_, err = s.Run(context.Background(), RunRequest{Subject: "Contract", Count: 0})
	assert.Error(t, err)
}

func TestRun_KeepsGivenRunID(t *testing.T) {
	report, err := newTestScheduler(testConfig(), &fakeRetriever{lookup: corpus(30)}, &fakeGenerator{}, &fakePersister{}).
		Run(context.Background(), RunRequest{RunID: "run-42", Subject: "Contract", Topic: "Offer", Count: 1})
	require.NoError(t, err)
	assert.Equal(t, "run-42", report.RunID)
}
