package reputation

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestScorer() *Scorer {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return New(DefaultWeights(), logger)
}

func TestUnknownHostHasNoFabricatedScore(t *testing.T) {
	s := newTestScorer()
	score := s.Score("relay-unknown.example")
	if score.HasEnoughData {
		t.Fatalf("expected hasEnoughData=false for an unseen host")
	}
	if score.Score != 0 {
		t.Fatalf("expected zero score for an unseen host, got %v", score.Score)
	}
}

func TestHasEnoughDataRequiresMinimumSamples(t *testing.T) {
	w := DefaultWeights()
	w.MinSamples = 3
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	s := New(w, logger)

	for i := 0; i < 2; i++ {
		s.RecordProofSuccess("relay-a.example", 50*time.Millisecond)
	}
	if s.Score("relay-a.example").HasEnoughData {
		t.Fatalf("expected hasEnoughData=false below the minimum sample threshold")
	}
	s.RecordProofSuccess("relay-a.example", 50*time.Millisecond)
	if !s.Score("relay-a.example").HasEnoughData {
		t.Fatalf("expected hasEnoughData=true at the minimum sample threshold")
	}
}

func TestAllProofFailuresDriveScoreToUnreliable(t *testing.T) {
	s := newTestScorer()
	for i := 0; i < 20; i++ {
		s.RecordProofFailure("relay-b.example")
	}
	score := s.Score("relay-b.example")
	if score.Tier != TierUnreliable {
		t.Fatalf("expected unreliable tier for an all-failure host, got %s (score %v)", score.Tier, score.Score)
	}
}

func TestFastReliableRelayScoresHigh(t *testing.T) {
	s := newTestScorer()
	host := "relay-c.example"
	for i := 0; i < 50; i++ {
		s.RecordProofSuccess(host, 10*time.Millisecond)
		s.ExpectPulse(host)
		s.Heartbeat(host, 1024, 10)
	}
	s.RecordBatchSubmissionSuccess(host, 5)
	s.RecordPinFulfilment(host, 10, 10)

	score := s.Score(host)
	if score.Tier != TierExcellent && score.Tier != TierGood {
		t.Fatalf("expected a high tier for a fast, reliable relay, got %s (score %v)", score.Tier, score.Score)
	}
	if !score.HasEnoughData {
		t.Fatalf("expected hasEnoughData=true")
	}
}

func TestResponseTimePercentileScoring(t *testing.T) {
	s := newTestScorer()
	host := "relay-d.example"
	for i := 0; i < 19; i++ {
		s.RecordProofSuccess(host, 5*time.Millisecond)
	}
	s.RecordProofSuccess(host, 5*time.Second) // one slow outlier among 20 samples

	score := s.Score(host)
	if score.Breakdown.ResponseTime <= 0 {
		t.Fatalf("expected the p95 to mostly reflect the fast samples, got response score %v", score.Breakdown.ResponseTime)
	}
}

func TestAllScoresSortedDescending(t *testing.T) {
	s := newTestScorer()
	for i := 0; i < 20; i++ {
		s.RecordProofSuccess("relay-fast.example", 5*time.Millisecond)
	}
	for i := 0; i < 20; i++ {
		s.RecordProofFailure("relay-slow.example")
	}
	scores := s.AllScores()
	if len(scores) != 2 {
		t.Fatalf("expected 2 scores, got %d", len(scores))
	}
	if scores[0].Host != "relay-fast.example" {
		t.Fatalf("expected relay-fast.example first, got %s", scores[0].Host)
	}
}

func TestRecordSuccessFailureInterfaceAliases(t *testing.T) {
	s := newTestScorer()
	s.RecordSuccess("relay-e.example", 20*time.Millisecond)
	s.RecordFailure("relay-e.example", "batch submit failed")
	score := s.Score("relay-e.example")
	if score.Breakdown.ProofSuccess <= 0 || score.Breakdown.ProofSuccess >= 100 {
		t.Fatalf("expected a mixed proof-success ratio, got %v", score.Breakdown.ProofSuccess)
	}
}
