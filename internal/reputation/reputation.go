// Package reputation implements the per-relay reputation scorer (C9): a
// mutex-guarded-map-of-counters store, shaped after the teacher's
// connection pool, that turns proof/batch/pin/heartbeat events into a
// weighted, tiered score other components can use to pick a relay.
package reputation

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Tier buckets a score into a human-facing quality label.
type Tier string

const (
	TierExcellent  Tier = "excellent"
	TierGood       Tier = "good"
	TierAverage    Tier = "average"
	TierPoor       Tier = "poor"
	TierUnreliable Tier = "unreliable"
)

func tierFor(score float64) Tier {
	switch {
	case score >= 85:
		return TierExcellent
	case score >= 70:
		return TierGood
	case score >= 50:
		return TierAverage
	case score >= 30:
		return TierPoor
	default:
		return TierUnreliable
	}
}

// Weights configures the five sub-scores the final score is a weighted
// sum of. They must sum to 1; DefaultWeights does.
type Weights struct {
	Uptime          float64
	ProofSuccess    float64
	ResponseTime    float64
	PinFulfilment   float64
	Longevity       float64
	ResponseP       float64 // which percentile of response-time samples to score, e.g. 0.95
	MinSamples      int     // minimum total proof attempts before hasEnoughData is true
	ResponseBudgeMs float64 // response time, in ms, that scores 100 on the response sub-score
	LongevityFullAt time.Duration
}

// DefaultWeights are the scorer's configured defaults; they are an Open
// Question decision (spec.md names the five sub-scores but not their
// weights) recorded in the design notes, not an arbitrary guess made in
// code.
func DefaultWeights() Weights {
	return Weights{
		Uptime: 0.25, ProofSuccess: 0.3, ResponseTime: 0.2, PinFulfilment: 0.15, Longevity: 0.1,
		ResponseP: 0.95, MinSamples: 10, ResponseBudgeMs: 2000, LongevityFullAt: 30 * 24 * time.Hour,
	}
}

// Breakdown is the five sub-scores a final score was derived from.
type Breakdown struct {
	Uptime        float64 `json:"uptime"`
	ProofSuccess  float64 `json:"proofSuccess"`
	ResponseTime  float64 `json:"responseTime"`
	PinFulfilment float64 `json:"pinFulfilment"`
	Longevity     float64 `json:"longevity"`
}

// Record is a relay's reputation counters, held in memory by the Scorer
// (spec.md §5's "Reputation store: owned by C9, per-host locked updates").
// It does not implement gunstore.Record and nothing persists it; heartbeat
// publication is out of this package's scope.
type Record struct {
	Host string `json:"host"`

	ProofsTotal, ProofsSuccess, ProofsFailed    int
	BatchesTotal, BatchesSuccess, BatchesFailed int
	PulsesExpected, PulsesReceived              int
	PinsDelivered, PinsRequested                int

	responseSamplesMs []float64

	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`

	StorageUsedMB int64 `json:"storageUsedMb"`
	IPFSPins      int   `json:"ipfsPins"`
}

func (r *Record) hasEnoughData(min int) bool { return r.ProofsTotal >= min }

func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (r *Record) breakdown(w Weights) Breakdown {
	uptime := 0.0
	if r.PulsesExpected > 0 {
		uptime = clamp01(float64(r.PulsesReceived) / float64(r.PulsesExpected))
	}

	proofSuccess := 0.0
	if r.ProofsTotal > 0 {
		proofSuccess = clamp01(float64(r.ProofsSuccess) / float64(r.ProofsTotal))
	}

	responseTime := 0.0
	if len(r.responseSamplesMs) > 0 {
		p := percentile(r.responseSamplesMs, w.ResponseP)
		responseTime = clamp01(1 - p/w.ResponseBudgeMs)
	}

	pinFulfilment := 0.0
	if r.PinsRequested > 0 {
		pinFulfilment = clamp01(float64(r.PinsDelivered) / float64(r.PinsRequested))
	}

	longevity := 0.0
	if !r.FirstSeen.IsZero() && w.LongevityFullAt > 0 {
		longevity = clamp01(float64(time.Since(r.FirstSeen)) / float64(w.LongevityFullAt))
	}

	return Breakdown{
		Uptime: uptime * 100, ProofSuccess: proofSuccess * 100, ResponseTime: responseTime * 100,
		PinFulfilment: pinFulfilment * 100, Longevity: longevity * 100,
	}
}

// Score is the final [0,100] score, tier, and sub-score breakdown for one
// relay.
type Score struct {
	Host          string    `json:"host"`
	Score         float64   `json:"score"`
	Tier          Tier      `json:"tier"`
	Breakdown     Breakdown `json:"breakdown"`
	HasEnoughData bool      `json:"hasEnoughData"`
}

func (r *Record) score(w Weights) Score {
	b := r.breakdown(w)
	total := b.Uptime*w.Uptime + b.ProofSuccess*w.ProofSuccess + b.ResponseTime*w.ResponseTime +
		b.PinFulfilment*w.PinFulfilment + b.Longevity*w.Longevity
	return Score{Host: r.Host, Score: total, Tier: tierFor(total), Breakdown: b, HasEnoughData: r.hasEnoughData(w.MinSamples)}
}

// maxResponseSamples bounds per-host memory; only the most recent samples
// are kept for the response-time percentile.
const maxResponseSamples = 500

// Scorer is the C9 reputation store: a mutex-guarded map of per-host
// counters, in the shape of the teacher's connection pool.
type Scorer struct {
	mu      sync.Mutex
	records map[string]*Record
	weights Weights
	log     *logrus.Logger
}

// New builds a Scorer.
func New(weights Weights, log *logrus.Logger) *Scorer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scorer{records: make(map[string]*Record), weights: weights, log: log}
}

func (s *Scorer) record(host string) *Record {
	r, ok := s.records[host]
	if !ok {
		r = &Record{Host: host, FirstSeen: time.Now()}
		s.records[host] = r
	}
	r.LastSeen = time.Now()
	return r
}

// RecordProofSuccess accumulates a successful storage-proof event with its
// end-to-end latency.
func (s *Scorer) RecordProofSuccess(host string, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(host)
	r.ProofsTotal++
	r.ProofsSuccess++
	r.responseSamplesMs = append(r.responseSamplesMs, float64(elapsed.Milliseconds()))
	if len(r.responseSamplesMs) > maxResponseSamples {
		r.responseSamplesMs = r.responseSamplesMs[len(r.responseSamplesMs)-maxResponseSamples:]
	}
}

// RecordProofFailure accumulates a failed storage-proof event.
func (s *Scorer) RecordProofFailure(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(host)
	r.ProofsTotal++
	r.ProofsFailed++
}

// RecordFailure satisfies the narrow Reputation interfaces used by
// internal/bridge and internal/deal, mapping a named operation failure
// onto the proof-failure counter (the only failure axis spec.md names a
// generic RecordFailure for).
func (s *Scorer) RecordFailure(host string, _ string) {
	s.RecordProofFailure(host)
}

// RecordSuccess satisfies the narrow Reputation interfaces used by
// internal/bridge and internal/deal.
func (s *Scorer) RecordSuccess(host string, elapsed time.Duration) {
	s.RecordProofSuccess(host, elapsed)
}

// RecordBatchSubmissionSuccess accumulates a successful batch submission.
func (s *Scorer) RecordBatchSubmissionSuccess(host string, withdrawalCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(host)
	r.BatchesTotal++
	r.BatchesSuccess++
}

// RecordBatchSubmissionFailure accumulates a failed batch submission.
func (s *Scorer) RecordBatchSubmissionFailure(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(host)
	r.BatchesTotal++
	r.BatchesFailed++
}

// RecordPinFulfilment accumulates how many of a requested set of pins
// were actually delivered.
func (s *Scorer) RecordPinFulfilment(host string, requested, delivered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(host)
	r.PinsRequested += requested
	r.PinsDelivered += delivered
}

// Heartbeat records a pulse from host, along with its self-reported
// telemetry.
func (s *Scorer) Heartbeat(host string, storageUsedMB int64, ipfsPins int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(host)
	r.PulsesReceived++
	r.StorageUsedMB = storageUsedMB
	r.IPFSPins = ipfsPins
}

// ExpectPulse is called by a scheduler each time a pulse window elapses,
// whether or not the relay actually reported in; it is what lets a
// missing heartbeat erode the uptime sub-score.
func (s *Scorer) ExpectPulse(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(host)
	r.PulsesExpected++
}

// Score returns the current score for one relay. A host with no recorded
// events yet gets a zero-value, hasEnoughData=false score rather than a
// fabricated number.
func (s *Scorer) Score(host string) Score {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[host]
	if !ok {
		return Score{Host: host, Tier: TierUnreliable, HasEnoughData: false}
	}
	return r.score(s.weights)
}

// AllScores returns the current score for every known relay, sorted by
// descending score.
func (s *Scorer) AllScores() []Score {
	s.mu.Lock()
	hosts := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		hosts = append(hosts, r)
	}
	s.mu.Unlock()

	scores := make([]Score, 0, len(hosts))
	for _, r := range hosts {
		scores = append(scores, r.score(s.weights))
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	return scores
}
