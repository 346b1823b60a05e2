// Package urgency scores work items into a continuous urgency value and a
// discrete priority band.
//
// The model is additive: every item starts at Baseline and each factor adds
// a bounded contribution. The result is clamped to [0,1] and mapped onto a
// band by fixed cut points, so the same signals always produce the same
// score, band and reason codes.
package urgency

import (
	"math"
	"time"

	"warden/pkg/protocol"
	"warden/pkg/store"
)

// ModelVersion identifies the scoring model stamped on persisted scores.
const ModelVersion = "urgency-v1"

// Baseline is the score of an item with no signals.
const Baseline = 0.5

// Band cut points. A score equal to a cut point belongs to the higher band.
const (
	CutP0 = 0.85
	CutP1 = 0.65
	CutP2 = 0.40
)

// Reason codes.
const (
	ReasonOpenHighIssues   = "open_high_issues"
	ReasonBlocksOthers     = "blocks_others"
	ReasonRecentActivity   = "recent_activity"
	ReasonStaleActivity    = "stale_activity"
	ReasonNearCompletion   = "near_completion"
	ReasonOKRAligned       = "okr_aligned"
	ReasonEscalated        = "escalated"
	ReasonLearningOverride = "learning_override"
)

// Factor weights.
const (
	issueWeight    = 0.05
	issueCap       = 0.15
	blocksWeight   = 0.04
	blocksCap      = 0.12
	recentBoost    = 0.05
	staleDecay     = -0.10
	okrWeight      = 0.10
	escalatedBoost = 0.20
	learningWeight = 0.2

	recentWindow = time.Hour
	staleAfter   = 7 * 24 * time.Hour
)

var priorityBoost = map[string]float64{
	"critical": 0.25,
	"high":     0.15,
	"medium":   0,
	"low":      -0.10,
}

// Signals is everything Score reads about one item.
type Signals struct {
	Priority         string
	OpenHighIssues   int
	BlocksCount      int
	LastActivity     time.Time
	ProgressPct      float64 // 0..100
	OKRAlignment     float64 // 0..1
	OKRDeadline      time.Time
	Escalated        bool
	LearningOverride *float64
}

// SignalsFor combines an item row with its store-derived signals.
func SignalsFor(it protocol.WorkItem, s store.Signals) Signals {
	return Signals{
		Priority:       it.Priority,
		OpenHighIssues: s.OpenHighIssues,
		BlocksCount:    s.BlocksCount,
		LastActivity:   it.LastActivityAt,
		ProgressPct:    it.ProgressPct,
		OKRAlignment:   it.OKRAlignment,
		OKRDeadline:    it.OKRDeadline,
		Escalated:      it.Escalated,
	}
}

// Result is a scored item.
type Result struct {
	Score        float64       `json:"score" yaml:"score"`
	Band         protocol.Band `json:"band" yaml:"band"`
	ReasonCodes  []string      `json:"reason_codes" yaml:"reason_codes"`
	ModelVersion string        `json:"model_version" yaml:"model_version"`
}

// Score computes the urgency of an item at time now.
func Score(sig Signals, now time.Time) Result {
	score := Baseline
	reasons := []string{}
	add := func(delta float64, code string) {
		score += delta
		reasons = append(reasons, code)
	}

	if boost := priorityBoost[sig.Priority]; boost != 0 {
		add(boost, "priority_"+sig.Priority)
	}
	if sig.OpenHighIssues > 0 {
		add(math.Min(float64(sig.OpenHighIssues)*issueWeight, issueCap), ReasonOpenHighIssues)
	}
	if sig.BlocksCount > 0 {
		add(math.Min(float64(sig.BlocksCount)*blocksWeight, blocksCap), ReasonBlocksOthers)
	}
	if !sig.LastActivity.IsZero() {
		switch age := now.Sub(sig.LastActivity); {
		case age <= recentWindow:
			add(recentBoost, ReasonRecentActivity)
		case age >= staleAfter:
			add(staleDecay, ReasonStaleActivity)
		}
	}
	switch {
	case sig.ProgressPct >= 80:
		add(0.08, ReasonNearCompletion)
	case sig.ProgressPct >= 50:
		add(0.04, ReasonNearCompletion)
	}
	if a := clamp01(sig.OKRAlignment); a > 0 {
		add(okrWeight*a, ReasonOKRAligned)
	}
	if delta, tier := deadlineBoost(sig.OKRDeadline, now); delta > 0 {
		add(delta, "okr_deadline_"+tier)
	}
	if sig.Escalated {
		add(escalatedBoost, ReasonEscalated)
	}
	if sig.LearningOverride != nil {
		score = (1-learningWeight)*score + learningWeight*clamp01(*sig.LearningOverride)
		reasons = append(reasons, ReasonLearningOverride)
	}

	// Rounding keeps sums like 0.5+0.15 from landing a hair under a cut point.
	score = math.Round(clamp01(score)*1e6) / 1e6
	return Result{
		Score:        score,
		Band:         BandFor(score),
		ReasonCodes:  reasons,
		ModelVersion: ModelVersion,
	}
}

// deadlineBoost returns the contribution and tier name for an OKR deadline.
// Overdue deadlines count as critical.
func deadlineBoost(deadline, now time.Time) (float64, string) {
	if deadline.IsZero() {
		return 0, ""
	}
	const day = 24 * time.Hour
	switch left := deadline.Sub(now); {
	case left <= 3*day:
		return 0.15, "critical"
	case left <= 7*day:
		return 0.10, "near"
	case left <= 14*day:
		return 0.05, "upcoming"
	default:
		return 0, ""
	}
}

// BandFor maps a score onto its band.
func BandFor(score float64) protocol.Band {
	switch {
	case score >= CutP0:
		return protocol.BandP0
	case score >= CutP1:
		return protocol.BandP1
	case score >= CutP2:
		return protocol.BandP2
	default:
		return protocol.BandP3
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
