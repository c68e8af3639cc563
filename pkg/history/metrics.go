package history

import (
	"fmt"
	"time"
)

// Metrics summarizes the retained history
type Metrics struct {
	TotalActivations  int                `json:"total_activations"`
	TotalCleared      int                `json:"total_cleared"`
	TotalExpired      int                `json:"total_expired"`
	TotalOverridden   int                `json:"total_overridden"`
	MeanDuration      time.Duration      `json:"mean_duration"`
	EffectivenessRate float64            `json:"effectiveness_rate"`
	ByReason          map[string]int     `json:"by_reason"`
	ByTrigger         map[Trigger]int    `json:"by_trigger"`
}

// Analysis thresholds for the fixed recommendation heuristics
const (
	lowEffectivenessPct     = 30.0
	minOutcomesForAnalysis  = 5
	movementDominancePct    = 60.0
	longMeanDuration        = 30 * time.Second
)

// Metrics derives counters and rates from the retained entries. The
// effectiveness rate is the share of grace periods that ran to natural expiry
// among those with a terminal outcome.
func (l *Log) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := Metrics{
		ByReason:  make(map[string]int),
		ByTrigger: make(map[Trigger]int),
	}

	var durationSum time.Duration
	var durationCount int

	for _, e := range l.entries {
		switch e.Action {
		case ActionActivated:
			m.TotalActivations++
			if e.Reason != "" {
				m.ByReason[e.Reason]++
			}
		case ActionCleared:
			m.TotalCleared++
		case ActionExpired:
			m.TotalExpired++
		case ActionOverridden:
			m.TotalOverridden++
		}
		m.ByTrigger[e.Trigger]++

		if e.DurationMS > 0 {
			durationSum += time.Duration(e.DurationMS) * time.Millisecond
			durationCount++
		}
	}

	if durationCount > 0 {
		m.MeanDuration = durationSum / time.Duration(durationCount)
	}

	outcomes := m.TotalExpired + m.TotalCleared
	if outcomes > 0 {
		m.EffectivenessRate = float64(m.TotalExpired) / float64(outcomes) * 100
	}

	return m
}

// AnalyzePerformance produces human-readable recommendations from fixed
// threshold rules over the metrics. No learning, just heuristics.
func (l *Log) AnalyzePerformance() []string {
	m := l.Metrics()
	var recommendations []string

	outcomes := m.TotalExpired + m.TotalCleared
	if outcomes >= minOutcomesForAnalysis && m.EffectivenessRate < lowEffectivenessPct {
		recommendations = append(recommendations, fmt.Sprintf(
			"effectiveness is low (%.0f%%): most grace periods are cleared before expiry, consider shorter durations",
			m.EffectivenessRate))
	}

	if m.TotalActivations >= minOutcomesForAnalysis {
		movementShare := float64(m.ByReason["movement"]) / float64(m.TotalActivations) * 100
		if movementShare > movementDominancePct {
			recommendations = append(recommendations, fmt.Sprintf(
				"movement dominates activations (%.0f%%): consider raising the movement threshold",
				movementShare))
		}
	}

	if m.MeanDuration > longMeanDuration {
		recommendations = append(recommendations, fmt.Sprintf(
			"mean grace duration is long (%s): notifications may feel unresponsive",
			m.MeanDuration.Round(time.Second)))
	}

	return recommendations
}
