package planner

import (
	"strings"

	"github.com/simworld/simworld/pkg/model"
)

// ReplanDecision says which plan layers an observation invalidates.
type ReplanDecision struct {
	Minute bool
	Hourly bool
}

func (d ReplanDecision) Needed() bool {
	return d.Minute || d.Hourly
}

var contradictionMarkers = []string{
	"no longer", "not there", "cannot", "can't", "isn't", "is closed",
	"is gone", "unavailable", "refused", "won't",
}

// NeedsReplan decides whether an observation disrupts the current plan.
// A disruption marker forces a minute replan; a significant-change marker
// additionally invalidates the hourly plan. Absent markers, an observation
// that contradicts the current minute step still forces a minute replan.
func (p *Planner) NeedsReplan(observation string, current *model.MinuteStep) ReplanDecision {
	lower := strings.ToLower(observation)

	var d ReplanDecision
	for _, marker := range p.cfg.SignificantMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return ReplanDecision{Minute: true, Hourly: true}
		}
	}
	for _, marker := range p.cfg.DisruptionMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			d.Minute = true
			break
		}
	}
	if !d.Minute && current != nil && contradicts(lower, current.Action) {
		d.Minute = true
	}
	return d
}

// contradicts reports whether the observation negates something the
// current step refers to: it must carry a negation phrase and share a
// content word with the step text.
func contradicts(observation, stepText string) bool {
	if !containsAny(observation, contradictionMarkers) {
		return false
	}
	for _, word := range strings.Fields(strings.ToLower(stepText)) {
		word = strings.Trim(word, ".,;:!?")
		if len(word) <= 3 {
			continue
		}
		if strings.Contains(observation, word) {
			return true
		}
	}
	return false
}
