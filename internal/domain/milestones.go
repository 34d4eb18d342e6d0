package domain

// NewlyCrossed returns the milestones whose count is at or below count and
// that are not in notified, in ascending threshold order.
func NewlyCrossed(count int, thresholds Thresholds, notified map[string]struct{}) []Milestone {
	ordered := make(Thresholds, len(thresholds))
	copy(ordered, thresholds)
	ordered.Normalize()

	var crossed []Milestone
	for _, m := range ordered {
		if m.Count > count {
			break
		}
		if _, ok := notified[m.Name]; ok {
			continue
		}
		crossed = append(crossed, m)
	}

	return crossed
}

// RequiresAnalysis reports whether any milestone asks for an analysis run.
func RequiresAnalysis(milestones []Milestone) bool {
	for _, m := range milestones {
		if m.Analyze {
			return true
		}
	}

	return false
}

// NextMilestone returns the lowest milestone strictly above count.
func NextMilestone(count int, thresholds Thresholds) (Milestone, bool) {
	ordered := make(Thresholds, len(thresholds))
	copy(ordered, thresholds)
	ordered.Normalize()

	for _, m := range ordered {
		if m.Count > count {
			return m, true
		}
	}

	return Milestone{}, false
}
