package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type SessionID string

type Milestone struct {
	Name    string
	Count   int
	Analyze bool
}

// Thresholds is kept sorted by ascending count, ties broken by name.
type Thresholds []Milestone

func DefaultThresholds() Thresholds {
	return Thresholds{
		{Name: "basic", Count: 5, Analyze: true},
		{Name: "intermediate", Count: 20, Analyze: true},
		{Name: "advanced", Count: 50, Analyze: true},
	}
}

// ThresholdsFromCounts builds analyzing milestones from a name to count
// mapping, as supplied by clients.
func ThresholdsFromCounts(counts map[string]int) Thresholds {
	thresholds := make(Thresholds, 0, len(counts))
	for name, count := range counts {
		thresholds = append(thresholds, Milestone{Name: name, Count: count, Analyze: true})
	}
	thresholds.Normalize()

	return thresholds
}

func (t Thresholds) Normalize() {
	for i := range t {
		t[i].Name = strings.TrimSpace(t[i].Name)
	}
	sort.SliceStable(t, func(i, j int) bool {
		if t[i].Count != t[j].Count {
			return t[i].Count < t[j].Count
		}
		return t[i].Name < t[j].Name
	})
}

func (t Thresholds) Validate() error {
	seen := make(map[string]struct{}, len(t))
	for _, m := range t {
		if m.Name == "" {
			return fmt.Errorf("%w: milestone name is required", ErrValidation)
		}
		if m.Count <= 0 {
			return fmt.Errorf("%w: milestone %q count must be positive", ErrValidation, m.Name)
		}
		if _, ok := seen[m.Name]; ok {
			return fmt.Errorf("%w: duplicate milestone %q", ErrValidation, m.Name)
		}
		seen[m.Name] = struct{}{}
	}

	return nil
}

// Counts returns the name to count mapping used on the wire.
func (t Thresholds) Counts() map[string]int {
	counts := make(map[string]int, len(t))
	for _, m := range t {
		counts[m.Name] = m.Count
	}

	return counts
}

type Session struct {
	ID         SessionID
	CreatedAt  time.Time
	EndedAt    *time.Time
	Thresholds Thresholds
	Notified   map[string]time.Time
}

func (s Session) Active() bool {
	return s.EndedAt == nil
}

func (s Session) NotifiedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Notified))
	for name := range s.Notified {
		set[name] = struct{}{}
	}

	return set
}

// SessionSummary is a read model joining a session with its ledger size
// and latest job.
type SessionSummary struct {
	Session   Session
	Count     int
	LatestJob *AnalysisJob
}
