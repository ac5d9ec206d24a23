package ledger

import "strings"

// Importance levels, 1..5.
const (
	ImportanceMinimal  = 1
	ImportanceLow      = 2
	ImportanceMedium   = 3
	ImportanceHigh     = 4
	ImportanceCritical = 5

	MinImportance = ImportanceMinimal
	MaxImportance = ImportanceCritical
)

// ImportanceSignals are the metadata signals the importance heuristic reads.
type ImportanceSignals struct {
	Deadline      string
	Tags          []string
	Reference     bool
	Relationships int
	AccessCount   int
}

// ComputeImportance scores an entry 1..5 with a fixed rule set: base 3
// (medium), +2 for a deadline, +2 for a priority tag, +1 for a reference
// flag or tag, +1 for any relationships, +1 when accessed more than 10
// times, clamped to the nearest defined level. The thresholds are part of
// the contract; callers and tests rely on them exactly.
func ComputeImportance(text string, signals ImportanceSignals) int {
	score := ImportanceMedium

	if strings.TrimSpace(signals.Deadline) != "" {
		score += 2
	}
	if hasTag(signals.Tags, "priority") {
		score += 2
	}
	if signals.Reference || hasExactTag(signals.Tags, "reference") {
		score++
	}
	if signals.Relationships > 0 {
		score++
	}
	if signals.AccessCount > 10 {
		score++
	}

	switch {
	case score >= ImportanceCritical:
		return ImportanceCritical
	case score == ImportanceHigh:
		return ImportanceHigh
	case score == ImportanceMedium:
		return ImportanceMedium
	case score == ImportanceLow:
		return ImportanceLow
	default:
		return ImportanceMinimal
	}
}

// ImportanceLabel names a 1..5 score.
func ImportanceLabel(score int) string {
	switch {
	case score >= ImportanceCritical:
		return "Critical"
	case score == ImportanceHigh:
		return "High"
	case score == ImportanceMedium:
		return "Medium"
	case score == ImportanceLow:
		return "Low"
	default:
		return "Minimal"
	}
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if strings.Contains(strings.ToLower(strings.TrimSpace(tag)), want) {
			return true
		}
	}
	return false
}

func hasExactTag(tags []string, want string) bool {
	for _, tag := range tags {
		if strings.ToLower(strings.TrimSpace(tag)) == want {
			return true
		}
	}
	return false
}
