package domain

import "strings"

// Priority is the closed set of project priorities.
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

// ParsePriority accepts High, Medium or Low in any letter case.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	}
	return "", &ValidationError{Field: "priority", Reason: "must be High, Medium or Low"}
}

// Rank orders priorities High < Medium < Low. Values outside the set rank last.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool { return p.Rank() < 3 }
