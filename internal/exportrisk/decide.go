package exportrisk

import (
	"fmt"
	"time"
)

// User-facing messages.
const (
	MessageAccountLocked = "Your account has been temporarily locked due to suspicious export activity. " +
		"Please contact your administrator."
	MessageExportBlocked = "This export has been blocked due to unusual activity. Administrators have been notified."
	MessageWarning       = "Unusual export activity detected. This export is allowed, but further exports may be restricted."
)

// Aggregate combines evaluator results: the score is the maximum individual
// score clamped to [0, 1], and patterns are collected in result order.
func Aggregate(results []Result) (float64, []string) {
	score := 0.0
	patterns := []string{}
	for _, r := range results {
		score = max(score, r.Score)
		if r.Suspicious && r.Pattern != "" {
			patterns = append(patterns, r.Pattern)
		}
	}
	return min(max(score, 0), 1), patterns
}

// Classify maps an aggregate score onto the response ladder.
func Classify(score float64, t Thresholds) Action {
	switch {
	case score >= t.LockThreshold:
		return ActionAccountLocked
	case score >= t.BlockThreshold:
		return ActionExportBlocked
	case score >= t.WarningThreshold:
		return ActionWarningIssued
	default:
		return ActionAllowed
	}
}

// ComputeUsage counts the user's exports in the rolling hour, day, and week
// ending at now. pending is added to every window so a candidate export can
// be included in its own quota.
func ComputeUsage(events []ExportEvent, now time.Time, pending int, t Thresholds) Usage {
	u := Usage{
		HourlyUsed:  countSince(events, now.Add(-time.Hour)) + pending,
		HourlyLimit: t.MaxExportsPerHour,
		DailyUsed:   countSince(events, now.Add(-24*time.Hour)) + pending,
		DailyLimit:  t.MaxExportsPerDay,
		WeeklyUsed:  countSince(events, now.Add(-7*24*time.Hour)) + pending,
		WeeklyLimit: t.MaxExportsPerWeek,
	}
	u.HourlyRemaining = max(0, u.HourlyLimit-u.HourlyUsed)
	u.DailyRemaining = max(0, u.DailyLimit-u.DailyUsed)
	u.WeeklyRemaining = max(0, u.WeeklyLimit-u.WeeklyUsed)
	return u
}

func decisionMessage(action Action, usage Usage) string {
	switch action {
	case ActionAccountLocked:
		return MessageAccountLocked
	case ActionExportBlocked:
		return MessageExportBlocked
	case ActionWarningIssued:
		return MessageWarning
	}
	if usage.Low() {
		return fmt.Sprintf("You have %d export(s) remaining this hour and %d remaining today.",
			usage.HourlyRemaining, usage.DailyRemaining)
	}
	return ""
}
