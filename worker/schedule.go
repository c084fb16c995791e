package worker

import (
	"time"
)

// PromptDelay is how far in the future a step is scheduled when its nominal
// slot is already in the past (late day-1 starts, resumes).
const PromptDelay = time.Minute

// StepDueTime computes when a step should fire. The nominal time is the
// sequence start date plus (dayOffset - 1) days, normalized to the fixed send
// hour in UTC. A nominal time already behind now collapses to now plus a
// short delay so the step fires promptly instead of a day late or never.
// The same rule applies at start and at every advancement.
func StepDueTime(startedAt time.Time, dayOffset int, sendHourUTC int, now time.Time) time.Time {
	start := startedAt.UTC()
	day := start.AddDate(0, 0, dayOffset-1)
	nominal := time.Date(day.Year(), day.Month(), day.Day(), sendHourUTC, 0, 0, 0, time.UTC)

	if !nominal.After(now) {
		return now.Add(PromptDelay)
	}
	return nominal
}
