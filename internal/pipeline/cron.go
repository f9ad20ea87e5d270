package pipeline

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// schedule is a parsed 5-field cron expression:
// minute hour day-of-month month day-of-week.
type schedule struct {
	cs cron.Schedule
}

func parseSchedule(expr string) (schedule, error) {
	cs, err := cron.ParseStandard(expr)
	if err != nil {
		return schedule{}, err
	}
	return schedule{cs: cs}, nil
}

// next returns the first activation strictly after t.
func (s schedule) next(t time.Time) (time.Time, error) {
	n := s.cs.Next(t)
	if n.IsZero() {
		return time.Time{}, errors.New("cron schedule never fires")
	}
	return n, nil
}

// ValidateCron reports whether expr is a usable 5-field schedule.
func ValidateCron(expr string) error {
	s, err := parseSchedule(expr)
	if err != nil {
		return err
	}
	_, err = s.next(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	return err
}
