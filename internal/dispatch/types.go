package dispatch

import (
	"errors"
	"fmt"
	"time"

	"launchbot/internal/launch"
)

var ErrStaleSchedule = errors.New("dispatch: schedule is stale")

// StaleScheduleError is returned when a refresh ran after the job was
// planned, or the event row was not written by the latest refresh. The
// caller must reconcile before anything is sent.
type StaleScheduleError struct {
	EventID    string
	JobEpoch   int64
	RowEpoch   int64
	StoreEpoch int64
}

func (e *StaleScheduleError) Error() string {
	if e.JobEpoch != 0 && e.JobEpoch != e.StoreEpoch {
		return fmt.Sprintf("event %s planned at epoch %d, store epoch is %d", e.EventID, e.JobEpoch, e.StoreEpoch)
	}
	return fmt.Sprintf("event %s reconciled at %d, store epoch is %d", e.EventID, e.RowEpoch, e.StoreEpoch)
}

func (e *StaleScheduleError) Is(target error) bool { return target == ErrStaleSchedule }

type Config struct {
	// RatePerSec caps sends per second. <= 0 disables pacing.
	RatePerSec float64
	// BurstEvery inserts BurstPause after this many sends.
	BurstEvery int
	BurstPause time.Duration
	// RetryMax is the number of retries after the first attempt.
	RetryMax    int
	RetryDelay  time.Duration
	SendTimeout time.Duration
	// MissedAfter is how late a lead-time job may fire and still send.
	MissedAfter time.Duration
	HistorySize int
}

func DefaultConfig() Config {
	return Config{
		RatePerSec:  4,
		BurstEvery:  50,
		BurstPause:  3 * time.Second,
		RetryMax:    5,
		RetryDelay:  time.Second,
		SendTimeout: 15 * time.Second,
		MissedAfter: 5 * time.Minute,
		HistorySize: 64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RatePerSec == 0 {
		c.RatePerSec = d.RatePerSec
	}
	if c.BurstEvery == 0 {
		c.BurstEvery = d.BurstEvery
	}
	if c.BurstPause == 0 {
		c.BurstPause = d.BurstPause
	}
	if c.RetryMax == 0 {
		c.RetryMax = d.RetryMax
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.MissedAfter <= 0 {
		c.MissedAfter = d.MissedAfter
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}

// Job is one due (event, class) pair.
type Job struct {
	EventID string
	Class   launch.Class
	// ScheduledAt is the intended fire time; zero means "now".
	ScheduledAt  time.Time
	Postponement *launch.Postponement
	// Epoch is the store epoch the job was planned against. Zero skips the
	// check.
	Epoch int64
}

type State string

const (
	StatePending State = "PENDING"
	StateSending State = "SENDING"
	StateSent    State = "SENT"
	StatePartial State = "PARTIAL"
	StateFailed  State = "FAILED"
	StateMissed  State = "MISSED"
	StateSkipped State = "SKIPPED"
)

// Failure records one recipient that did not get the notice.
type Failure struct {
	ChatID   int64
	Attempts int
	Removed  bool
	Err      string
}

type Result struct {
	ID         string
	Job        Job
	State      State
	Reason     string
	Recipients int
	Delivered  int
	Removed    int
	Superseded int
	Failures   []Failure
	Receipts   []launch.Receipt
	StartedAt  time.Time
	DoneAt     time.Time
}
