package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"launchbot/internal/task/engine"
	logx "launchbot/pkg/logx"
)

type Config struct {
	// Timezone applies to cron specs. Empty means UTC.
	Timezone string
}

// Enqueuer is the part of the task engine the driver uses.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// Job is the work a timer or schedule triggers.
type Job func(ctx context.Context) error

type armed struct {
	at      time.Time
	timeout time.Duration
	job     Job
	ver     uint64
	timer   *time.Timer
}

type cronDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   []cronDef

	tmu     sync.Mutex
	running bool
	timers  map[string]*armed
	seq     uint64

	engine Enqueuer
	log    logx.Logger

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// ScheduleInfo describes one registered cron schedule.
type ScheduleInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}
