// Package scheduler is the job driver: it keeps at most one armed timer per
// purpose ("refresh", "notify") plus a few cron schedules, and hands due work
// to the task engine. It decides nothing about what runs when; the control
// loop re-arms it after every cycle.
package scheduler
