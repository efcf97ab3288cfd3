// Package scheduler submits recurring tasks to the execution engine on cron or
// fixed-interval schedules. It only triggers; queueing, dispatch and timeouts
// stay with the engine.
package scheduler
