// Package scheduler turns cron and interval schedules into task engine
// submissions. It computes trigger times only; execution, retries and overlap
// gating belong to the engine.
package scheduler
