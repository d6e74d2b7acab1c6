// Package scheduler turns cron specs, fixed intervals and custom
// cron.Schedule values into tasks on the task engine. It only decides when;
// execution, retries and overlap gating belong to internal/task/engine.
package scheduler
