// Package jobserver is a mock translation job server. It answers status
// queries for correlation ids: pending while the simulated work runs, then a
// sticky completed or error outcome. Idle entries are swept periodically.
package jobserver
