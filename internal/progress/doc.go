// Package progress carries scan milestones from workers to sinks (logs,
// metrics, persistence) and live consumer streams.
package progress
