// Package analytics emits presence transition events (open, close) to an
// ingestion pipeline. Sinks are best effort: callers log and drop failures.
package analytics
