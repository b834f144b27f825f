// Package metrics exposes Prometheus instrumentation for the control
// plane (webhook decisions, build outcomes and durations, queue depths,
// store ingests, installations, mail) plus the component health registry
// served on the health endpoint.
package metrics
