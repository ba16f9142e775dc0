// Package farm defines the core types shared across the orchestrator: work
// items, the collaborator interfaces for work sources, session providers and
// page drivers, task outcomes, and the error taxonomy used to classify them.
package farm
