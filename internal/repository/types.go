// Package repository provides the run history: an audit log of executed
// runs and their steps. It is never consulted to skip steps.
package repository

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the run status.
type Status string

const (
	// StatusRunning indicates the run is in progress or crashed before finishing.
	StatusRunning Status = "running"
	// StatusSucceeded indicates every step completed.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the run stopped at a failing step.
	StatusFailed Status = "failed"
)

// Run represents one execution of a plan against a network.
type Run struct {
	ID           uuid.UUID
	RunID        string // ULID shown to operators
	Network      string
	NetworkID    string
	From         string
	Status       Status
	ErrorMessage *string
	ErrorKind    *string
	Addresses    json.RawMessage // artifact name to address
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// Step represents one executed step of a run.
type Step struct {
	ID           uuid.UUID
	RunID        string
	Position     int
	Kind         string
	Step         string
	Address      string
	TxHash       string
	GasUsed      uint64
	BlockNumber  uint64
	Duration     time.Duration
	ErrorMessage *string
	CreatedAt    time.Time
}

// RunUpdate holds the fields written when a run finishes.
type RunUpdate struct {
	Status       Status
	ErrorMessage *string
	ErrorKind    *string
	Addresses    json.RawMessage
	FinishedAt   time.Time
}
