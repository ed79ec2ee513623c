package executor

import (
	"time"

	"transcodeengine/codec"
	"transcodeengine/gpu"
)

// NoResourceMessage is reported when every GPU slot is held.
const NoResourceMessage = "No GPU available. Please try again later."

// Mode selects where an acquired slot's work runs.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeSlurm Mode = "slurm"
)

// Job represents one transcode request
type Job struct {
	ID              string
	SourcePath      string
	DestinationPath string
	Operation       codec.Operation
	Priority        int
}

// Status is the outcome class of a job
type Status string

const (
	StatusSuccess             Status = "success"
	StatusFailure             Status = "failure"
	StatusNoResourceAvailable Status = "no_resource_available"
)

// Result contains the outcome of one job
type Result struct {
	Status  Status
	Message string
	// Slot is the GPU the job ran on, nil when none was acquired.
	Slot          *gpu.Slot
	ExternalJobID int
	Duration      time.Duration
}

func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

func noResource() Result {
	return Result{Status: StatusNoResourceAvailable, Message: NoResourceMessage}
}

func failure(msg string) Result {
	return Result{Status: StatusFailure, Message: msg}
}
