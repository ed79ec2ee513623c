package model

import "transcodeengine/gpu"

// JobRequest is the wire form of one transcode job
type JobRequest struct {
	TrackingID      string `json:"tracking_id,omitempty"`
	SourcePath      string `json:"source_path" binding:"required"`
	DestinationPath string `json:"destination_path" binding:"required"`
	Operation       string `json:"operation" binding:"required"`
	Priority        int    `json:"priority"`
}

// BatchJobRequest carries an ordered list of jobs processed together
type BatchJobRequest struct {
	TrackingID string       `json:"tracking_id,omitempty"`
	Jobs       []JobRequest `json:"jobs" binding:"required"`
}

// JobResponse is the outcome of one job as reported to callers
type JobResponse struct {
	TrackingID    string `json:"tracking_id,omitempty"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	Success       bool   `json:"success"`
	Slot          *int   `json:"slot,omitempty"`
	ExternalJobID int    `json:"external_job_id,omitempty"`
	ExecutionTime string `json:"execution_time,omitempty"`
}

// BatchResponse holds per-job results aligned with the request order
type BatchResponse struct {
	TrackingID string        `json:"tracking_id,omitempty"`
	Results    []JobResponse `json:"results"`
}

// SubmitResponse acknowledges an accepted request without waiting for it
type SubmitResponse struct {
	Status     string `json:"status"`
	TrackingID string `json:"tracking_id"`
	// JobTrackingIDs holds the per-job ids of a batch, in request order.
	JobTrackingIDs []string `json:"job_tracking_ids,omitempty"`
}

// StatusResponse reports pool occupancy and per-slot usage
type StatusResponse struct {
	gpu.PoolStatus
	Mode    string `json:"mode"`
	Backend string `json:"backend"`
}

// Stats is the subset of the Docker stats JSON used for usage sampling
type Stats struct {
	Name        string      `json:"name"`
	ID          string      `json:"id"`
	Read        string      `json:"read"`
	Preread     string      `json:"preread"`
	PidsStats   PidsStats   `json:"pids_stats"`
	CPUStats    CPUStats    `json:"cpu_stats"`
	PreCPUStats CPUStats    `json:"precpu_stats"`
	MemoryStats MemoryStats `json:"memory_stats"`
}

// PidsStats represents process statistics.
type PidsStats struct {
	Current int `json:"current"`
	Limit   int `json:"limit"`
}

// CPUStats represents CPU statistics.
type CPUStats struct {
	CPUUsage       CPUUsage `json:"cpu_usage"`
	SystemCPUUsage int64    `json:"system_cpu_usage"`
	OnlineCPUs     int      `json:"online_cpus"`
}

// CPUUsage represents detailed CPU usage statistics.
type CPUUsage struct {
	TotalUsage        int64 `json:"total_usage"`
	UsageInKernelMode int64 `json:"usage_in_kernelmode"`
	UsageInUserMode   int64 `json:"usage_in_usermode"`
}

// MemoryStats represents memory statistics.
type MemoryStats struct {
	Usage int64 `json:"usage"`
	Limit int64 `json:"limit"`
}
