package models

import (
	"time"
)

// WorkerStatus is the provisioning lifecycle of a VPS worker, distinct from
// the streaming lifecycle of the jobs it hosts.
type WorkerStatus string

const (
	WorkerProvisioning    WorkerStatus = "provisioning"
	WorkerActive          WorkerStatus = "active"
	WorkerProvisionFailed WorkerStatus = "provision_failed"
	WorkerRetired         WorkerStatus = "retired"
)

// WorkerNode is a VPS machine able to run streaming jobs up to a capacity
// ceiling.
type WorkerNode struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Address        string       `json:"address"`
	AgentToken     string       `json:"-"`
	IsActive       bool         `json:"is_active"`
	Status         WorkerStatus `json:"status"`
	MaxStreams     int          `json:"max_streams"`
	CurrentStreams int          `json:"current_streams"`
	LastSeenAt     *time.Time   `json:"last_seen_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// LoadRatio returns current load as a fraction of capacity. A worker with no
// configured capacity is reported as fully loaded.
func (w WorkerNode) LoadRatio() float64 {
	if w.MaxStreams <= 0 {
		return 1.0
	}
	return float64(w.CurrentStreams) / float64(w.MaxStreams)
}

// HasCapacity reports whether the worker can accept one more stream.
func (w WorkerNode) HasCapacity() bool {
	return w.CurrentStreams < w.MaxStreams
}

// RegisterWorkerRequest is the fleet-facing payload for registering a worker.
type RegisterWorkerRequest struct {
	Name       string `json:"name" binding:"required"`
	Address    string `json:"address" binding:"required"`
	AgentToken string `json:"agent_token"`
	MaxStreams int    `json:"max_streams" binding:"required"`
	Active     *bool  `json:"active"`
}

// SetWorkerActiveRequest toggles the administrative enable flag of a worker.
type SetWorkerActiveRequest struct {
	Active bool `json:"active"`
}

// SetWorkerStatusRequest moves a worker through its provisioning lifecycle.
type SetWorkerStatusRequest struct {
	Status WorkerStatus `json:"status" binding:"required"`
}

// ValidWorkerStatus reports whether s names a known worker status.
func ValidWorkerStatus(s WorkerStatus) bool {
	switch s {
	case WorkerProvisioning, WorkerActive, WorkerProvisionFailed, WorkerRetired:
		return true
	}
	return false
}
