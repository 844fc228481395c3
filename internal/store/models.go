package store

import (
	"encoding/json"
	"time"
)

// ApprovalStatus is the review state of a snapshot.
type ApprovalStatus string

const (
	// StatusUserApproved is set only by explicit admin action.
	StatusUserApproved ApprovalStatus = "user_approved"
	// StatusSystemApproved is set by the check scheduler when a new
	// snapshot's hash matches the last approved hash.
	StatusSystemApproved ApprovalStatus = "system_approved"
	// StatusUnapproved is set by the scheduler on hash mismatch.
	StatusUnapproved ApprovalStatus = "unapproved"
)

// Valid reports whether s is one of the known approval statuses.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case StatusUserApproved, StatusSystemApproved, StatusUnapproved:
		return true
	}
	return false
}

// Approved reports whether the status counts toward the approved baseline.
func (s ApprovalStatus) Approved() bool {
	return s == StatusUserApproved || s == StatusSystemApproved
}

// Service represents a registered upstream MCP endpoint.
type Service struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	UpstreamURL           string    `json:"upstream_url"`
	Enabled               bool      `json:"enabled"`
	CheckFrequencyMinutes int       `json:"check_frequency_minutes"`
	Source                string    `json:"source"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Snapshot is one observation of an upstream's capability surface.
type Snapshot struct {
	ID        string          `json:"id"`
	ServiceID string          `json:"service_id"`
	Payload   json.RawMessage `json:"payload"`
	Hash      string          `json:"hash"`
	Status    ApprovalStatus  `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}
