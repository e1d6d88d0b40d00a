package models

import "time"

// MachineStatus reflects recency of polling.
type MachineStatus string

const (
	MachineStatusActive   MachineStatus = "active"
	MachineStatusInactive MachineStatus = "inactive"
)

// Machine is a worker process polling the control plane. Identified by
// (ClusterID, ID); upserted on every poll, with writes throttled to one per
// 60-second window per machine.
type Machine struct {
	ClusterID   string        `json:"clusterId"`
	ID          string        `json:"id"`
	LastPingAt  time.Time     `json:"lastPingAt"`
	IP          string        `json:"ip,omitempty"`
	SDKVersion  string        `json:"sdkVersion,omitempty"`
	SDKLanguage string        `json:"sdkLanguage,omitempty"`
	Status      MachineStatus `json:"status"`
}
