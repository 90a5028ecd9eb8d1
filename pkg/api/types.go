// Package api implements the read-only HTTP API and Prometheus metrics
// endpoint of arpinspectd.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime           string `json:"uptime"`
	Unit             int    `json:"unit"`
	Role             string `json:"role"`
	PrimaryUnit      int    `json:"primary_unit"`
	InspectionActive bool   `json:"inspection_enabled"`
	StaticEntries    int    `json:"static_entries"`
	DynamicEntries   int    `json:"dynamic_entries"`
	Capacity         int    `json:"capacity"`
	ThresholdCrossed bool   `json:"threshold_crossed"`
	QueueDepth       int    `json:"queue_depth"`
}

// BindingEntry is one binding in API responses.
type BindingEntry struct {
	Switch int    `json:"switch"`
	Port   int    `json:"port"`
	VLAN   uint16 `json:"vlan"`
	MAC    string `json:"mac"`
	IP     string `json:"ip"`
	Kind   string `json:"kind"`
	RuleID uint32 `json:"rule_id,omitempty"`
}

// EventEntry is one inspection event in API responses.
type EventEntry struct {
	Time   string `json:"time"`
	Action string `json:"action"`
	Switch int    `json:"switch"`
	Port   int    `json:"port"`
	VLAN   uint16 `json:"vlan"`
	MAC    string `json:"mac,omitempty"`
	IP     string `json:"ip,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// LeaseEntry is one snooped DHCP lease.
type LeaseEntry struct {
	Switch  int    `json:"switch"`
	Port    int    `json:"port"`
	VLAN    uint16 `json:"vlan"`
	MAC     string `json:"mac"`
	IP      string `json:"ip"`
	Expires string `json:"expires"`
}
