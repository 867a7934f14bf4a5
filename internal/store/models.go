package store

import "time"

// Identity holds device identity values that override the configuration.
// Empty fields keep the configured value.
type Identity struct {
	FriendlyName    string `json:"friendly_name,omitempty"`
	Address         string `json:"address,omitempty"`
	Serial          string `json:"serial,omitempty"`
	ProjectID       uint16 `json:"project_id,omitempty"`
	ProgrammingMode *bool  `json:"programming_mode,omitempty"`
}

// Features holds the tunnelling features a client may change.
type Features struct {
	InfoServiceEnable bool      `json:"info_service_enable"`
	ActiveEMI         uint8     `json:"active_emi"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Session is one closed tunnelling or management connection.
type Session struct {
	ID           uint64    `json:"id"`
	Channel      uint8     `json:"channel"`
	Type         string    `json:"type"`
	Address      string    `json:"address,omitempty"`
	Endpoint     string    `json:"endpoint"`
	Connected    time.Time `json:"connected"`
	Disconnected time.Time `json:"disconnected"`
	Reason       string    `json:"reason"`
}
