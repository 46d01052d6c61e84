package store

import (
	"fmt"

	"github.com/xfeldman/cfctl/internal/protocol"
)

// Metadata is the persisted record of an instance.
type Metadata struct {
	ID            protocol.InstanceID    `json:"id"`
	Purpose       *string                `json:"purpose"`
	AdbPort       uint16                 `json:"adb_port"`
	State         protocol.InstanceState `json:"state"`
	BootImage     string                 `json:"boot_image"`
	InitBootImage string                 `json:"init_boot_image"`
	CreatedAt     int64                  `json:"created_at"`
	UpdatedAt     int64                  `json:"updated_at"`
	Held          bool                   `json:"held"`
}

// Summary is the protocol view of m. Destroyed instances have no adb endpoint.
func (m *Metadata) Summary(host string) protocol.InstanceSummary {
	s := protocol.InstanceSummary{ID: m.ID, State: m.State}
	if m.State != protocol.StateDestroyed {
		s.Adb = &protocol.AdbInfo{
			Host:   host,
			Port:   m.AdbPort,
			Serial: fmt.Sprintf("%s:%d", host, m.AdbPort),
		}
	}
	return s
}

// SetState moves m to state and bumps updated_at.
func (m *Metadata) SetState(state protocol.InstanceState, now int64) {
	m.State = state
	m.UpdatedAt = now
}

// PurposeString returns the purpose or "".
func (m *Metadata) PurposeString() string {
	if m.Purpose == nil {
		return ""
	}
	return *m.Purpose
}

func (m *Metadata) clone() *Metadata {
	c := *m
	if m.Purpose != nil {
		p := *m.Purpose
		c.Purpose = &p
	}
	return &c
}
