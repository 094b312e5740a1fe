package store

import (
	"time"

	"blz-host/internal/blz"
)

// Device is a node seen joining the network.
type Device struct {
	IEEEAddress  string    `json:"ieee_address"`
	ShortAddress uint16    `json:"short_address"`
	JoinedAt     time.Time `json:"joined_at"`
	LastSeen     time.Time `json:"last_seen"`
	LQI          uint8     `json:"lqi,omitempty"`
	RSSI         int8      `json:"rssi,omitempty"`
	Left         bool      `json:"left,omitempty"`
}

// Backup is the network identity and security material needed to restore
// a network onto a blank coprocessor without re-pairing devices. The keys are
// never marshalled; BoltStore persists them through backupRecord.
type Backup struct {
	PanID        uint16    `json:"pan_id"`
	ExtPanID     blz.EUI64 `json:"ext_pan_id"`
	Channel      uint8     `json:"channel"`
	NetworkKey   blz.Key   `json:"-"`
	FrameCounter uint32    `json:"frame_counter"`
	KeySequence  uint8     `json:"key_sequence"`
	TCLinkKey    blz.Key   `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// backupRecord is the on-disk form of Backup.
type backupRecord struct {
	PanID        uint16    `json:"pan_id"`
	ExtPanID     blz.EUI64 `json:"ext_pan_id"`
	Channel      uint8     `json:"channel"`
	NetworkKey   blz.Key   `json:"network_key"`
	FrameCounter uint32    `json:"frame_counter"`
	KeySequence  uint8     `json:"key_sequence"`
	TCLinkKey    blz.Key   `json:"tc_link_key"`
	CreatedAt    time.Time `json:"created_at"`
}
