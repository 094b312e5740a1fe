package coordinator

import (
	"errors"
	"fmt"

	"blz-host/internal/blz"
	"blz-host/internal/store"
)

// State is a step of the commissioning sequence.
type State int

const (
	StateDisconnected State = iota
	StateResetting
	StateQueryingState
	StateJoining
	StateForming
	StateRestoring
	StateReady
	StateFaulted
)

var stateNames = [...]string{
	StateDisconnected:  "disconnected",
	StateResetting:     "resetting",
	StateQueryingState: "querying_state",
	StateJoining:       "joining",
	StateForming:       "forming",
	StateRestoring:     "restoring",
	StateReady:         "ready",
	StateFaulted:       "faulted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StartResult tells how Start brought the network up.
type StartResult int

const (
	// Resumed: the device already ran the configured network.
	Resumed StartResult = iota
	// Restored: the network was re-formed from the stored backup.
	Restored
	// Reset: the network was formed (or joined) fresh from configuration.
	Reset
)

func (r StartResult) String() string {
	switch r {
	case Resumed:
		return "resumed"
	case Restored:
		return "restored"
	case Reset:
		return "reset"
	default:
		return fmt.Sprintf("StartResult(%d)", int(r))
	}
}

func (r StartResult) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// ErrConfigurationDrift is returned when the device still runs the network
// recorded in the backup but the configuration asks for a different one.
// Re-forming would orphan every paired device, so nothing is changed.
var ErrConfigurationDrift = errors.New("configuration drift: device and backup agree on a network that differs from the configuration; " +
	"update the configuration to match or remove the backup to form a new network")

// ErrWatchdogExhausted is logged when consecutive heartbeats fail and the
// driver is reset.
var ErrWatchdogExhausted = errors.New("watchdog: heartbeat failures exhausted")

// ConnectError is returned by Start when the transport could not be opened.
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// CommissioningError is returned by Start when a step against the device
// fails. Steps are not retried individually.
type CommissioningError struct {
	Step string
	Err  error
}

func (e *CommissioningError) Error() string {
	return fmt.Sprintf("commissioning %s: %v", e.Step, e.Err)
}

func (e *CommissioningError) Unwrap() error { return e.Err }

// NetworkOptions is the network the coordinator is configured to run.
type NetworkOptions struct {
	NodeType blz.NodeType
	PanID    uint16
	ExtPanID blz.EUI64
	Channel  uint8
	// NetworkKey is used when forming fresh; nil generates a random key.
	NetworkKey *blz.Key
}

// DeviceNetwork is what the device reports about its current network.
// Valid is false when the device holds no network parameters.
type DeviceNetwork struct {
	Valid    bool
	Up       bool
	NodeType blz.NodeType
	PanID    uint16
	ExtPanID blz.EUI64
	Channel  uint8
}

func deviceNetwork(state blz.NetworkState, p blz.NetworkParameters, valid bool) DeviceNetwork {
	return DeviceNetwork{
		Valid:    valid,
		Up:       state == blz.NetworkConnected,
		NodeType: p.NodeType,
		PanID:    p.PanID,
		ExtPanID: p.ExtPanID,
		Channel:  p.Channel,
	}
}

func (d DeviceNetwork) matches(o NetworkOptions) bool {
	return d.Valid && d.NodeType == o.NodeType && d.PanID == o.PanID && d.ExtPanID == o.ExtPanID && d.Channel == o.Channel
}

func (d DeviceNetwork) matchesBackup(b *store.Backup) bool {
	return d.Valid && b != nil && d.PanID == b.PanID && d.ExtPanID == b.ExtPanID && d.Channel == b.Channel
}

func backupMatches(b *store.Backup, o NetworkOptions) bool {
	return b != nil && b.PanID == o.PanID && b.ExtPanID == o.ExtPanID && b.Channel == o.Channel
}

// Decide picks how to bring the network up. backup is nil when none exists.
// A backup is only ever restored onto a coordinator.
func Decide(device DeviceNetwork, configured NetworkOptions, backup *store.Backup) (StartResult, error) {
	if device.matches(configured) {
		return Resumed, nil
	}
	if configured.NodeType == blz.NodeCoordinator && backupMatches(backup, configured) {
		return Restored, nil
	}
	if device.matchesBackup(backup) {
		return 0, ErrConfigurationDrift
	}
	return Reset, nil
}
