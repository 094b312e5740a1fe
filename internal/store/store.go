// Package store persists joined devices and the network backup.
package store

import "errors"

// ErrNotFound is wrapped by lookups that find no record.
var ErrNotFound = errors.New("not found")

// Store is the persistence the coordinator depends on. Implementations must
// be safe for concurrent use.
type Store interface {
	SaveDevice(dev *Device) error
	// GetDevice wraps ErrNotFound for an unknown address.
	GetDevice(ieee string) (*Device, error)
	DeleteDevice(ieee string) error
	ListDevices() ([]*Device, error)
	// UpdateDevice applies fn to a stored device inside one transaction.
	// It wraps ErrNotFound when the device does not exist.
	UpdateDevice(ieee string, fn func(dev *Device) error) error

	// SaveBackup overwrites the single stored backup.
	SaveBackup(b *Backup) error
	// GetBackup wraps ErrNotFound when no backup was ever saved.
	GetBackup() (*Backup, error)

	Close() error
}
