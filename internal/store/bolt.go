package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices = []byte("devices")
	bucketNetwork = []byte("network")
	keyBackup     = []byte("backup")
)

// BoltStore keeps devices and the network backup in a single bbolt file.
// Values are JSON documents.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens path, creating the file and its buckets if needed.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDevices, bucketNetwork} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %s missing", name)
	}
	return b, nil
}

// getJSON decodes the value at key into v. what names the record in the
// ErrNotFound wrapping.
func getJSON(b *bolt.Bucket, key []byte, what string, v any) error {
	data := b.Get(key)
	if data == nil {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// update runs fn against one bucket in a read-write transaction.
func (s *BoltStore) update(name []byte, fn func(*bolt.Bucket) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, name)
		if err != nil {
			return err
		}
		return fn(b)
	})
}

// view runs fn against one bucket in a read-only transaction.
func (s *BoltStore) view(name []byte, fn func(*bolt.Bucket) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, name)
		if err != nil {
			return err
		}
		return fn(b)
	})
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.update(bucketDevices, func(b *bolt.Bucket) error {
		return putJSON(b, []byte(dev.IEEEAddress), dev)
	})
}

func (s *BoltStore) GetDevice(ieee string) (*Device, error) {
	dev := new(Device)
	err := s.view(bucketDevices, func(b *bolt.Bucket) error {
		return getJSON(b, []byte(ieee), "device "+ieee, dev)
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// DeleteDevice removes a device. Deleting an unknown device is not an error.
func (s *BoltStore) DeleteDevice(ieee string) error {
	return s.update(bucketDevices, func(b *bolt.Bucket) error {
		return b.Delete([]byte(ieee))
	})
}

func (s *BoltStore) UpdateDevice(ieee string, fn func(dev *Device) error) error {
	return s.update(bucketDevices, func(b *bolt.Bucket) error {
		var dev Device
		if err := getJSON(b, []byte(ieee), "device "+ieee, &dev); err != nil {
			return err
		}
		if err := fn(&dev); err != nil {
			return err
		}
		// fn may not rekey the record.
		dev.IEEEAddress = ieee
		return putJSON(b, []byte(ieee), &dev)
	})
}

// ListDevices returns all devices ordered by IEEE address.
func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.view(bucketDevices, func(b *bolt.Bucket) error {
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			dev := new(Device)
			if err := json.Unmarshal(v, dev); err != nil {
				return fmt.Errorf("decode device %s: %w", k, err)
			}
			devices = append(devices, dev)
			return nil
		})
	})
	return devices, err
}

// SaveBackup replaces the stored backup. Keys are written to disk even though
// Backup hides them from JSON.
func (s *BoltStore) SaveBackup(bk *Backup) error {
	return s.update(bucketNetwork, func(b *bolt.Bucket) error {
		return putJSON(b, keyBackup, backupRecord(*bk))
	})
}

func (s *BoltStore) GetBackup() (*Backup, error) {
	var rec backupRecord
	err := s.view(bucketNetwork, func(b *bolt.Bucket) error {
		return getJSON(b, keyBackup, "backup", &rec)
	})
	if err != nil {
		return nil, err
	}
	bk := Backup(rec)
	return &bk, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
