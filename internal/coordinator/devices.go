package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"blz-host/internal/blz"
	"blz-host/internal/ncp"
	"blz-host/internal/store"
	"blz-host/internal/syncutil"
	"blz-host/internal/zdo"
)

// DeviceManager keeps the device table in the store in step with join,
// announce and leave notifications from the coprocessor.
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	addrMu    syncutil.RWMutex
	addrIndex map[uint16]string // nwk address -> IEEE
}

// NewDeviceManager creates a device manager bound to a coordinator.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:     coord,
		logger:    coord.logger.With("component", "devices"),
		addrIndex: make(map[uint16]string),
	}
}

func (dm *DeviceManager) updateAddrIndex(ieee string, nwk uint16) {
	dm.addrMu.Lock()
	defer dm.addrMu.Unlock()
	for addr, stored := range dm.addrIndex {
		if stored == ieee && addr != nwk {
			delete(dm.addrIndex, addr)
		}
	}
	dm.addrIndex[nwk] = ieee
}

func (dm *DeviceManager) removeFromAddrIndex(ieee string) {
	dm.addrMu.Lock()
	defer dm.addrMu.Unlock()
	for addr, stored := range dm.addrIndex {
		if stored == ieee {
			delete(dm.addrIndex, addr)
		}
	}
}

// LookupIEEE returns the IEEE address last seen at nwk.
func (dm *DeviceManager) LookupIEEE(nwk uint16) (string, bool) {
	dm.addrMu.RLock()
	defer dm.addrMu.RUnlock()
	ieee, ok := dm.addrIndex[nwk]
	return ieee, ok
}

// RebuildAddrIndex loads the address index from the store.
func (dm *DeviceManager) RebuildAddrIndex() {
	devices, err := dm.coord.store.ListDevices()
	if err != nil {
		dm.logger.Error("rebuild address index", "err", err)
		return
	}
	dm.addrMu.Lock()
	defer dm.addrMu.Unlock()
	clear(dm.addrIndex)
	for _, dev := range devices {
		if !dev.Left {
			dm.addrIndex[dev.ShortAddress] = dev.IEEEAddress
		}
	}
}

// HandleJoin records a joined or rejoined device and reports whether it is
// new to the store.
func (dm *DeviceManager) HandleJoin(evt blz.DeviceJoin) bool {
	ieee := evt.EUI64.String()
	dm.updateAddrIndex(ieee, evt.NodeID)

	now := time.Now()
	dev, err := dm.coord.store.GetDevice(ieee)
	isNew := err != nil
	if isNew {
		dev = &store.Device{IEEEAddress: ieee, JoinedAt: now}
	}
	dev.ShortAddress = evt.NodeID
	dev.LastSeen = now
	dev.Left = false

	dm.logger.Info("device joined", "ieee", ieee, "nwk", fmt.Sprintf("0x%04X", evt.NodeID),
		"status", evt.Status, "new", isNew)
	if err := dm.coord.store.SaveDevice(dev); err != nil {
		dm.logger.Error("save device", "err", err, "ieee", ieee)
	}
	return isNew
}

// HandleAnnounce updates the address of an announcing device.
func (dm *DeviceManager) HandleAnnounce(a zdo.Announce) {
	ieee := a.IEEE.String()
	dm.updateAddrIndex(ieee, a.NwkAddr)
	err := dm.coord.store.UpdateDevice(ieee, func(dev *store.Device) error {
		dev.ShortAddress = a.NwkAddr
		dev.LastSeen = time.Now()
		dev.Left = false
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		now := time.Now()
		err = dm.coord.store.SaveDevice(&store.Device{IEEEAddress: ieee, ShortAddress: a.NwkAddr, JoinedAt: now, LastSeen: now})
	}
	if err != nil {
		dm.logger.Error("save announced device", "err", err, "ieee", ieee)
	}
}

// HandleLeave marks a device as gone.
func (dm *DeviceManager) HandleLeave(evt blz.DeviceJoin) {
	ieee := evt.EUI64.String()
	dm.removeFromAddrIndex(ieee)
	err := dm.coord.store.UpdateDevice(ieee, func(dev *store.Device) error {
		dev.Left = true
		dev.LastSeen = time.Now()
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		dm.logger.Error("mark device left", "err", err, "ieee", ieee)
	}
	dm.logger.Info("device left", "ieee", ieee, "nwk", fmt.Sprintf("0x%04X", evt.NodeID))
}

// Touch refreshes link quality for the sender of an APS frame.
func (dm *DeviceManager) Touch(nwk uint16, lqi uint8, rssi int8) {
	ieee, ok := dm.LookupIEEE(nwk)
	if !ok {
		return
	}
	err := dm.coord.store.UpdateDevice(ieee, func(dev *store.Device) error {
		dev.LastSeen = time.Now()
		dev.LQI = lqi
		dev.RSSI = rssi
		return nil
	})
	if err != nil {
		dm.logger.Debug("touch device", "err", err, "ieee", ieee)
	}
}

// RemoveDevice asks a device to leave and waits for the leave to be
// confirmed, then deletes it from the store.
func (dm *DeviceManager) RemoveDevice(ctx context.Context, ieee string) error {
	dev, err := dm.coord.store.GetDevice(ieee)
	if err != nil {
		return err
	}
	addr, err := blz.ParseEUI64(ieee)
	if err != nil {
		return err
	}
	if !dev.Left {
		_, err := dm.coord.ncp.SendZdo(ctx, ncp.ZdoRequest{
			Cluster:        zdo.LeaveRequest,
			NwkAddr:        dev.ShortAddress,
			IEEE:           addr,
			Payload:        zdo.LeavePayload(addr, false),
			ExpectResponse: true,
		})
		if err != nil {
			return fmt.Errorf("leave %s: %w", ieee, err)
		}
	}
	dm.removeFromAddrIndex(ieee)
	if err := dm.coord.store.DeleteDevice(ieee); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	dm.logger.Info("device removed", "ieee", ieee)
	return nil
}

// ListDevices returns all stored devices.
func (dm *DeviceManager) ListDevices() ([]*store.Device, error) {
	return dm.coord.store.ListDevices()
}

// GetDevice returns a device by IEEE address.
func (dm *DeviceManager) GetDevice(ieee string) (*store.Device, error) {
	return dm.coord.store.GetDevice(ieee)
}
