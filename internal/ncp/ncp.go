// Package ncp drives a BLZ radio coprocessor over a serial or TCP transport:
// request/response correlation, callback dispatch, ZDO and APS data sends.
package ncp

import (
	"context"
	"fmt"

	"blz-host/internal/blz"
	"blz-host/internal/zdo"
)

// NCP is what the coordinator needs from a coprocessor driver.
type NCP interface {
	// Lifecycle
	Open(ctx context.Context) error
	Close() error
	Reset(ctx context.Context) error

	// Identity and network state
	Version(ctx context.Context) (Version, error)
	LocalEUI64(ctx context.Context) (blz.EUI64, error)
	NetworkState(ctx context.Context) (blz.NetworkState, error)
	NetworkParameters(ctx context.Context) (blz.NetworkParameters, error)
	Heartbeat(ctx context.Context) error

	// Commissioning
	FormNetwork(ctx context.Context, s NetworkSettings) error
	JoinNetwork(ctx context.Context, s NetworkSettings) error
	LeaveNetwork(ctx context.Context) error
	NetworkInit(ctx context.Context) error
	PermitJoining(ctx context.Context, seconds uint8) error
	AddEndpoint(ctx context.Context, ep blz.AddEndpointRequest) error
	SetConcentrator(ctx context.Context, enable bool) error
	EnergyScan(ctx context.Context, channelMask uint32, duration uint8) ([]blz.EnergyScanResult, error)

	// Security material
	NwkSecurityInfos(ctx context.Context) (blz.NwkSecurityInfos, error)
	SetNwkSecurityInfos(ctx context.Context, key blz.Key, frameCounter uint32, keySeq uint8) error
	GlobalTCLinkKey(ctx context.Context) (blz.LinkKeyInfo, error)
	SetGlobalTCLinkKey(ctx context.Context, key blz.Key, frameCounter uint32) error

	// Data
	SendZdo(ctx context.Context, req ZdoRequest) (*zdo.Response, error)
	SendData(ctx context.Context, req DataRequest) (uint32, error)
	Exchange(ctx context.Context, req DataRequest, match DataMatch) (blz.ApsDataIndication, error)

	// Callbacks
	OnStackStatus(handler func(blz.StackStatus))
	OnDeviceJoin(handler func(blz.DeviceJoin))
	OnApsData(handler func(blz.ApsDataIndication))
	OnZdoResponse(handler func(zdo.Response))
	OnNwkStatus(handler func(blz.NwkStatus))
	OnClose(handler func(error))

	Stats() Stats
}

// Version is the firmware identification read at startup.
type Version struct {
	BLZ   string `json:"blz"`
	Stack string `json:"stack"`
	App   string `json:"app,omitempty"`
}

func (v Version) String() string {
	return fmt.Sprintf("blz %s, stack %s", v.BLZ, v.Stack)
}

// NetworkSettings are the parameters a network is formed or joined with.
type NetworkSettings struct {
	ExtPanID blz.EUI64
	PanID    uint16
	Channel  uint8
}

func (s NetworkSettings) String() string {
	return fmt.Sprintf("pan=0x%04X ext=%s channel=%d", s.PanID, s.ExtPanID, s.Channel)
}

// ZdoRequest is one ZDO request. IEEE is only needed for requests whose
// response is matched by IEEE address (network address, leave).
type ZdoRequest struct {
	Cluster uint16
	NwkAddr uint16
	IEEE    blz.EUI64
	Payload []byte
	// ExpectResponse waits for the matching response cluster.
	ExpectResponse bool
}

// DataRequest is one APS data send.
type DataRequest struct {
	DstAddr   uint16
	ProfileID uint16
	ClusterID uint16
	SrcEP     uint8
	DstEP     uint8
	Radius    uint8
	TxOptions uint8
	// Group sends to the multicast group DstAddr.
	Group   bool
	Payload []byte
	// WaitConfirm waits for the apsDataConfirm carrying this send's tag.
	WaitConfirm bool
}

// MessageType derives the APS message type from the destination.
func (r DataRequest) MessageType() uint8 {
	switch {
	case r.Group:
		return blz.MsgMulticast
	case r.DstAddr >= blz.BroadcastAddressMin:
		return blz.MsgBroadcast
	default:
		return blz.MsgUnicast
	}
}

// Stats is a snapshot of driver activity.
type Stats struct {
	Connected      bool `json:"connected"`
	QueueWaiting   int  `json:"queue_waiting"`
	QueueRunning   int  `json:"queue_running"`
	CommandWaiters int  `json:"command_waiters"`
	ZdoWaiters     int  `json:"zdo_waiters"`
	DataWaiters    int  `json:"data_waiters"`
}
