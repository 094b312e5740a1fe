package blz

import "fmt"

// Status is the first byte of most responses.
type Status uint8

const (
	StatusSuccess Status = 0x00
	StatusFailure Status = 0x01
	StatusTimeout Status = 0x02
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("0x%02X", uint8(s))
	}
}

// NetworkState is reported by getNetworkState.
type NetworkState uint8

const (
	NetworkOffline   NetworkState = 0
	NetworkConnected NetworkState = 1
)

func (s NetworkState) String() string {
	switch s {
	case NetworkOffline:
		return "offline"
	case NetworkConnected:
		return "connected"
	default:
		return fmt.Sprintf("NetworkState(%d)", uint8(s))
	}
}

// NodeType is the role the device plays in the network.
type NodeType uint8

const (
	NodeCoordinator NodeType = 0x00
	NodeRouter      NodeType = 0x01
	NodeEndDevice   NodeType = 0x02
)

func (t NodeType) String() string {
	switch t {
	case NodeCoordinator:
		return "coordinator"
	case NodeRouter:
		return "router"
	case NodeEndDevice:
		return "end_device"
	default:
		return fmt.Sprintf("NodeType(0x%02X)", uint8(t))
	}
}

// ParseNodeType maps a config string to a NodeType.
func ParseNodeType(s string) (NodeType, error) {
	switch s {
	case "", "coordinator":
		return NodeCoordinator, nil
	case "router":
		return NodeRouter, nil
	case "end_device":
		return NodeEndDevice, nil
	default:
		return 0, fmt.Errorf("unknown node type %q", s)
	}
}

// ValueID selects a getValue/setValue slot.
type ValueID uint8

const (
	ValueBLZVersion               ValueID = 0x00
	ValueStackVersion             ValueID = 0x01
	ValueNeighborTableSize        ValueID = 0x02
	ValueSourceRouteTableSize     ValueID = 0x03
	ValueRouteTableSize           ValueID = 0x04
	ValueDiscoveryTableSize       ValueID = 0x05
	ValueAddressTableSize         ValueID = 0x06
	ValueMulticastTableSize       ValueID = 0x07
	ValueBroadcastTableSize       ValueID = 0x08
	ValueBindingTableSize         ValueID = 0x09
	ValueMaxEndDeviceChildren     ValueID = 0x0A
	ValueIndirectTransmitTimeout  ValueID = 0x0B
	ValueEndDeviceBindTimeout     ValueID = 0x0C
	ValueUniqueTCLinkKeyTableSize ValueID = 0x0D
	ValueTrustCenterAddress       ValueID = 0x0F
	ValueMACAddress               ValueID = 0x20
	ValueAppVersion               ValueID = 0x21
)

// APS message types.
const (
	MsgUnicast   uint8 = 0x01
	MsgMulticast uint8 = 0x02
	MsgBroadcast uint8 = 0x03
)

// APS transmit options.
const (
	TxOptionNone     uint8 = 0x00
	TxOptionSecurity uint8 = 0x01
	TxOptionAck      uint8 = 0x04
)

// JoinStatus is carried by deviceJoin callbacks.
type JoinStatus uint8

const (
	JoinSecuredRejoin   JoinStatus = 0x00
	JoinUnsecuredJoin   JoinStatus = 0x01
	JoinDeviceLeft      JoinStatus = 0x02
	JoinUnsecuredRejoin JoinStatus = 0x03
)

func (s JoinStatus) String() string {
	switch s {
	case JoinSecuredRejoin:
		return "secured_rejoin"
	case JoinUnsecuredJoin:
		return "unsecured_join"
	case JoinDeviceLeft:
		return "left"
	case JoinUnsecuredRejoin:
		return "unsecured_rejoin"
	default:
		return fmt.Sprintf("JoinStatus(0x%02X)", uint8(s))
	}
}

// Stack status codes carried by stackStatus callbacks.
const (
	StackNetworkUp   Status = 0x90
	StackNetworkDown Status = 0x91
)

// BroadcastAddressMin is the lowest reserved broadcast short address.
const BroadcastAddressMin uint16 = 0xFFF8

// Well-known broadcast addresses.
const (
	BroadcastAll      uint16 = 0xFFFF
	BroadcastRxOnIdle uint16 = 0xFFFD
	BroadcastRouters  uint16 = 0xFFFC
)
