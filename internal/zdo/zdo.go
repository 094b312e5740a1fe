// Package zdo holds the ZigBee Device Object cluster ids and the payload
// adjustments the BLZ firmware expects before a ZDO request goes out as APS
// data on profile 0.
package zdo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"blz-host/internal/blz"
)

// ProfileID is the ZDO application profile.
const ProfileID uint16 = 0x0000

// Endpoint is the ZDO endpoint on every node.
const Endpoint uint8 = 0x00

// Request cluster ids.
const (
	NetworkAddressRequest        uint16 = 0x0000
	IEEEAddressRequest           uint16 = 0x0001
	NodeDescriptorRequest        uint16 = 0x0002
	PowerDescriptorRequest       uint16 = 0x0003
	SimpleDescriptorRequest      uint16 = 0x0004
	ActiveEndpointsRequest       uint16 = 0x0005
	MatchDescriptorRequest       uint16 = 0x0006
	EndDeviceAnnounce            uint16 = 0x0013
	SystemServerDiscoveryRequest uint16 = 0x0015
	ParentAnnounce               uint16 = 0x001F
	BindRequest                  uint16 = 0x0021
	UnbindRequest                uint16 = 0x0022
	LQITableRequest              uint16 = 0x0031
	RoutingTableRequest          uint16 = 0x0032
	BindingTableRequest          uint16 = 0x0033
	LeaveRequest                 uint16 = 0x0034
	PermitJoiningRequest         uint16 = 0x0036
	NwkUpdateRequest             uint16 = 0x0038
)

// ResponseFlag is set on every response cluster id.
const ResponseFlag uint16 = 0x8000

// Response cluster ids matched specially by the driver.
const (
	NetworkAddressResponse = NetworkAddressRequest | ResponseFlag
	LeaveResponse          = LeaveRequest | ResponseFlag
)

// Multicast bind and unbind requests are 14 bytes; the firmware wants a
// trailing endpoint byte on those.
const multicastBindLength = 14

type adjustment uint8

const (
	adjustNone adjustment = iota
	appendZero
	appendZeroIfMulticast
	prependNwkAddr
)

var adjustments = map[uint16]adjustment{
	LeaveRequest:                 appendZero,
	BindRequest:                  appendZeroIfMulticast,
	UnbindRequest:                appendZeroIfMulticast,
	PermitJoiningRequest:         prependNwkAddr,
	SystemServerDiscoveryRequest: prependNwkAddr,
	LQITableRequest:              prependNwkAddr,
	RoutingTableRequest:          prependNwkAddr,
	BindingTableRequest:          prependNwkAddr,
	NwkUpdateRequest:             prependNwkAddr,
}

// Adjust returns the payload the firmware expects for cluster. The input
// slice is never modified; unknown clusters are returned as a copy.
func Adjust(cluster, nwkAddr uint16, payload []byte) []byte {
	switch adjustments[cluster] {
	case appendZero:
		return append(clone(payload, 1), 0x00)
	case appendZeroIfMulticast:
		if len(payload) == multicastBindLength {
			return append(clone(payload, 1), 0x00)
		}
	case prependNwkAddr:
		out := make([]byte, 2, len(payload)+2)
		binary.LittleEndian.PutUint16(out, nwkAddr)
		return append(out, payload...)
	}
	return clone(payload, 0)
}

func clone(b []byte, extra int) []byte {
	out := make([]byte, len(b), len(b)+extra)
	copy(out, b)
	return out
}

var requests = map[uint16]string{
	NetworkAddressRequest:        "NETWORK_ADDRESS",
	IEEEAddressRequest:           "IEEE_ADDRESS",
	NodeDescriptorRequest:        "NODE_DESCRIPTOR",
	PowerDescriptorRequest:       "POWER_DESCRIPTOR",
	SimpleDescriptorRequest:      "SIMPLE_DESCRIPTOR",
	ActiveEndpointsRequest:       "ACTIVE_ENDPOINTS",
	MatchDescriptorRequest:       "MATCH_DESCRIPTORS",
	SystemServerDiscoveryRequest: "SYSTEM_SERVER_DISCOVERY",
	ParentAnnounce:               "PARENT_ANNOUNCE",
	BindRequest:                  "BIND",
	UnbindRequest:                "UNBIND",
	LQITableRequest:              "LQI_TABLE",
	RoutingTableRequest:          "ROUTING_TABLE",
	BindingTableRequest:          "BINDING_TABLE",
	LeaveRequest:                 "LEAVE",
	PermitJoiningRequest:         "PERMIT_JOINING",
	NwkUpdateRequest:             "NWK_UPDATE",
}

// ResponseCluster returns the response id for a request cluster. Requests
// without a response (device announce) and unknown ids report false.
func ResponseCluster(request uint16) (uint16, bool) {
	if _, ok := requests[request]; !ok {
		return 0, false
	}
	return request | ResponseFlag, true
}

// TargetsEUI64 reports whether responses on cluster are matched by the
// responder's IEEE address rather than its network address.
func TargetsEUI64(response uint16) bool {
	return response == NetworkAddressResponse || response == LeaveResponse
}

// ClusterName renders a request or response cluster id for logs.
func ClusterName(cluster uint16) string {
	name, ok := requests[cluster&^ResponseFlag]
	if !ok {
		if cluster == EndDeviceAnnounce {
			return "END_DEVICE_ANNOUNCE"
		}
		return fmt.Sprintf("0x%04X", cluster)
	}
	if cluster&ResponseFlag != 0 {
		return name + "_RESPONSE"
	}
	return name + "_REQUEST"
}

// ErrShortResponse is returned when a response is too short for its cluster.
var ErrShortResponse = errors.New("zdo: response too short")

// StatusError is a solicited response that carried a non-success status.
type StatusError struct {
	Cluster uint16
	Target  uint16
	Status  uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("zdo: %s from 0x%04X: status 0x%02X", ClusterName(e.Cluster), e.Target, e.Status)
}

// Response is one ZDO response received as APS data on profile 0.
type Response struct {
	Cluster uint16
	Sender  uint16
	TSN     uint8
	Status  uint8
	// Body is the message after the transaction sequence and status bytes.
	Body []byte
}

// ParseResponse splits an APS message into a Response.
func ParseResponse(cluster, sender uint16, message []byte) (Response, error) {
	if len(message) < 2 {
		return Response{}, fmt.Errorf("%w: %s has %d bytes", ErrShortResponse, ClusterName(cluster), len(message))
	}
	return Response{
		Cluster: cluster,
		Sender:  sender,
		TSN:     message[0],
		Status:  message[1],
		Body:    append([]byte(nil), message[2:]...),
	}, nil
}

// IEEE returns the responder's IEEE address for clusters that carry one
// right after the status byte.
func (r Response) IEEE() (blz.EUI64, bool) {
	var e blz.EUI64
	if !TargetsEUI64(r.Cluster) || len(r.Body) < len(e) {
		return e, false
	}
	copy(e[:], r.Body)
	return e, true
}

// Target is what a pending request waits on: a cluster plus either the
// responder's network address or its IEEE address.
type Target struct {
	Cluster uint16
	NwkAddr uint16
	IEEE    blz.EUI64
}

// Matches reports whether r answers t.
func (t Target) Matches(r Response) bool {
	if r.Cluster != t.Cluster {
		return false
	}
	if TargetsEUI64(t.Cluster) {
		ieee, ok := r.IEEE()
		return ok && ieee == t.IEEE
	}
	return r.Sender == t.NwkAddr
}

func (t Target) String() string {
	if TargetsEUI64(t.Cluster) {
		return fmt.Sprintf("%s from %s", ClusterName(t.Cluster), t.IEEE)
	}
	return fmt.Sprintf("%s from 0x%04X", ClusterName(t.Cluster), t.NwkAddr)
}

// PermitJoiningPayload builds a permit-joining request body. Trust center
// significance is always set.
func PermitJoiningPayload(seconds uint8) []byte {
	return []byte{seconds, 0x01}
}

// LeavePayload builds a leave request body for ieee. The firmware's extra
// remove-children byte is added by Adjust.
func LeavePayload(ieee blz.EUI64, rejoin bool) []byte {
	var flags byte
	if rejoin {
		flags |= 0x80
	}
	return append(ieee[:], flags)
}

// FakeLeaveResponse builds the response the firmware never sends: when a
// device leaves, pending leave requests for it are completed with success.
func FakeLeaveResponse(sender uint16, ieee blz.EUI64) Response {
	return Response{
		Cluster: LeaveResponse,
		Sender:  sender,
		Body:    append([]byte(nil), ieee[:]...),
	}
}

// Announce is the body of an END_DEVICE_ANNOUNCE.
type Announce struct {
	NwkAddr      uint16
	IEEE         blz.EUI64
	Capabilities uint8
}

// Announce decodes r as a device announcement. Announcements carry no
// status byte, so the address starts in Status.
func (r Response) Announce() (Announce, bool) {
	if r.Cluster != EndDeviceAnnounce || len(r.Body) < 10 {
		return Announce{}, false
	}
	var a Announce
	a.NwkAddr = uint16(r.Status) | uint16(r.Body[0])<<8
	copy(a.IEEE[:], r.Body[1:9])
	a.Capabilities = r.Body[9]
	return a, true
}

// Bind destination address modes.
const (
	AddrModeGroup uint8 = 0x01
	AddrModeIEEE  uint8 = 0x03
)

// BindTarget is the destination of a binding: a group, or an endpoint on a
// device.
type BindTarget struct {
	Group    uint16
	IEEE     blz.EUI64
	Endpoint uint8
	// IsGroup selects Group over IEEE/Endpoint.
	IsGroup bool
}

// BindPayload builds a bind or unbind request body. Group bindings give the
// 14-byte multicast form.
func BindPayload(src blz.EUI64, srcEp uint8, cluster uint16, dst BindTarget) []byte {
	out := make([]byte, 0, 21)
	out = append(out, src[:]...)
	out = append(out, srcEp)
	out = binary.LittleEndian.AppendUint16(out, cluster)
	if dst.IsGroup {
		out = append(out, AddrModeGroup)
		return binary.LittleEndian.AppendUint16(out, dst.Group)
	}
	out = append(out, AddrModeIEEE)
	out = append(out, dst.IEEE[:]...)
	return append(out, dst.Endpoint)
}
