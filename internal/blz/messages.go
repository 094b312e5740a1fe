package blz

import "fmt"

// Request is a typed outbound command. Values returns the field values in
// descriptor order.
type Request interface {
	Command() CommandID
	Values() []any
}

// Message is a typed inbound response or callback.
type Message interface {
	Command() CommandID
}

// StatusCarrier is implemented by messages whose first field is a status.
type StatusCarrier interface {
	StatusCode() Status
}

// EncodeRequest serializes r through its descriptor.
func EncodeRequest(r Request) ([]byte, error) {
	d, err := Lookup(r.Command())
	if err != nil {
		return nil, err
	}
	if d.Callback {
		return nil, fmt.Errorf("%w: %s is device-initiated", ErrSchemaMismatch, d.Name)
	}
	return Serialize(d.Request, r.Values())
}

// --- Requests ---

type ResetRequest struct{}

func (ResetRequest) Command() CommandID { return CmdReset }
func (ResetRequest) Values() []any      { return nil }

type GetValueRequest struct{ ID ValueID }

func (GetValueRequest) Command() CommandID { return CmdGetValue }
func (r GetValueRequest) Values() []any    { return []any{uint8(r.ID)} }

type SetValueRequest struct {
	ID    ValueID
	Value []byte
}

func (SetValueRequest) Command() CommandID { return CmdSetValue }
func (r SetValueRequest) Values() []any {
	return []any{uint8(r.ID), uint8(len(r.Value)), r.Value}
}

type GetNodeIDRequest struct{ EUI64 EUI64 }

func (GetNodeIDRequest) Command() CommandID { return CmdGetNodeIDByEUI64 }
func (r GetNodeIDRequest) Values() []any    { return []any{r.EUI64} }

type GetEUI64Request struct{ NodeID uint16 }

func (GetEUI64Request) Command() CommandID { return CmdGetEUI64ByNodeID }
func (r GetEUI64Request) Values() []any    { return []any{r.NodeID} }

type GetNextZdpSequenceRequest struct{}

func (GetNextZdpSequenceRequest) Command() CommandID { return CmdGetNextZdpSequenceNum }
func (GetNextZdpSequenceRequest) Values() []any      { return nil }

type AddEndpointRequest struct {
	Endpoint       uint8
	ProfileID      uint16
	DeviceID       uint16
	AppFlags       uint8
	InputClusters  []uint16
	OutputClusters []uint16
}

func (AddEndpointRequest) Command() CommandID { return CmdAddEndpoint }
func (r AddEndpointRequest) Values() []any {
	in, out := r.InputClusters, r.OutputClusters
	if in == nil {
		in = []uint16{}
	}
	if out == nil {
		out = []uint16{}
	}
	return []any{
		r.Endpoint, r.ProfileID, r.DeviceID, r.AppFlags,
		uint8(len(in)), in,
		uint8(len(out)), out,
	}
}

type GetNetworkStateRequest struct{}

func (GetNetworkStateRequest) Command() CommandID { return CmdGetNetworkState }
func (GetNetworkStateRequest) Values() []any      { return nil }

type StartScanRequest struct {
	ScanType    uint8
	ChannelMask uint32
	Duration    uint8
}

func (StartScanRequest) Command() CommandID { return CmdStartScan }
func (r StartScanRequest) Values() []any    { return []any{r.ScanType, r.ChannelMask, r.Duration} }

type StopScanRequest struct{}

func (StopScanRequest) Command() CommandID { return CmdStopScan }
func (StopScanRequest) Values() []any      { return nil }

// NetworkRequest forms or joins a network depending on Join.
type NetworkRequest struct {
	Join     bool
	ExtPanID EUI64
	PanID    uint16
	Channel  uint8
}

func (r NetworkRequest) Command() CommandID {
	if r.Join {
		return CmdJoinNetwork
	}
	return CmdFormNetwork
}
func (r NetworkRequest) Values() []any { return []any{r.ExtPanID, r.PanID, r.Channel} }

type LeaveNetworkRequest struct{}

func (LeaveNetworkRequest) Command() CommandID { return CmdLeaveNetwork }
func (LeaveNetworkRequest) Values() []any      { return nil }

type PermitJoiningRequest struct{ Duration uint8 }

func (PermitJoiningRequest) Command() CommandID { return CmdPermitJoining }
func (r PermitJoiningRequest) Values() []any    { return []any{r.Duration} }

type EnergyScanRequest struct {
	ChannelMask uint32
	Duration    uint8
}

func (EnergyScanRequest) Command() CommandID { return CmdEnergyScanRequest }
func (r EnergyScanRequest) Values() []any    { return []any{r.ChannelMask, r.Duration} }

type GetNetworkParametersRequest struct{}

func (GetNetworkParametersRequest) Command() CommandID { return CmdGetNetworkParameters }
func (GetNetworkParametersRequest) Values() []any      { return nil }

type SetConcentratorRequest struct{ Enable bool }

func (SetConcentratorRequest) Command() CommandID { return CmdSetConcentrator }
func (r SetConcentratorRequest) Values() []any {
	var v uint8
	if r.Enable {
		v = 1
	}
	return []any{v}
}

type NetworkInitRequest struct{}

func (NetworkInitRequest) Command() CommandID { return CmdNetworkInit }
func (NetworkInitRequest) Values() []any      { return nil }

type GetNwkSecurityInfosRequest struct{}

func (GetNwkSecurityInfosRequest) Command() CommandID { return CmdGetNwkSecurityInfos }
func (GetNwkSecurityInfosRequest) Values() []any      { return nil }

type SetNwkSecurityInfosRequest struct {
	Key          Key
	FrameCounter uint32
	KeySequence  uint8
}

func (SetNwkSecurityInfosRequest) Command() CommandID { return CmdSetNwkSecurityInfos }
func (r SetNwkSecurityInfosRequest) Values() []any {
	return []any{r.Key, r.FrameCounter, r.KeySequence}
}

type GetGlobalTcLinkKeyRequest struct{}

func (GetGlobalTcLinkKeyRequest) Command() CommandID { return CmdGetGlobalTcLinkKey }
func (GetGlobalTcLinkKeyRequest) Values() []any      { return nil }

type SetGlobalTcLinkKeyRequest struct {
	Key          Key
	FrameCounter uint32
}

func (SetGlobalTcLinkKeyRequest) Command() CommandID { return CmdSetGlobalTcLinkKey }
func (r SetGlobalTcLinkKeyRequest) Values() []any    { return []any{r.Key, r.FrameCounter} }

type GetUniqueTcLinkKeyRequest struct{ Index uint16 }

func (GetUniqueTcLinkKeyRequest) Command() CommandID { return CmdGetUniqueTcLinkKey }
func (r GetUniqueTcLinkKeyRequest) Values() []any    { return []any{r.Index} }

type SetUniqueTcLinkKeyRequest struct {
	EUI64 EUI64
	Key   Key
}

func (SetUniqueTcLinkKeyRequest) Command() CommandID { return CmdSetUniqueTcLinkKey }
func (r SetUniqueTcLinkKeyRequest) Values() []any    { return []any{r.EUI64, r.Key} }

// SendApsDataRequest transmits one APS frame.
type SendApsDataRequest struct {
	MsgType    uint8
	DstAddr    uint16
	ProfileID  uint16
	ClusterID  uint16
	SrcEP      uint8
	DstEP      uint8
	TxOptions  uint8
	Radius     uint8
	MessageTag uint32
	Payload    []byte
}

func (SendApsDataRequest) Command() CommandID { return CmdSendApsData }
func (r SendApsDataRequest) Values() []any {
	payload := r.Payload
	if payload == nil {
		payload = []byte{}
	}
	return []any{
		r.MsgType, r.DstAddr, r.ProfileID, r.ClusterID,
		r.SrcEP, r.DstEP, r.TxOptions, r.Radius,
		r.MessageTag, uint8(len(payload)), payload,
	}
}

type SetBootEntryRequest struct{ Entry uint8 }

func (SetBootEntryRequest) Command() CommandID { return CmdSetBootEntry }
func (r SetBootEntryRequest) Values() []any    { return []any{r.Entry} }

// --- Responses and callbacks ---

// StatusResponse answers every command whose response is a bare status.
type StatusResponse struct {
	ID     CommandID
	Status Status
}

func (r StatusResponse) Command() CommandID { return r.ID }
func (r StatusResponse) StatusCode() Status { return r.Status }

type Ack struct{}

func (Ack) Command() CommandID { return CmdAck }

type ErrorFrame struct{ Code uint8 }

func (ErrorFrame) Command() CommandID { return CmdError }

type ResetAck struct{ Reason uint8 }

func (ResetAck) Command() CommandID { return CmdResetAck }

type ValueResponse struct {
	Status Status
	Value  []byte
}

func (ValueResponse) Command() CommandID   { return CmdGetValue }
func (r ValueResponse) StatusCode() Status { return r.Status }

type NodeIDResponse struct{ NodeID uint16 }

func (NodeIDResponse) Command() CommandID { return CmdGetNodeIDByEUI64 }

type EUI64Response struct{ EUI64 EUI64 }

func (EUI64Response) Command() CommandID { return CmdGetEUI64ByNodeID }

type ZdpSequenceResponse struct{ Sequence uint8 }

func (ZdpSequenceResponse) Command() CommandID { return CmdGetNextZdpSequenceNum }

type NetworkStateResponse struct {
	Status Status
	State  NetworkState
}

func (NetworkStateResponse) Command() CommandID   { return CmdGetNetworkState }
func (r NetworkStateResponse) StatusCode() Status { return r.Status }

// NetworkParameters is the device's view of the network it is on.
type NetworkParameters struct {
	Status      Status
	NodeType    NodeType
	ExtPanID    EUI64
	PanID       uint16
	TxPower     uint8
	Channel     uint8
	NwkManager  uint16
	NwkUpdateID uint8
	ChannelMask uint32
}

func (NetworkParameters) Command() CommandID   { return CmdGetNetworkParameters }
func (r NetworkParameters) StatusCode() Status { return r.Status }

type NwkSecurityInfos struct {
	Status       Status
	Key          Key
	FrameCounter uint32
	KeySequence  uint8
}

func (NwkSecurityInfos) Command() CommandID   { return CmdGetNwkSecurityInfos }
func (r NwkSecurityInfos) StatusCode() Status { return r.Status }

// LinkKeyInfo answers both global and unique trust-center link key queries.
// Address is the trust center for the global key and the device otherwise.
type LinkKeyInfo struct {
	ID           CommandID
	Status       Status
	Key          Key
	FrameCounter uint32
	Address      EUI64
}

func (r LinkKeyInfo) Command() CommandID { return r.ID }
func (r LinkKeyInfo) StatusCode() Status { return r.Status }

type EnergyScanResult struct {
	Channel uint8
	RSSI    int8
}

func (EnergyScanResult) Command() CommandID { return CmdEnergyScanResult }

type NetworkScanResult struct {
	Channel      uint8
	PanID        uint16
	ExtPanID     EUI64
	AllowingJoin bool
	StackProfile uint8
	NwkUpdateID  uint8
	LQI          uint8
	RSSI         int8
}

func (NetworkScanResult) Command() CommandID { return CmdNetworkScanResult }

type StackStatus struct{ Status Status }

func (StackStatus) Command() CommandID { return CmdStackStatus }

type DeviceJoin struct {
	EUI64  EUI64
	NodeID uint16
	Status JoinStatus
}

func (DeviceJoin) Command() CommandID { return CmdDeviceJoin }

type NwkStatus struct {
	Status  uint8
	NwkAddr uint16
	EUI64   EUI64
}

func (NwkStatus) Command() CommandID { return CmdNwkStatus }

type ApsDataConfirm struct {
	ProfileID  uint16
	ClusterID  uint16
	DstAddr    uint16
	SrcEP      uint8
	DstEP      uint8
	MsgType    uint8
	Status     Status
	MessageTag uint32
}

func (ApsDataConfirm) Command() CommandID   { return CmdApsDataConfirm }
func (r ApsDataConfirm) StatusCode() Status { return r.Status }

type ApsDataIndication struct {
	ProfileID uint16
	ClusterID uint16
	SrcAddr   uint16
	DstAddr   uint16
	SrcEP     uint8
	DstEP     uint8
	MsgType   uint8
	LQI       uint8
	RSSI      int8
	Payload   []byte
}

func (ApsDataIndication) Command() CommandID { return CmdApsDataIndication }

// DecodeMessage decodes a response or callback payload. The returned int is
// the number of trailing bytes left unread.
func DecodeMessage(id CommandID, payload []byte) (Message, int, error) {
	d, err := Lookup(id)
	if err != nil {
		return nil, 0, err
	}
	if id == CmdReset {
		// The device answers reset with resetAck; a bare reset echo carries nothing.
		return StatusResponse{ID: CmdReset}, len(payload), nil
	}
	v, rest, err := Deserialize(d.Response, payload)
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", d.Name, err)
	}

	u8 := func(i int) uint8 { return v[i].(uint8) }
	u16 := func(i int) uint16 { return v[i].(uint16) }
	u32 := func(i int) uint32 { return v[i].(uint32) }
	i8 := func(i int) int8 { return v[i].(int8) }
	eui := func(i int) EUI64 { return v[i].(EUI64) }
	key := func(i int) Key { return v[i].(Key) }
	raw := func(i int) []byte { return v[i].([]byte) }

	var m Message
	switch id {
	case CmdAck:
		m = Ack{}
	case CmdError:
		m = ErrorFrame{Code: u8(0)}
	case CmdResetAck:
		m = ResetAck{Reason: u8(0)}
	case CmdGetValue:
		m = ValueResponse{Status: Status(u8(0)), Value: raw(2)}
	case CmdGetNodeIDByEUI64:
		m = NodeIDResponse{NodeID: u16(0)}
	case CmdGetEUI64ByNodeID:
		m = EUI64Response{EUI64: eui(0)}
	case CmdGetNextZdpSequenceNum:
		m = ZdpSequenceResponse{Sequence: u8(0)}
	case CmdGetNetworkState:
		m = NetworkStateResponse{Status: Status(u8(0)), State: NetworkState(u8(1))}
	case CmdEnergyScanResult:
		m = EnergyScanResult{Channel: u8(0), RSSI: i8(1)}
	case CmdNetworkScanResult:
		m = NetworkScanResult{
			Channel: u8(0), PanID: u16(1), ExtPanID: eui(2), AllowingJoin: u8(3) != 0,
			StackProfile: u8(4), NwkUpdateID: u8(5), LQI: u8(6), RSSI: i8(7),
		}
	case CmdGetNetworkParameters:
		m = NetworkParameters{
			Status: Status(u8(0)), NodeType: NodeType(u8(1)), ExtPanID: eui(2), PanID: u16(3),
			TxPower: u8(4), Channel: u8(5), NwkManager: u16(6), NwkUpdateID: u8(7), ChannelMask: u32(8),
		}
	case CmdStackStatus:
		m = StackStatus{Status: Status(u8(0))}
	case CmdDeviceJoin:
		m = DeviceJoin{EUI64: eui(0), NodeID: u16(1), Status: JoinStatus(u8(2))}
	case CmdNwkStatus:
		m = NwkStatus{Status: u8(0), NwkAddr: u16(1), EUI64: eui(2)}
	case CmdGetNwkSecurityInfos:
		m = NwkSecurityInfos{Status: Status(u8(0)), Key: key(1), FrameCounter: u32(2), KeySequence: u8(3)}
	case CmdGetGlobalTcLinkKey, CmdGetUniqueTcLinkKey:
		m = LinkKeyInfo{ID: id, Status: Status(u8(0)), Key: key(1), FrameCounter: u32(2), Address: eui(3)}
	case CmdApsDataConfirm:
		m = ApsDataConfirm{
			ProfileID: u16(0), ClusterID: u16(1), DstAddr: u16(2), SrcEP: u8(3),
			DstEP: u8(4), MsgType: u8(5), Status: Status(u8(6)), MessageTag: u32(7),
		}
	case CmdApsDataIndication:
		m = ApsDataIndication{
			ProfileID: u16(0), ClusterID: u16(1), SrcAddr: u16(2), DstAddr: u16(3),
			SrcEP: u8(4), DstEP: u8(5), MsgType: u8(6), LQI: u8(7), RSSI: i8(8), Payload: raw(10),
		}
	default:
		// Every remaining descriptor answers with a bare status.
		m = StatusResponse{ID: id, Status: Status(u8(0))}
	}
	return m, rest, nil
}
