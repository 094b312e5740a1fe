// Package ncptest provides a scripted coprocessor for tests of code built on
// ncp.NCP.
package ncptest

import (
	"context"
	"errors"
	"sync"

	"blz-host/internal/blz"
	"blz-host/internal/ncp"
	"blz-host/internal/zdo"
)

// ErrFake is returned by scripted failures.
var ErrFake = errors.New("fake failure")

// Fake is a scripted coprocessor. Forming or joining updates the reported
// network so a later start resumes it. Exported fields are the script; set
// them before use, or read them once the code under test is idle.
type Fake struct {
	mu    sync.Mutex
	calls []string

	OpenFailures   int
	HeartbeatFails int
	FormErr        error
	ParamsErr      error
	ZdoErr         error
	// ZdoStatus is the status of every solicited ZDO response.
	ZdoStatus uint8
	// Reply answers every Exchange unless ReplyErr is set.
	Reply    blz.ApsDataIndication
	ReplyErr error

	State  blz.NetworkState
	Params blz.NetworkParameters
	Sec    blz.NwkSecurityInfos
	TCKey  blz.Key

	Formed []ncp.NetworkSettings
	Joined []ncp.NetworkSettings
	Zdo    []ncp.ZdoRequest
	Data   []ncp.DataRequest

	onJoin  func(blz.DeviceJoin)
	onZdo   func(zdo.Response)
	onAps   func(blz.ApsDataIndication)
	onStack func(blz.StackStatus)
	onClose func(error)
}

var _ ncp.NCP = (*Fake)(nil)

// Running returns a fake coordinator already up on the given network.
func Running(pan uint16, ext blz.EUI64, channel uint8) *Fake {
	return &Fake{
		State:  blz.NetworkConnected,
		Params: blz.NetworkParameters{NodeType: blz.NodeCoordinator, PanID: pan, ExtPanID: ext, Channel: channel},
	}
}

// Record appends call to the call log.
func (f *Fake) Record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

// Called counts how often call was made.
func (f *Fake) Called(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

// CallLog returns a copy of the call log.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// ZdoRequests returns a copy of the ZDO requests sent so far.
func (f *Fake) ZdoRequests() []ncp.ZdoRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ncp.ZdoRequest(nil), f.Zdo...)
}

// DataRequests returns a copy of the APS data requests sent so far.
func (f *Fake) DataRequests() []ncp.DataRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ncp.DataRequest(nil), f.Data...)
}

// EmitJoin delivers a device join callback.
func (f *Fake) EmitJoin(evt blz.DeviceJoin) {
	f.mu.Lock()
	h := f.onJoin
	f.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

// EmitZdo delivers an unsolicited ZDO response.
func (f *Fake) EmitZdo(r zdo.Response) {
	f.mu.Lock()
	h := f.onZdo
	f.mu.Unlock()
	if h != nil {
		h(r)
	}
}

// EmitAps delivers an incoming APS data indication.
func (f *Fake) EmitAps(ind blz.ApsDataIndication) {
	f.mu.Lock()
	h := f.onAps
	f.mu.Unlock()
	if h != nil {
		h(ind)
	}
}

// EmitStackStatus delivers a stack status callback.
func (f *Fake) EmitStackStatus(s blz.StackStatus) {
	f.mu.Lock()
	h := f.onStack
	f.mu.Unlock()
	if h != nil {
		h(s)
	}
}

// EmitClose reports transport loss.
func (f *Fake) EmitClose(err error) {
	f.mu.Lock()
	h := f.onClose
	f.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (f *Fake) Open(context.Context) error {
	f.Record("open")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenFailures > 0 {
		f.OpenFailures--
		return ErrFake
	}
	return nil
}

func (f *Fake) Close() error                { f.Record("close"); return nil }
func (f *Fake) Reset(context.Context) error { f.Record("reset"); return nil }

func (f *Fake) Heartbeat(context.Context) error {
	f.Record("heartbeat")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HeartbeatFails > 0 {
		f.HeartbeatFails--
		return ErrFake
	}
	return nil
}

func (f *Fake) Version(context.Context) (ncp.Version, error) {
	return ncp.Version{BLZ: "1.0.0", Stack: "3.1.0"}, nil
}

func (f *Fake) LocalEUI64(context.Context) (blz.EUI64, error) {
	return blz.EUI64{0x4C, 0x3B, 0x2A, 0x01, 0x00, 0x8D, 0x15, 0x00}, nil
}

func (f *Fake) NetworkState(context.Context) (blz.NetworkState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.State, nil
}

func (f *Fake) NetworkParameters(context.Context) (blz.NetworkParameters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ParamsErr != nil {
		return blz.NetworkParameters{}, f.ParamsErr
	}
	return f.Params, nil
}

func (f *Fake) FormNetwork(_ context.Context, s ncp.NetworkSettings) error {
	f.Record("form")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Formed = append(f.Formed, s)
	if f.FormErr != nil {
		return f.FormErr
	}
	f.up(blz.NodeCoordinator, s)
	return nil
}

func (f *Fake) JoinNetwork(_ context.Context, s ncp.NetworkSettings) error {
	f.Record("join")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Joined = append(f.Joined, s)
	f.up(blz.NodeRouter, s)
	return nil
}

func (f *Fake) up(t blz.NodeType, s ncp.NetworkSettings) {
	f.State = blz.NetworkConnected
	f.ParamsErr = nil
	f.Params = blz.NetworkParameters{NodeType: t, PanID: s.PanID, ExtPanID: s.ExtPanID, Channel: s.Channel}
}

func (f *Fake) LeaveNetwork(context.Context) error {
	f.Record("leave")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.State = blz.NetworkOffline
	return nil
}

func (f *Fake) NetworkInit(context.Context) error {
	f.Record("network_init")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.State = blz.NetworkConnected
	return nil
}

func (f *Fake) PermitJoining(context.Context, uint8) error { f.Record("permit"); return nil }

func (f *Fake) AddEndpoint(context.Context, blz.AddEndpointRequest) error {
	f.Record("add_endpoint")
	return nil
}

func (f *Fake) SetConcentrator(context.Context, bool) error { return nil }

func (f *Fake) EnergyScan(context.Context, uint32, uint8) ([]blz.EnergyScanResult, error) {
	f.Record("energy_scan")
	return []blz.EnergyScanResult{{Channel: 11, RSSI: -80}}, nil
}

func (f *Fake) NwkSecurityInfos(context.Context) (blz.NwkSecurityInfos, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Sec, nil
}

func (f *Fake) SetNwkSecurityInfos(_ context.Context, key blz.Key, fc uint32, seq uint8) error {
	f.Record("set_key")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sec = blz.NwkSecurityInfos{Key: key, FrameCounter: fc, KeySequence: seq}
	return nil
}

func (f *Fake) GlobalTCLinkKey(context.Context) (blz.LinkKeyInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return blz.LinkKeyInfo{ID: blz.CmdGetGlobalTcLinkKey, Key: f.TCKey}, nil
}

func (f *Fake) SetGlobalTCLinkKey(_ context.Context, key blz.Key, _ uint32) error {
	f.Record("set_tc_key")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TCKey = key
	return nil
}

func (f *Fake) SendZdo(_ context.Context, req ncp.ZdoRequest) (*zdo.Response, error) {
	f.Record("zdo")
	f.mu.Lock()
	f.Zdo = append(f.Zdo, req)
	err, status := f.ZdoErr, f.ZdoStatus
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !req.ExpectResponse {
		return nil, nil
	}
	rsp, _ := zdo.ResponseCluster(req.Cluster)
	return &zdo.Response{Cluster: rsp, Sender: req.NwkAddr, Status: status}, nil
}

func (f *Fake) SendData(_ context.Context, req ncp.DataRequest) (uint32, error) {
	f.Record("data")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Data = append(f.Data, req)
	return uint32(len(f.Data)), nil
}

func (f *Fake) Exchange(_ context.Context, req ncp.DataRequest, match ncp.DataMatch) (blz.ApsDataIndication, error) {
	f.Record("exchange")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Data = append(f.Data, req)
	if f.ReplyErr != nil {
		return blz.ApsDataIndication{}, f.ReplyErr
	}
	reply := f.Reply
	reply.SrcAddr = match.SrcAddr
	reply.ClusterID = match.ClusterID
	return reply, nil
}

func (f *Fake) OnStackStatus(h func(blz.StackStatus)) {
	f.mu.Lock()
	f.onStack = h
	f.mu.Unlock()
}

func (f *Fake) OnDeviceJoin(h func(blz.DeviceJoin)) {
	f.mu.Lock()
	f.onJoin = h
	f.mu.Unlock()
}

func (f *Fake) OnApsData(h func(blz.ApsDataIndication)) {
	f.mu.Lock()
	f.onAps = h
	f.mu.Unlock()
}

func (f *Fake) OnZdoResponse(h func(zdo.Response)) {
	f.mu.Lock()
	f.onZdo = h
	f.mu.Unlock()
}

func (f *Fake) OnClose(h func(error)) {
	f.mu.Lock()
	f.onClose = h
	f.mu.Unlock()
}

func (f *Fake) OnNwkStatus(func(blz.NwkStatus)) {}
func (f *Fake) Stats() ncp.Stats                { return ncp.Stats{Connected: true} }
