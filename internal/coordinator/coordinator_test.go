package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"blz-host/internal/blz"
	"blz-host/internal/ncp"
	"blz-host/internal/ncp/ncptest"
	"blz-host/internal/store"
	"blz-host/internal/zdo"
)

var (
	extA = blz.EUI64{0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	extB = blz.EUI64{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}
	key  = blz.Key{0x01, 0x03, 0x05, 0x07, 0x09, 0x0B, 0x0D, 0x0F}
)

func configured() NetworkOptions {
	return NetworkOptions{NodeType: blz.NodeCoordinator, PanID: 0x1234, ExtPanID: extA, Channel: 15, NetworkKey: &key}
}

func TestDecide(t *testing.T) {
	device := func(pan uint16, ext blz.EUI64, ch uint8) DeviceNetwork {
		return DeviceNetwork{Valid: true, Up: true, NodeType: blz.NodeCoordinator, PanID: pan, ExtPanID: ext, Channel: ch}
	}
	matchingBackup := &store.Backup{PanID: 0x1234, ExtPanID: extA, Channel: 15}
	otherBackup := &store.Backup{PanID: 0x9999, ExtPanID: extB, Channel: 20}
	router := configured()
	router.NodeType = blz.NodeRouter

	tests := []struct {
		name    string
		device  DeviceNetwork
		config  NetworkOptions
		backup  *store.Backup
		want    StartResult
		wantErr error
	}{
		{"device matches configuration", device(0x1234, extA, 15), configured(), nil, Resumed, nil},
		{"device matches, stale backup ignored", device(0x1234, extA, 15), configured(), otherBackup, Resumed, nil},
		{"backup matches configuration", device(0x9999, extB, 20), configured(), matchingBackup, Restored, nil},
		{"blank device, backup matches", DeviceNetwork{}, configured(), matchingBackup, Restored, nil},
		{"no backup", device(0x9999, extB, 20), configured(), nil, Reset, nil},
		{"blank device, no backup", DeviceNetwork{}, configured(), nil, Reset, nil},
		{"channel differs", device(0x1234, extA, 11), configured(), nil, Reset, nil},
		{"device and backup agree, config differs", device(0x9999, extB, 20), configured(), otherBackup, 0, ErrConfigurationDrift},
		{"unrelated backup", device(0x5555, extA, 25), configured(), otherBackup, Reset, nil},
		{"router never restores", DeviceNetwork{}, router, matchingBackup, Reset, nil},
		{"node type differs", device(0x1234, extA, 15), router, nil, Reset, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decide(tt.device, tt.config, tt.backup)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("result = %s, want %s", got, tt.want)
			}
		})
	}
}

type harness struct {
	coord  *Coordinator
	ncp    *ncptest.Fake
	store  *store.BoltStore
	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, f *ncptest.Fake, cfg Config) *harness {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	if cfg.Network == (NetworkOptions{}) {
		cfg.Network = configured()
	}
	if cfg.ConnectBackoff == 0 {
		cfg.ConnectBackoff = time.Millisecond
	}
	h := &harness{ncp: f, store: st}
	bus := NewEventBus(newTestLogger())
	bus.OnAll(func(e Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	h.coord = New(f, st, bus, cfg, newTestLogger(), nil)
	t.Cleanup(func() { _ = h.coord.Stop() })
	return h
}

func (h *harness) eventsOf(typ string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, e := range h.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) states() []State {
	var out []State
	for _, e := range h.eventsOf(EventStateChanged) {
		out = append(out, e.Data.(StateEvent).To)
	}
	return out
}

func TestStartResumed(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	h := newHarness(t, f, Config{})

	result, err := h.coord.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result != Resumed {
		t.Errorf("result = %s, want resumed", result)
	}
	for _, call := range []string{"form", "join", "leave", "set_key", "network_init"} {
		if n := f.Called(call); n != 0 {
			t.Errorf("%s called %d times on resume", call, n)
		}
	}
	if f.Called("reset") != 1 || f.Called("add_endpoint") != 1 {
		t.Errorf("startup calls = %v", f.CallLog())
	}
	if h.coord.State() != StateReady {
		t.Errorf("state = %s, want ready", h.coord.State())
	}
	s := h.coord.Session()
	if s.ID == "" || s.Result != Resumed || s.Parameters.PanID != 0x1234 {
		t.Errorf("session = %+v", s)
	}
	want := []State{StateResetting, StateQueryingState, StateReady}
	if got := h.states(); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestStartResumedBringsNetworkUp(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	f.State = blz.NetworkOffline
	h := newHarness(t, f, Config{})

	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.Called("network_init") != 1 {
		t.Errorf("network_init not called: %v", f.CallLog())
	}
}

func TestStartRestored(t *testing.T) {
	f := ncptest.Running(0x9999, extB, 20)
	h := newHarness(t, f, Config{})
	backup := &store.Backup{
		PanID: 0x1234, ExtPanID: extA, Channel: 15,
		NetworkKey: blz.Key{0xAB}, FrameCounter: 5000, KeySequence: 3, TCLinkKey: blz.Key{0xCD},
	}
	if err := h.store.SaveBackup(backup); err != nil {
		t.Fatal(err)
	}

	result, err := h.coord.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result != Restored {
		t.Fatalf("result = %s, want restored", result)
	}
	if f.Called("leave") != 1 {
		t.Error("device network not cleared")
	}
	if len(f.Formed) != 1 || f.Formed[0].ExtPanID != extA || f.Formed[0].Channel != 15 || f.Formed[0].PanID != 0x1234 {
		t.Errorf("formed = %+v, want backup parameters", f.Formed)
	}
	if f.Sec.Key != backup.NetworkKey || f.Sec.FrameCounter != 5000 || f.Sec.KeySequence != 3 {
		t.Errorf("security = %+v, want backup material", f.Sec)
	}
	if f.TCKey != backup.TCLinkKey {
		t.Errorf("tc key = %s", f.TCKey)
	}
	if !containsState(h.states(), StateRestoring) {
		t.Errorf("states = %v, want restoring", h.states())
	}
}

func TestStartReset(t *testing.T) {
	f := ncptest.Running(0x9999, extB, 20)
	h := newHarness(t, f, Config{})

	result, err := h.coord.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result != Reset {
		t.Fatalf("result = %s, want reset", result)
	}
	if len(f.Formed) != 1 || f.Formed[0].PanID != 0x1234 || f.Formed[0].ExtPanID != extA {
		t.Errorf("formed = %+v, want configured parameters", f.Formed)
	}
	if f.Sec.Key != key || f.Sec.FrameCounter != 0 {
		t.Errorf("network key = %s, want configured key", f.Sec.Key)
	}
	if f.TCKey != zigbeeAlliance09 {
		t.Errorf("tc key = %s", f.TCKey)
	}
	if !containsState(h.states(), StateForming) {
		t.Errorf("states = %v, want forming", h.states())
	}
}

func TestStartResetGeneratesKey(t *testing.T) {
	f := &ncptest.Fake{ParamsErr: &blz.StatusError{Command: blz.CmdGetNetworkParameters, Status: blz.StatusFailure}}
	cfg := Config{Network: configured()}
	cfg.Network.NetworkKey = nil
	h := newHarness(t, f, cfg)

	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.Sec.Key == (blz.Key{}) {
		t.Error("no network key generated")
	}
	if f.Called("leave") != 1 {
		t.Error("leave not attempted on blank device")
	}
}

func TestStartConfigurationDrift(t *testing.T) {
	f := ncptest.Running(0x9999, extB, 20)
	h := newHarness(t, f, Config{})
	if err := h.store.SaveBackup(&store.Backup{PanID: 0x9999, ExtPanID: extB, Channel: 20}); err != nil {
		t.Fatal(err)
	}

	_, err := h.coord.Start(context.Background())
	if !errors.Is(err, ErrConfigurationDrift) {
		t.Fatalf("err = %v, want ErrConfigurationDrift", err)
	}
	if f.Called("form") != 0 || f.Called("leave") != 0 {
		t.Errorf("device modified on drift: %v", f.CallLog())
	}
	if h.coord.State() != StateFaulted {
		t.Errorf("state = %s, want faulted", h.coord.State())
	}
}

func TestStartFormRefusedWhileUp(t *testing.T) {
	f := ncptest.Running(0x9999, extB, 20)
	f.FormErr = &blz.StatusError{Command: blz.CmdFormNetwork, Status: blz.StatusFailure}
	// The leave is ignored by this firmware: the network stays up.
	h := newHarness(t, f, Config{})
	h.coord.ncp = &stickyNetwork{Fake: f}

	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatalf("form refusal on a live network should be swallowed: %v", err)
	}
}

// stickyNetwork keeps the network up across leave.
type stickyNetwork struct{ *ncptest.Fake }

func (s *stickyNetwork) LeaveNetwork(context.Context) error { s.Record("leave"); return nil }

func TestStartFormFails(t *testing.T) {
	f := ncptest.Running(0x9999, extB, 20)
	f.FormErr = &blz.StatusError{Command: blz.CmdFormNetwork, Status: blz.StatusFailure}
	h := newHarness(t, f, Config{})

	_, err := h.coord.Start(context.Background())
	var ce *CommissioningError
	if !errors.As(err, &ce) || ce.Step != "form network" {
		t.Fatalf("err = %v, want form network commissioning error", err)
	}
	var se *blz.StatusError
	if !errors.As(err, &se) {
		t.Error("status error not wrapped")
	}
}

func TestStartJoinsAsRouter(t *testing.T) {
	f := &ncptest.Fake{}
	cfg := Config{Network: configured()}
	cfg.Network.NodeType = blz.NodeRouter
	h := newHarness(t, f, cfg)

	result, err := h.coord.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result != Reset {
		t.Errorf("result = %s, want reset", result)
	}
	if len(f.Joined) != 1 || f.Joined[0].PanID != 0x1234 || f.Called("form") != 0 {
		t.Errorf("joined = %+v calls = %v", f.Joined, f.CallLog())
	}
	if !containsState(h.states(), StateJoining) {
		t.Errorf("states = %v, want joining", h.states())
	}
}

func TestConnectRetries(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	f.OpenFailures = 2
	h := newHarness(t, f, Config{})

	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := f.Called("open"); n != 3 {
		t.Errorf("open called %d times, want 3", n)
	}
}

func TestConnectExhausted(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	f.OpenFailures = 10
	h := newHarness(t, f, Config{})

	_, err := h.coord.Start(context.Background())
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConnectError", err)
	}
	if ce.Attempts != DefaultConnectAttempts || f.Called("open") != DefaultConnectAttempts {
		t.Errorf("attempts = %d, open calls = %d", ce.Attempts, f.Called("open"))
	}
	if f.Called("reset") != 0 {
		t.Error("commissioning ran without a transport")
	}
}

func TestWatchdogResetsDriver(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	f.HeartbeatFails = 2
	h := newHarness(t, f, Config{
		HeartbeatInterval: 5 * time.Millisecond,
		HeartbeatFailures: 2,
		RestartDelay:      time.Millisecond,
	})

	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.Called("reset") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("watchdog did not reset the driver: %v", f.CallLog())
		}
		time.Sleep(5 * time.Millisecond)
	}
	for h.coord.State() != StateReady {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s after watchdog reset", h.coord.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.Called("close") < 1 {
		t.Error("transport not closed before restart")
	}
	if len(h.eventsOf(EventWatchdogReset)) != 0 {
		t.Error("watchdog_reset emitted for a successful reset")
	}
}

func TestWatchdogStopsWithCoordinator(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	h := newHarness(t, f, Config{HeartbeatInterval: 2 * time.Millisecond})

	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := h.coord.Stop(); err != nil {
		t.Fatal(err)
	}
	n := f.Called("heartbeat")
	if n == 0 {
		t.Error("no heartbeat sent")
	}
	time.Sleep(10 * time.Millisecond)
	if f.Called("heartbeat") != n {
		t.Error("heartbeat after stop")
	}
}

func TestPermitJoinAndDeviceEvents(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	h := newHarness(t, f, Config{})

	if err := h.coord.PermitJoin(context.Background(), 60); !errors.Is(err, ErrNotReady) {
		t.Fatalf("permit join before start: %v", err)
	}
	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ieee := blz.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	f.EmitJoin(blz.DeviceJoin{EUI64: ieee, NodeID: 0x5678, Status: blz.JoinUnsecuredJoin})
	if len(h.eventsOf(EventDeviceAnnounce)) != 1 || len(h.eventsOf(EventDeviceJoined)) != 0 {
		t.Error("join outside permit window should be an announce")
	}

	if err := h.coord.PermitJoin(context.Background(), 60); err != nil {
		t.Fatal(err)
	}
	if len(f.Zdo) != 1 || f.Zdo[0].Cluster != zdo.PermitJoiningRequest || f.Zdo[0].NwkAddr != blz.BroadcastRouters {
		t.Errorf("zdo = %+v", f.Zdo)
	}
	if f.Called("permit") != 1 {
		t.Error("local permit joining not sent")
	}
	if h.coord.PermitJoinRemaining() <= 0 {
		t.Error("permit window not tracked")
	}

	f.EmitJoin(blz.DeviceJoin{EUI64: ieee, NodeID: 0x5678, Status: blz.JoinSecuredRejoin})
	joined := h.eventsOf(EventDeviceJoined)
	if len(joined) != 1 || joined[0].Data.(DeviceEvent).NwkAddr != 0x5678 {
		t.Fatalf("device_joined = %+v", joined)
	}
	dev, err := h.store.GetDevice(ieee.String())
	if err != nil || dev.ShortAddress != 0x5678 {
		t.Fatalf("device not stored: %v %+v", err, dev)
	}

	f.EmitAps(blz.ApsDataIndication{ProfileID: 0x0104, SrcAddr: 0x5678, LQI: 200, RSSI: -40})
	if dev, _ := h.store.GetDevice(ieee.String()); dev.LQI != 200 {
		t.Errorf("lqi = %d, want 200", dev.LQI)
	}

	f.EmitJoin(blz.DeviceJoin{EUI64: ieee, NodeID: 0x5678, Status: blz.JoinDeviceLeft})
	if len(h.eventsOf(EventDeviceLeft)) != 1 {
		t.Error("device_left not emitted")
	}
	if dev, _ := h.store.GetDevice(ieee.String()); !dev.Left {
		t.Error("device not marked left")
	}
}

func TestAnnounceUpdatesAddress(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	h := newHarness(t, f, Config{})
	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	rsp, err := zdo.ParseResponse(zdo.EndDeviceAnnounce, 0x2222, []byte{0x01, 0x22, 0x22, 1, 2, 3, 4, 5, 6, 7, 8, 0x80})
	if err != nil {
		t.Fatal(err)
	}
	f.EmitZdo(rsp)

	ieee, ok := h.coord.Devices().LookupIEEE(0x2222)
	if !ok || ieee != (blz.EUI64{1, 2, 3, 4, 5, 6, 7, 8}).String() {
		t.Errorf("address index = %q, %v", ieee, ok)
	}
	if len(h.eventsOf(EventDeviceAnnounce)) != 1 || len(h.eventsOf(EventZdoResponse)) != 0 {
		t.Error("announce not routed as device_announce")
	}

	f.EmitZdo(zdo.Response{Cluster: 0x8031, Sender: 0x2222})
	if len(h.eventsOf(EventZdoResponse)) != 1 {
		t.Error("zdo_response not emitted")
	}
}

func TestRemoveDeviceSendsLeave(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	h := newHarness(t, f, Config{})
	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ieee := blz.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	f.EmitJoin(blz.DeviceJoin{EUI64: ieee, NodeID: 0x5678})

	if err := h.coord.Devices().RemoveDevice(context.Background(), ieee.String()); err != nil {
		t.Fatal(err)
	}
	if len(f.Zdo) != 1 || f.Zdo[0].Cluster != zdo.LeaveRequest || f.Zdo[0].IEEE != ieee || !f.Zdo[0].ExpectResponse {
		t.Errorf("zdo = %+v", f.Zdo)
	}
	if _, err := h.store.GetDevice(ieee.String()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("device still stored: %v", err)
	}
}

func TestBackup(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	f.Sec = blz.NwkSecurityInfos{Key: key, FrameCounter: 77, KeySequence: 1}
	f.TCKey = zigbeeAlliance09
	h := newHarness(t, f, Config{})
	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	b, err := h.coord.Backup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if b.PanID != 0x1234 || b.ExtPanID != extA || b.Channel != 15 {
		t.Errorf("parameters = %+v", b)
	}
	if b.NetworkKey != key || b.FrameCounter != 77 || b.KeySequence != 1 || b.TCLinkKey != zigbeeAlliance09 {
		t.Errorf("security = %+v", b)
	}
}

func TestSaveBackupPersists(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	f.Sec = blz.NwkSecurityInfos{Key: key, FrameCounter: 9}
	h := newHarness(t, f, Config{})
	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := h.coord.SaveBackup(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := h.store.GetBackup()
	if err != nil {
		t.Fatal(err)
	}
	if got.NetworkKey != key || got.FrameCounter != 9 || got.PanID != 0x1234 {
		t.Errorf("stored backup = %+v", got)
	}
}

func TestSendDataUsesApplicationEndpoint(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	h := newHarness(t, f, Config{})
	if _, err := h.coord.SendData(context.Background(), ncp.DataRequest{DstAddr: 0x5678}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("send before start: %v", err)
	}
	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := h.coord.SendData(context.Background(), ncp.DataRequest{DstAddr: 0x5678, ClusterID: 6, DstEP: 1}); err != nil {
		t.Fatal(err)
	}
	reqs := f.DataRequests()
	if len(reqs) != 1 || reqs[0].SrcEP != DefaultEndpoint.Endpoint {
		t.Errorf("data = %+v", reqs)
	}
}

func TestExchangeUsesApplicationEndpoint(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	f.Reply = blz.ApsDataIndication{SrcEP: 1, Payload: []byte{0x18, 0x05, 0x0B, 0x00, 0x00}}
	h := newHarness(t, f, Config{})
	req := ncp.DataRequest{DstAddr: 0x5678, ClusterID: 6, DstEP: 1, Payload: []byte{0x01, 0x05, 0x00}}
	match := ncp.DataMatch{SrcAddr: 0x5678, SrcEP: 1, ClusterID: 6, TSN: 5}

	if _, err := h.coord.Exchange(context.Background(), req, match); !errors.Is(err, ErrNotReady) {
		t.Fatalf("exchange before start: %v", err)
	}
	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	reply, err := h.coord.Exchange(context.Background(), req, match)
	if err != nil {
		t.Fatal(err)
	}
	if reply.SrcAddr != 0x5678 || reply.ClusterID != 6 {
		t.Errorf("reply = %+v", reply)
	}
	reqs := f.DataRequests()
	if len(reqs) != 1 || reqs[0].SrcEP != DefaultEndpoint.Endpoint {
		t.Errorf("data = %+v", reqs)
	}
}

func TestTransportLossEmitsDisconnected(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	h := newHarness(t, f, Config{})
	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.EmitClose(ncptest.ErrFake)
	if len(h.eventsOf(EventDisconnected)) != 1 || h.coord.State() != StateDisconnected {
		t.Fatalf("state = %s, events = %d", h.coord.State(), len(h.eventsOf(EventDisconnected)))
	}

	if err := h.coord.Stop(); err != nil {
		t.Fatal(err)
	}
	f.EmitClose(ncptest.ErrFake)
	if len(h.eventsOf(EventDisconnected)) != 1 {
		t.Error("disconnected emitted for a requested stop")
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsState(states []State, s State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}
