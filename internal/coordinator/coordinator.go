package coordinator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"blz-host/internal/blz"
	"blz-host/internal/metrics"
	"blz-host/internal/ncp"
	"blz-host/internal/store"
	"blz-host/internal/syncutil"
	"blz-host/internal/zdo"
)

// Defaults applied to a zero Config.
const (
	DefaultConnectAttempts   = 4
	DefaultConnectBackoff    = 5 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultHeartbeatFailures = 4
	DefaultRestartDelay      = time.Second
)

// DefaultEndpoint is the application endpoint registered at startup.
var DefaultEndpoint = blz.AddEndpointRequest{
	Endpoint:       1,
	ProfileID:      0x0104,
	DeviceID:       0xBEEF,
	InputClusters:  []uint16{0x0000, 0x0003, 0x0006, 0x000A, 0x0019, 0x0300},
	OutputClusters: []uint16{0x0000, 0x0003, 0x0004, 0x0005, 0x0006},
}

// zigbeeAlliance09 is the well-known global trust center link key.
var zigbeeAlliance09 = blz.Key{
	0x5A, 0x69, 0x67, 0x42, 0x65, 0x65, 0x41, 0x6C,
	0x6C, 0x69, 0x61, 0x6E, 0x63, 0x65, 0x30, 0x39,
}

// ErrNotReady is returned by operations that need a running network.
var ErrNotReady = errors.New("coordinator: network not ready")

// Config holds coordinator configuration.
type Config struct {
	Network NetworkOptions

	ConnectAttempts int
	ConnectBackoff  time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HeartbeatFailures int

	// RestartDelay is the pause between stop and start on a driver reset.
	RestartDelay time.Duration

	// Endpoint is registered on every start; zero uses DefaultEndpoint.
	Endpoint blz.AddEndpointRequest
}

func (c *Config) applyDefaults() {
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = DefaultConnectBackoff
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.HeartbeatFailures <= 0 {
		c.HeartbeatFailures = DefaultHeartbeatFailures
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.Endpoint.Endpoint == 0 {
		c.Endpoint = DefaultEndpoint
	}
}

func (c Config) settings() ncp.NetworkSettings {
	return ncp.NetworkSettings{ExtPanID: c.Network.ExtPanID, PanID: c.Network.PanID, Channel: c.Network.Channel}
}

// Session is what the last successful start learned about the device.
type Session struct {
	ID          string                `json:"id"`
	State       State                 `json:"state"`
	Result      StartResult           `json:"result"`
	EUI64       blz.EUI64             `json:"eui64"`
	Version     ncp.Version           `json:"version"`
	Parameters  blz.NetworkParameters `json:"parameters"`
	KeySequence uint8                 `json:"key_sequence"`
	StartedAt   time.Time             `json:"started_at"`
}

// Coordinator brings the coprocessor's network into agreement with the
// configuration and keeps it running.
type Coordinator struct {
	ncp     ncp.NCP
	store   store.Store
	events  *EventBus
	devices *DeviceManager
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config

	// lifecycleMu serializes Start, Stop and Restart.
	lifecycleMu syncutil.Mutex

	mu           syncutil.Mutex
	state        State
	session      Session
	permitUntil  time.Time
	stopping     bool
	generation   uint64
	stopWatchdog context.CancelFunc
	watchdogDone chan struct{}
}

// New creates a coordinator on top of a coprocessor driver. m may be nil.
func New(backend ncp.NCP, st store.Store, events *EventBus, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		ncp:     backend,
		store:   st,
		events:  events,
		metrics: m,
		logger:  logger.With("component", "coordinator"),
		cfg:     cfg,
	}
	c.devices = NewDeviceManager(c)
	c.devices.RebuildAddrIndex()
	c.registerHandlers()
	return c
}

// Start connects to the device and commissions the network. On success the
// heartbeat watchdog runs until Stop.
func (c *Coordinator) Start(ctx context.Context) (StartResult, error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.start(ctx)
}

func (c *Coordinator) start(ctx context.Context) (StartResult, error) {
	c.mu.Lock()
	c.stopping = false
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		c.setState(StateFaulted)
		return 0, err
	}
	result, err := c.commission(ctx)
	if err != nil {
		c.setState(StateFaulted)
		c.logger.Error("commissioning failed", "err", err)
		return 0, err
	}
	c.startWatchdog(gen)
	return result, nil
}

func (c *Coordinator) connect(ctx context.Context) error {
	c.setState(StateDisconnected)
	for attempt := 1; ; attempt++ {
		err := c.ncp.Open(ctx)
		if err == nil {
			return nil
		}
		c.logger.Warn("connect failed", "attempt", attempt, "of", c.cfg.ConnectAttempts, "err", err)
		if attempt >= c.cfg.ConnectAttempts {
			return &ConnectError{Attempts: attempt, Err: err}
		}
		t := time.NewTimer(time.Duration(attempt) * c.cfg.ConnectBackoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return &ConnectError{Attempts: attempt, Err: ctx.Err()}
		}
	}
}

func (c *Coordinator) commission(ctx context.Context) (StartResult, error) {
	c.setState(StateResetting)
	if err := c.ncp.Reset(ctx); err != nil {
		return 0, &CommissioningError{Step: "reset", Err: err}
	}
	version, err := c.ncp.Version(ctx)
	if err != nil {
		return 0, &CommissioningError{Step: "version", Err: err}
	}
	c.logger.Info("coprocessor", "version", version.String())
	if err := c.ncp.AddEndpoint(ctx, c.cfg.Endpoint); err != nil {
		return 0, &CommissioningError{Step: "add endpoint", Err: err}
	}
	if err := c.ncp.SetConcentrator(ctx, true); err != nil {
		c.logger.Warn("enable concentrator", "err", err)
	}

	c.setState(StateQueryingState)
	netState, err := c.ncp.NetworkState(ctx)
	if err != nil {
		return 0, &CommissioningError{Step: "network state", Err: err}
	}
	params, err := c.ncp.NetworkParameters(ctx)
	valid := err == nil
	if err != nil {
		var se *blz.StatusError
		if !errors.As(err, &se) {
			return 0, &CommissioningError{Step: "network parameters", Err: err}
		}
		c.logger.Info("device holds no network", "status", se.Status)
	}
	backup, err := c.store.GetBackup()
	if errors.Is(err, store.ErrNotFound) {
		backup, err = nil, nil
	}
	if err != nil {
		return 0, &CommissioningError{Step: "read backup", Err: err}
	}

	device := deviceNetwork(netState, params, valid)
	configured := c.cfg.Network
	result, err := Decide(device, configured, backup)
	if err != nil {
		c.logger.Error("refusing to start",
			"device_pan", fmt.Sprintf("0x%04X", device.PanID), "device_ext", device.ExtPanID, "device_channel", device.Channel,
			"configured_pan", fmt.Sprintf("0x%04X", configured.PanID), "configured_ext", configured.ExtPanID,
			"configured_channel", configured.Channel, "err", err)
		return 0, err
	}
	c.logger.Info("commissioning", "result", result, "device_up", device.Up, "backup", backup != nil)

	switch result {
	case Resumed:
		if !device.Up {
			if err := c.ncp.NetworkInit(ctx); err != nil {
				return 0, &CommissioningError{Step: "network init", Err: err}
			}
		}
	case Restored:
		c.setState(StateRestoring)
		err = c.restore(ctx, device, backup)
	case Reset:
		if configured.NodeType == blz.NodeCoordinator {
			c.setState(StateForming)
			err = c.formFresh(ctx, device)
		} else {
			c.setState(StateJoining)
			err = c.join(ctx, device)
		}
	}
	if err != nil {
		return 0, err
	}

	if err := c.refreshSession(ctx, result, version); err != nil {
		return 0, err
	}
	c.setState(StateReady)
	return result, nil
}

// leave clears the device's network state. It only fails when the device
// had a network to leave.
func (c *Coordinator) leave(ctx context.Context, device DeviceNetwork) error {
	err := c.ncp.LeaveNetwork(ctx)
	if err == nil {
		return nil
	}
	if device.Up {
		return &CommissioningError{Step: "leave network", Err: err}
	}
	c.logger.Debug("leave network", "err", err)
	return nil
}

func (c *Coordinator) restore(ctx context.Context, device DeviceNetwork, b *store.Backup) error {
	if err := c.leave(ctx, device); err != nil {
		return err
	}
	if err := c.ncp.SetNwkSecurityInfos(ctx, b.NetworkKey, b.FrameCounter, b.KeySequence); err != nil {
		return &CommissioningError{Step: "set network key", Err: err}
	}
	if err := c.ncp.SetGlobalTCLinkKey(ctx, b.TCLinkKey, 0); err != nil {
		return &CommissioningError{Step: "set trust center link key", Err: err}
	}
	return c.form(ctx, ncp.NetworkSettings{ExtPanID: b.ExtPanID, PanID: b.PanID, Channel: b.Channel})
}

func (c *Coordinator) formFresh(ctx context.Context, device DeviceNetwork) error {
	if err := c.leave(ctx, device); err != nil {
		return err
	}
	var key blz.Key
	if c.cfg.Network.NetworkKey != nil {
		key = *c.cfg.Network.NetworkKey
	} else if _, err := rand.Read(key[:]); err != nil {
		return &CommissioningError{Step: "generate network key", Err: err}
	}
	if err := c.ncp.SetNwkSecurityInfos(ctx, key, 0, 0); err != nil {
		return &CommissioningError{Step: "set network key", Err: err}
	}
	if err := c.ncp.SetGlobalTCLinkKey(ctx, zigbeeAlliance09, 0); err != nil {
		return &CommissioningError{Step: "set trust center link key", Err: err}
	}
	return c.form(ctx, c.cfg.settings())
}

// form starts the network. The firmware refuses to form over an active
// network; that refusal is logged, not fatal.
func (c *Coordinator) form(ctx context.Context, s ncp.NetworkSettings) error {
	c.logger.Info("forming network", "settings", s.String())
	err := c.ncp.FormNetwork(ctx, s)
	if err == nil {
		return nil
	}
	if state, serr := c.ncp.NetworkState(ctx); serr == nil && state == blz.NetworkConnected {
		c.logger.Warn("form refused, network already up", "err", err)
		return nil
	}
	return &CommissioningError{Step: "form network", Err: err}
}

func (c *Coordinator) join(ctx context.Context, device DeviceNetwork) error {
	if err := c.leave(ctx, device); err != nil {
		return err
	}
	s := c.cfg.settings()
	c.logger.Info("joining network", "settings", s.String(), "node_type", c.cfg.Network.NodeType)
	if err := c.ncp.JoinNetwork(ctx, s); err != nil {
		return &CommissioningError{Step: "join network", Err: err}
	}
	return nil
}

func (c *Coordinator) refreshSession(ctx context.Context, result StartResult, version ncp.Version) error {
	eui, err := c.ncp.LocalEUI64(ctx)
	if err != nil {
		return &CommissioningError{Step: "read eui64", Err: err}
	}
	params, err := c.ncp.NetworkParameters(ctx)
	if err != nil {
		return &CommissioningError{Step: "network parameters", Err: err}
	}
	var keySeq uint8
	if sec, err := c.ncp.NwkSecurityInfos(ctx); err != nil {
		c.logger.Warn("read network key info", "err", err)
	} else {
		keySeq = sec.KeySequence
	}

	c.mu.Lock()
	c.session = Session{
		ID:          uuid.NewString(),
		Result:      result,
		EUI64:       eui,
		Version:     version,
		Parameters:  params,
		KeySequence: keySeq,
		StartedAt:   time.Now(),
	}
	id := c.session.ID
	c.mu.Unlock()

	c.logger.Info("network ready", "session", id, "eui64", eui, "pan", fmt.Sprintf("0x%04X", params.PanID),
		"channel", params.Channel, "result", result)
	return nil
}

// Stop halts the watchdog and closes the transport.
func (c *Coordinator) Stop() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.stop()
}

func (c *Coordinator) stop() error {
	c.mu.Lock()
	c.stopping = true
	c.generation++
	cancel, done := c.stopWatchdog, c.watchdogDone
	c.stopWatchdog, c.watchdogDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	err := c.ncp.Close()
	c.setState(StateDisconnected)
	return err
}

// Restart stops the driver, waits RestartDelay and runs Start again.
func (c *Coordinator) Restart(ctx context.Context) (StartResult, error) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.restart(ctx)
}

func (c *Coordinator) restart(ctx context.Context) (StartResult, error) {
	if err := c.stop(); err != nil {
		c.logger.Warn("close transport", "err", err)
	}
	t := time.NewTimer(c.cfg.RestartDelay)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
		return 0, ctx.Err()
	}
	return c.start(ctx)
}

// PermitJoin opens the network for joining on every router and the
// coordinator itself. Zero closes it.
func (c *Coordinator) PermitJoin(ctx context.Context, seconds uint8) error {
	if c.State() != StateReady {
		return ErrNotReady
	}
	_, err := c.ncp.SendZdo(ctx, ncp.ZdoRequest{
		Cluster: zdo.PermitJoiningRequest,
		NwkAddr: blz.BroadcastRouters,
		Payload: zdo.PermitJoiningPayload(seconds),
	})
	if err != nil {
		return fmt.Errorf("permit join broadcast: %w", err)
	}
	if err := c.ncp.PermitJoining(ctx, seconds); err != nil {
		return fmt.Errorf("permit join: %w", err)
	}

	c.mu.Lock()
	c.permitUntil = time.Now().Add(time.Duration(seconds) * time.Second)
	c.mu.Unlock()

	c.logger.Info("permit join", "duration", seconds)
	c.events.Emit(Event{Type: EventPermitJoin, Data: map[string]any{"duration": seconds}})
	return nil
}

// PermitJoinRemaining is how long joining stays open.
func (c *Coordinator) PermitJoinRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return max(time.Until(c.permitUntil), 0)
}

// Backup reads the live network identity and security material.
func (c *Coordinator) Backup(ctx context.Context) (*store.Backup, error) {
	if c.State() != StateReady {
		return nil, ErrNotReady
	}
	sec, err := c.ncp.NwkSecurityInfos(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup network key: %w", err)
	}
	tc, err := c.ncp.GlobalTCLinkKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup trust center key: %w", err)
	}
	params, err := c.ncp.NetworkParameters(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup network parameters: %w", err)
	}
	return &store.Backup{
		PanID:        params.PanID,
		ExtPanID:     params.ExtPanID,
		Channel:      params.Channel,
		NetworkKey:   sec.Key,
		FrameCounter: sec.FrameCounter,
		KeySequence:  sec.KeySequence,
		TCLinkKey:    tc.Key,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// SendData sends an APS frame from the application endpoint. It returns
// the tag the confirm will carry.
func (c *Coordinator) SendData(ctx context.Context, req ncp.DataRequest) (uint32, error) {
	if c.State() != StateReady {
		return 0, ErrNotReady
	}
	if req.SrcEP == 0 {
		req.SrcEP = c.cfg.Endpoint.Endpoint
	}
	return c.ncp.SendData(ctx, req)
}

// Exchange sends a unicast APS frame from the application endpoint and
// waits for the device's reply.
func (c *Coordinator) Exchange(ctx context.Context, req ncp.DataRequest, match ncp.DataMatch) (blz.ApsDataIndication, error) {
	if c.State() != StateReady {
		return blz.ApsDataIndication{}, ErrNotReady
	}
	if req.SrcEP == 0 {
		req.SrcEP = c.cfg.Endpoint.Endpoint
	}
	return c.ncp.Exchange(ctx, req, match)
}

// EnergyScan measures noise on the channels in mask.
func (c *Coordinator) EnergyScan(ctx context.Context, mask uint32, duration uint8) ([]blz.EnergyScanResult, error) {
	if c.State() != StateReady {
		return nil, ErrNotReady
	}
	return c.ncp.EnergyScan(ctx, mask, duration)
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	from := c.state
	c.state = s
	c.session.State = s
	c.mu.Unlock()

	c.metrics.SetState(int(s))
	if from == s {
		return
	}
	c.logger.Debug("state", "from", from, "to", s)
	c.events.Emit(Event{Type: EventStateChanged, Data: StateEvent{From: from, To: s}})
}

// State returns the commissioning state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns what the last start learned about the device.
func (c *Coordinator) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// NCP returns the underlying driver.
func (c *Coordinator) NCP() ncp.NCP {
	return c.ncp
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Devices returns the device manager.
func (c *Coordinator) Devices() *DeviceManager {
	return c.devices
}

func (c *Coordinator) registerHandlers() {
	c.ncp.OnDeviceJoin(c.handleDeviceJoin)
	c.ncp.OnZdoResponse(c.handleZdo)
	c.ncp.OnApsData(c.handleApsData)
	c.ncp.OnStackStatus(c.handleStackStatus)
	c.ncp.OnNwkStatus(c.handleNwkStatus)
	c.ncp.OnClose(c.handleClose)
}

func (c *Coordinator) handleDeviceJoin(evt blz.DeviceJoin) {
	data := DeviceEvent{IEEE: evt.EUI64.String(), NwkAddr: evt.NodeID, Status: evt.Status.String()}
	if evt.Status == blz.JoinDeviceLeft {
		c.devices.HandleLeave(evt)
		c.events.Emit(Event{Type: EventDeviceLeft, Data: data})
		return
	}
	c.devices.HandleJoin(evt)
	if c.PermitJoinRemaining() > 0 {
		c.events.Emit(Event{Type: EventDeviceJoined, Data: data})
		return
	}
	c.events.Emit(Event{Type: EventDeviceAnnounce, Data: data})
}

func (c *Coordinator) handleZdo(r zdo.Response) {
	if a, ok := r.Announce(); ok {
		c.devices.HandleAnnounce(a)
		c.events.Emit(Event{Type: EventDeviceAnnounce, Data: DeviceEvent{IEEE: a.IEEE.String(), NwkAddr: a.NwkAddr, Status: "announce"}})
		return
	}
	c.events.Emit(Event{Type: EventZdoResponse, Data: r})
}

func (c *Coordinator) handleApsData(ind blz.ApsDataIndication) {
	c.devices.Touch(ind.SrcAddr, ind.LQI, ind.RSSI)
	c.events.Emit(Event{Type: EventApsData, Data: ind})
}

func (c *Coordinator) handleStackStatus(s blz.StackStatus) {
	if s.Status == blz.StackNetworkDown && c.State() == StateReady {
		c.logger.Warn("network went down")
	}
	c.events.Emit(Event{Type: EventStackStatus, Data: map[string]any{"status": fmt.Sprintf("0x%02X", uint8(s.Status))}})
}

func (c *Coordinator) handleNwkStatus(s blz.NwkStatus) {
	c.logger.Debug("nwk status", "status", fmt.Sprintf("0x%02X", s.Status),
		"nwk", fmt.Sprintf("0x%04X", s.NwkAddr), "ieee", s.EUI64)
}

func (c *Coordinator) handleClose(err error) {
	c.mu.Lock()
	stopping := c.stopping
	c.mu.Unlock()
	if stopping {
		return
	}
	c.logger.Warn("transport closed", "err", err)
	c.setState(StateDisconnected)
	c.events.Emit(Event{Type: EventDisconnected, Data: map[string]any{"error": err.Error()}})
}

// SaveBackup reads a backup from the live network and stores it, replacing
// the previous one.
func (c *Coordinator) SaveBackup(ctx context.Context) (*store.Backup, error) {
	b, err := c.Backup(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveBackup(b); err != nil {
		return nil, fmt.Errorf("save backup: %w", err)
	}
	c.logger.Info("backup saved", "pan", fmt.Sprintf("0x%04X", b.PanID), "channel", b.Channel)
	return b, nil
}
