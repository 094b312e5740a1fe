//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"blz-host/internal/blz"
	"blz-host/internal/coordinator"
)

// DefaultRequestTimeout bounds a request received over MQTT.
const DefaultRequestTimeout = 30 * time.Second

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	// ClientID defaults to a random "blz-host-" id.
	ClientID string
}

// Bridge publishes coordinator events to MQTT and serves bridge requests
// published under <prefix>/bridge/request/.
type Bridge struct {
	client  pahomqtt.Client
	coord   *coordinator.Coordinator
	prefix  string
	logger  *slog.Logger
	unsub   func()
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration

	mu        sync.Mutex
	announced map[string]bool // IEEE -> discovery published
}

func newBridge(coord *coordinator.Coordinator, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		coord:     coord,
		prefix:    prefix,
		logger:    logger.With("component", "mqtt"),
		ctx:       ctx,
		cancel:    cancel,
		timeout:   DefaultRequestTimeout,
		announced: make(map[string]bool),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "blz-host-" + uuid.NewString()[:8]
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "client_id", clientID)
			b.publishBridgeState("online")
			b.publishInfo()
			b.publishAllDiscovery()
			b.subscribeRequests()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	b.publish(b.prefix+"/bridge/event", mustJSON(event), false)

	switch event.Type {
	case coordinator.EventStateChanged, coordinator.EventPermitJoin:
		b.publishInfo()
	case coordinator.EventDeviceJoined, coordinator.EventDeviceAnnounce:
		if data, ok := event.Data.(coordinator.DeviceEvent); ok {
			b.publishDevice(data.IEEE)
		}
	case coordinator.EventApsData:
		ind, ok := event.Data.(blz.ApsDataIndication)
		if !ok {
			return
		}
		if ieee, ok := b.coord.Devices().LookupIEEE(ind.SrcAddr); ok {
			b.publishDevice(ieee)
		}
	case coordinator.EventDeviceLeft:
		if data, ok := event.Data.(coordinator.DeviceEvent); ok {
			b.handleDeviceLeft(data.IEEE)
		}
	}
}

// deviceState is the retained payload on a device's state topic.
type deviceState struct {
	IEEE        string `json:"ieee"`
	NwkAddr     string `json:"nwk_addr"`
	LinkQuality uint8  `json:"linkquality"`
	RSSI        int8   `json:"rssi"`
	LastSeen    string `json:"last_seen"`
}

func (b *Bridge) publishDevice(ieee string) {
	dev, err := b.coord.Devices().GetDevice(ieee)
	if err != nil {
		b.logger.Debug("device state for unknown device", "ieee", ieee, "err", err)
		return
	}

	b.mu.Lock()
	first := !b.announced[ieee]
	b.announced[ieee] = true
	b.mu.Unlock()
	if first {
		for _, msg := range buildDiscovery(dev, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}

	b.publish(deviceTopic(b.prefix, ieee), mustJSON(deviceState{
		IEEE:        dev.IEEEAddress,
		NwkAddr:     fmt.Sprintf("0x%04X", dev.ShortAddress),
		LinkQuality: dev.LQI,
		RSSI:        dev.RSSI,
		LastSeen:    dev.LastSeen.Format(time.RFC3339),
	}), true)
}

func (b *Bridge) handleDeviceLeft(ieee string) {
	for _, msg := range buildRemoveDiscovery(ieee) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	// Empty retained payload clears the last state.
	b.publish(deviceTopic(b.prefix, ieee), nil, true)

	b.mu.Lock()
	delete(b.announced, ieee)
	b.mu.Unlock()
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// bridgeInfo is the retained payload on <prefix>/bridge/info.
type bridgeInfo struct {
	State             coordinator.State   `json:"state"`
	PermitJoin        bool                `json:"permit_join"`
	PermitJoinTimeout int                 `json:"permit_join_timeout"`
	Session           coordinator.Session `json:"session"`
}

func (b *Bridge) publishInfo() {
	remaining := b.coord.PermitJoinRemaining()
	b.publish(b.prefix+"/bridge/info", mustJSON(bridgeInfo{
		State:             b.coord.State(),
		PermitJoin:        remaining > 0,
		PermitJoinTimeout: int(remaining.Round(time.Second) / time.Second),
		Session:           b.coord.Session(),
	}), true)
}

func (b *Bridge) publishAllDiscovery() {
	session := b.coord.Session()
	for _, msg := range buildBridgeDiscovery(b.prefix, session.Version.Stack) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	devices, err := b.coord.Devices().ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		if !dev.Left {
			b.publishDevice(dev.IEEEAddress)
		}
	}
}

func (b *Bridge) subscribeRequests() {
	topic := b.prefix + "/bridge/request/#"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		// paho delivers messages in order on one goroutine; requests can
		// block on the device for seconds.
		go b.handleRequest(msg.Topic(), msg.Payload())
	})
}

var errUnknownRequest = errors.New("unknown request")

// handleRequest serves one bridge request and publishes the outcome to
// <prefix>/bridge/response/<name>.
func (b *Bridge) handleRequest(topic string, payload []byte) {
	name := strings.TrimPrefix(topic, b.prefix+"/bridge/request/")
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()

	var (
		data any
		err  error
	)
	switch name {
	case "permit_join":
		data, err = b.permitJoin(ctx, payload)
	case "device/remove":
		data, err = b.removeDevice(ctx, payload)
	case "backup":
		data, err = b.coord.SaveBackup(ctx)
	case "energy_scan":
		data, err = b.energyScan(ctx, payload)
	default:
		err = fmt.Errorf("%w: %s", errUnknownRequest, name)
	}
	if err != nil {
		b.logger.Warn("bridge request failed", "request", name, "err", err)
	}
	b.respond(name, data, err)
}

type response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (b *Bridge) respond(name string, data any, err error) {
	rsp := response{Status: "ok", Data: data}
	if err != nil {
		rsp = response{Status: "error", Error: err.Error()}
	}
	b.publish(b.prefix+"/bridge/response/"+name, mustJSON(rsp), false)
}

type permitJoinRequest struct {
	Time *int `json:"time"`
}

// parsePermitJoin accepts {"time": N}, a bare number, or "true"/"false".
// The duration is clamped to 0..254 seconds.
func parsePermitJoin(payload []byte) (uint8, error) {
	text := strings.TrimSpace(string(payload))
	var seconds int
	switch {
	case text == "true":
		seconds = 254
	case text == "false":
		seconds = 0
	case strings.HasPrefix(text, "{"):
		var req permitJoinRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return 0, fmt.Errorf("invalid permit_join payload: %w", err)
		}
		if req.Time == nil {
			return 0, errors.New("permit_join payload has no time")
		}
		seconds = *req.Time
	default:
		n, err := strconv.Atoi(text)
		if err != nil {
			return 0, fmt.Errorf("invalid permit_join payload %q", text)
		}
		seconds = n
	}
	return uint8(min(max(seconds, 0), 254)), nil
}

func (b *Bridge) permitJoin(ctx context.Context, payload []byte) (any, error) {
	seconds, err := parsePermitJoin(payload)
	if err != nil {
		return nil, err
	}
	if err := b.coord.PermitJoin(ctx, seconds); err != nil {
		return nil, err
	}
	return map[string]int{"time": int(seconds)}, nil
}

type removeRequest struct {
	IEEE string `json:"ieee"`
}

func (b *Bridge) removeDevice(ctx context.Context, payload []byte) (any, error) {
	var req removeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		// A bare address is accepted too.
		req.IEEE = strings.Trim(strings.TrimSpace(string(payload)), `"`)
	}
	if _, err := blz.ParseEUI64(req.IEEE); err != nil {
		return nil, err
	}
	if err := b.coord.Devices().RemoveDevice(ctx, req.IEEE); err != nil {
		return nil, err
	}
	b.handleDeviceLeft(req.IEEE)
	return req, nil
}

type energyScanRequest struct {
	Channels uint32 `json:"channels"`
	Duration uint8  `json:"duration"`
}

// allChannels is the 2.4 GHz channel mask, 11 to 26.
const allChannels uint32 = 0x07FFF800

func (b *Bridge) energyScan(ctx context.Context, payload []byte) (any, error) {
	req := energyScanRequest{Channels: allChannels, Duration: 3}
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid energy_scan payload: %w", err)
		}
	}
	return b.coord.EnergyScan(ctx, req.Channels, req.Duration)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
