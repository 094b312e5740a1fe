package web

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"blz-host/internal/blz"
	"blz-host/internal/coordinator"
	"blz-host/internal/ncp"
	"blz-host/internal/store"
	"blz-host/internal/waitress"
	"blz-host/internal/zdo"
)

// allChannels is the 2.4 GHz channel mask, 11 to 26.
const allChannels uint32 = 0x07FFF800

// restartTimeout bounds a restart requested over HTTP. The restart is not
// tied to the client connection.
const restartTimeout = 2 * time.Minute

// statusFor maps a coordinator error to an HTTP status.
func statusFor(err error) int {
	var (
		se  *blz.StatusError
		zse *zdo.StatusError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ncp.ErrNoReply):
		return http.StatusBadRequest
	case errors.Is(err, waitress.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, coordinator.ErrNotReady), errors.Is(err, ncp.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.As(err, &se), errors.As(err, &zse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
	} else {
		s.logger.Warn(op, "err", err)
	}
	s.writeError(w, status, err.Error())
}

type statusResponse struct {
	State               coordinator.State   `json:"state"`
	Session             coordinator.Session `json:"session"`
	PermitJoinRemaining int                 `json:"permit_join_remaining"`
	NCP                 ncp.Stats           `json:"ncp"`
	Devices             int                 `json:"devices"`
	Automations         []string            `json:"automations,omitempty"`
	Version             string              `json:"version,omitempty"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	rsp := statusResponse{
		State:               s.coord.State(),
		Session:             s.coord.Session(),
		PermitJoinRemaining: int(s.coord.PermitJoinRemaining().Round(time.Second) / time.Second),
		NCP:                 s.coord.NCP().Stats(),
		Version:             s.version,
	}
	if devices, err := s.coord.Devices().ListDevices(); err == nil {
		rsp.Devices = len(devices)
	}
	if s.autoEngine != nil {
		rsp.Automations = s.autoEngine.Running()
	}
	s.writeJSON(w, http.StatusOK, rsp)
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Devices().ListDevices()
	if err != nil {
		s.fail(w, "list devices", err)
		return
	}
	if devices == nil {
		devices = []*store.Device{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

// pathDevice resolves the {ieee} path value to a stored device, writing the
// error response itself when that fails.
func (s *Server) pathDevice(w http.ResponseWriter, r *http.Request) (*store.Device, bool) {
	ieee, err := blz.ParseEUI64(r.PathValue("ieee"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	dev, err := s.coord.Devices().GetDevice(ieee.String())
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return nil, false
	}
	return dev, true
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.pathDevice(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.pathDevice(w, r)
	if !ok {
		return
	}
	if err := s.coord.Devices().RemoveDevice(r.Context(), dev.IEEEAddress); err != nil {
		s.fail(w, "remove device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "ieee": dev.IEEEAddress})
}

type bindTarget struct {
	IEEE     string  `json:"ieee"`
	Endpoint uint8   `json:"endpoint"`
	Group    *uint16 `json:"group"`
}

type bindRequest struct {
	SrcEndpoint uint8      `json:"src_endpoint"`
	ClusterID   uint16     `json:"cluster_id"`
	Target      bindTarget `json:"target"`
}

func (req bindRequest) target() (zdo.BindTarget, error) {
	if req.Target.Group != nil {
		return zdo.BindTarget{IsGroup: true, Group: *req.Target.Group}, nil
	}
	ieee, err := blz.ParseEUI64(req.Target.IEEE)
	if err != nil {
		return zdo.BindTarget{}, err
	}
	return zdo.BindTarget{IEEE: ieee, Endpoint: req.Target.Endpoint}, nil
}

func (s *Server) handleAPIBind(w http.ResponseWriter, r *http.Request) {
	s.handleBinding(w, r, true)
}

func (s *Server) handleAPIUnbind(w http.ResponseWriter, r *http.Request) {
	s.handleBinding(w, r, false)
}

func (s *Server) handleBinding(w http.ResponseWriter, r *http.Request, bind bool) {
	dev, ok := s.pathDevice(w, r)
	if !ok {
		return
	}

	var req bindRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	dst, err := req.target()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid target: "+err.Error())
		return
	}
	if req.SrcEndpoint == 0 {
		s.writeError(w, http.StatusBadRequest, "src_endpoint is required")
		return
	}

	op, call := "bind", s.coord.Bind
	if !bind {
		op, call = "unbind", s.coord.Unbind
	}
	if err := call(r.Context(), dev.ShortAddress, dev.IEEEAddress, req.SrcEndpoint, req.ClusterID, dst); err != nil {
		s.fail(w, op, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendDataRequest struct {
	ProfileID *uint16 `json:"profile_id"`
	ClusterID uint16  `json:"cluster_id"`
	Endpoint  uint8   `json:"endpoint"`
	Payload   string  `json:"payload"` // hex
	Confirm   bool    `json:"confirm"`
	// WaitReply waits for the device's answer to the ZCL command in Payload.
	WaitReply bool `json:"wait_reply"`
}

type dataReply struct {
	ClusterID uint16 `json:"cluster_id"`
	Endpoint  uint8  `json:"endpoint"`
	Payload   string `json:"payload"` // hex
	LQI       uint8  `json:"lqi"`
	RSSI      int8   `json:"rssi"`
}

func (s *Server) handleAPISendData(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.pathDevice(w, r)
	if !ok {
		return
	}

	var req sendDataRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload, err := hex.DecodeString(req.Payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "payload must be hex")
		return
	}

	data := ncp.DataRequest{
		DstAddr:     dev.ShortAddress,
		ProfileID:   0x0104,
		ClusterID:   req.ClusterID,
		DstEP:       req.Endpoint,
		Payload:     payload,
		WaitConfirm: req.Confirm,
	}
	if req.ProfileID != nil {
		data.ProfileID = *req.ProfileID
	}
	if data.DstEP == 0 {
		data.DstEP = 1
	}

	if req.WaitReply {
		s.exchange(w, r, data)
		return
	}

	tag, err := s.coord.SendData(r.Context(), data)
	if err != nil {
		s.fail(w, "send data", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tag": tag})
}

func (s *Server) exchange(w http.ResponseWriter, r *http.Request, data ncp.DataRequest) {
	match, err := ncp.ReplyTo(data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ind, err := s.coord.Exchange(r.Context(), data, match)
	if err != nil {
		s.fail(w, "exchange", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "reply": dataReply{
		ClusterID: ind.ClusterID,
		Endpoint:  ind.SrcEP,
		Payload:   hex.EncodeToString(ind.Payload),
		LQI:       ind.LQI,
		RSSI:      ind.RSSI,
	}})
}

type permitJoinRequest struct {
	Duration *int `json:"duration"`
}

func (s *Server) handleAPIPermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	seconds := 254
	if req.Duration != nil {
		seconds = min(max(*req.Duration, 0), 254)
	}

	if err := s.coord.PermitJoin(r.Context(), uint8(seconds)); err != nil {
		s.fail(w, "permit join", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "duration": seconds})
}

func (s *Server) handleAPIBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.coord.SaveBackup(r.Context())
	if err != nil {
		s.fail(w, "backup", err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

type energyScanRequest struct {
	Channels uint32 `json:"channels"`
	Duration uint8  `json:"duration"`
}

type channelEnergy struct {
	Channel uint8 `json:"channel"`
	RSSI    int8  `json:"rssi"`
}

func (s *Server) handleAPIEnergyScan(w http.ResponseWriter, r *http.Request) {
	req := energyScanRequest{Channels: allChannels, Duration: 3}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Duration > ncp.MaxScanDuration {
		s.writeError(w, http.StatusBadRequest, "duration must be 0-14")
		return
	}

	results, err := s.coord.EnergyScan(r.Context(), req.Channels, req.Duration)
	if err != nil {
		s.fail(w, "energy scan", err)
		return
	}
	out := make([]channelEnergy, 0, len(results))
	for _, res := range results {
		out = append(out, channelEnergy{Channel: res.Channel, RSSI: res.RSSI})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIRestart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), restartTimeout)
	defer cancel()
	result, err := s.coord.Restart(ctx)
	if err != nil {
		s.fail(w, "restart", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "result": result})
}
