package ncp

import (
	"errors"
	"fmt"

	"blz-host/internal/blz"
)

// ErrNoReply is returned when a reply is requested for a send that cannot
// have one: broadcasts, group sends and payloads without a ZCL header.
var ErrNoReply = errors.New("ncp: send has no addressable reply")

// ZCL frame control bits read to correlate replies.
const (
	zclFrameTypeMask        = 0x03
	zclManufacturerSpecific = 0x04
	zclServerToClient       = 0x08
)

// ZCL frame types.
const (
	ZCLFrameGlobal          uint8 = 0x00
	ZCLFrameClusterSpecific uint8 = 0x01
)

// ZCLDefaultResponse is the global command a device answers with when a
// command has no specific response.
const ZCLDefaultResponse uint8 = 0x0B

type zclHeader struct {
	frameType      uint8
	serverToClient bool
	tsn            uint8
	command        uint8
}

// parseZCLHeader reads the frame control, optional manufacturer code,
// transaction sequence number and command id.
func parseZCLHeader(b []byte) (zclHeader, bool) {
	if len(b) < 3 {
		return zclHeader{}, false
	}
	fc := b[0]
	i := 1
	if fc&zclManufacturerSpecific != 0 {
		i += 2
	}
	if len(b) < i+2 {
		return zclHeader{}, false
	}
	return zclHeader{
		frameType:      fc & zclFrameTypeMask,
		serverToClient: fc&zclServerToClient != 0,
		tsn:            b[i],
		command:        b[i+1],
	}, true
}

// DataMatch selects the APS indication that answers a unicast send. The
// reply must come from SrcAddr on ClusterID, travel server to client and
// echo TSN.
type DataMatch struct {
	SrcAddr   uint16
	SrcEP     uint8 // 0 accepts any endpoint
	ClusterID uint16
	TSN       uint8
	// With HasCommand set the reply must also carry FrameType and Command.
	HasCommand bool
	FrameType  uint8
	Command    uint8
}

// ReplyTo builds the match for req's reply from the ZCL header of its
// payload. Any command from the addressed endpoint with the same TSN
// matches; set Command to narrow it.
func ReplyTo(req DataRequest) (DataMatch, error) {
	if req.MessageType() != blz.MsgUnicast {
		return DataMatch{}, ErrNoReply
	}
	h, ok := parseZCLHeader(req.Payload)
	if !ok {
		return DataMatch{}, fmt.Errorf("%w: payload too short for a ZCL header", ErrNoReply)
	}
	return DataMatch{SrcAddr: req.DstAddr, SrcEP: req.DstEP, ClusterID: req.ClusterID, TSN: h.tsn}, nil
}

// Matches reports whether ind is the reply m describes.
func (m DataMatch) Matches(ind blz.ApsDataIndication) bool {
	if ind.SrcAddr != m.SrcAddr || ind.ClusterID != m.ClusterID {
		return false
	}
	if m.SrcEP != 0 && ind.SrcEP != m.SrcEP {
		return false
	}
	h, ok := parseZCLHeader(ind.Payload)
	if !ok || !h.serverToClient || h.tsn != m.TSN {
		return false
	}
	return !m.HasCommand || (h.frameType == m.FrameType && h.command == m.Command)
}

func (m DataMatch) String() string {
	s := fmt.Sprintf("reply from 0x%04X/%d cluster=0x%04X tsn=%d", m.SrcAddr, m.SrcEP, m.ClusterID, m.TSN)
	if m.HasCommand {
		s += fmt.Sprintf(" cmd=0x%02X", m.Command)
	}
	return s
}
