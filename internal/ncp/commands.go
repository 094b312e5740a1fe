package ncp

import (
	"context"
	"fmt"
	"math/bits"
	"strings"
	"time"

	"blz-host/internal/blz"
)

// Reset soft-resets the coprocessor and waits for resetAck.
func (d *Driver) Reset(ctx context.Context) error {
	_, err := d.Execute(ctx, blz.ResetRequest{}, WithTimeout(d.cfg.ResetTimeout))
	if err != nil {
		return fmt.Errorf("ncp reset: %w", err)
	}
	d.logger.Info("coprocessor reset")
	return nil
}

func (d *Driver) value(ctx context.Context, id blz.ValueID) ([]byte, error) {
	msg, err := d.Execute(ctx, blz.GetValueRequest{ID: id})
	if err != nil {
		return nil, err
	}
	return msg.(blz.ValueResponse).Value, nil
}

// dotted renders version bytes most significant first, e.g. 1.2.3.
func dotted(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[len(b)-1-i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ".")
}

// Version reads the protocol, stack and application versions. The
// application version is optional on older firmware.
func (d *Driver) Version(ctx context.Context) (Version, error) {
	var v Version
	b, err := d.value(ctx, blz.ValueBLZVersion)
	if err != nil {
		return v, fmt.Errorf("ncp version: %w", err)
	}
	v.BLZ = dotted(b)
	if b, err = d.value(ctx, blz.ValueStackVersion); err != nil {
		return v, fmt.Errorf("ncp stack version: %w", err)
	}
	v.Stack = dotted(b)
	if b, err = d.value(ctx, blz.ValueAppVersion); err == nil {
		v.App = dotted(b)
	} else {
		d.logger.Debug("app version unavailable", "err", err)
	}
	return v, nil
}

// LocalEUI64 reads the coprocessor's own IEEE address.
func (d *Driver) LocalEUI64(ctx context.Context) (blz.EUI64, error) {
	b, err := d.value(ctx, blz.ValueMACAddress)
	if err != nil {
		return blz.EUI64{}, fmt.Errorf("ncp mac address: %w", err)
	}
	var e blz.EUI64
	if len(b) != len(e) {
		return e, fmt.Errorf("ncp mac address: %d bytes", len(b))
	}
	copy(e[:], b)
	return e, nil
}

func (d *Driver) NetworkState(ctx context.Context) (blz.NetworkState, error) {
	msg, err := d.Execute(ctx, blz.GetNetworkStateRequest{})
	if err != nil {
		return blz.NetworkOffline, err
	}
	return msg.(blz.NetworkStateResponse).State, nil
}

func (d *Driver) NetworkParameters(ctx context.Context) (blz.NetworkParameters, error) {
	msg, err := d.Execute(ctx, blz.GetNetworkParametersRequest{})
	if err != nil {
		return blz.NetworkParameters{}, err
	}
	return msg.(blz.NetworkParameters), nil
}

// Heartbeat is a cheap round trip used by the watchdog.
func (d *Driver) Heartbeat(ctx context.Context) error {
	_, err := d.Execute(ctx, blz.GetNetworkStateRequest{})
	return err
}

func (d *Driver) FormNetwork(ctx context.Context, s NetworkSettings) error {
	_, err := d.Execute(ctx, blz.NetworkRequest{ExtPanID: s.ExtPanID, PanID: s.PanID, Channel: s.Channel})
	return err
}

func (d *Driver) JoinNetwork(ctx context.Context, s NetworkSettings) error {
	_, err := d.Execute(ctx, blz.NetworkRequest{Join: true, ExtPanID: s.ExtPanID, PanID: s.PanID, Channel: s.Channel})
	return err
}

func (d *Driver) LeaveNetwork(ctx context.Context) error {
	_, err := d.Execute(ctx, blz.LeaveNetworkRequest{})
	return err
}

func (d *Driver) NetworkInit(ctx context.Context) error {
	_, err := d.Execute(ctx, blz.NetworkInitRequest{})
	return err
}

// PermitJoining opens the coprocessor itself for joins.
func (d *Driver) PermitJoining(ctx context.Context, seconds uint8) error {
	_, err := d.Execute(ctx, blz.PermitJoiningRequest{Duration: seconds})
	return err
}

func (d *Driver) AddEndpoint(ctx context.Context, ep blz.AddEndpointRequest) error {
	_, err := d.Execute(ctx, ep)
	return err
}

func (d *Driver) SetConcentrator(ctx context.Context, enable bool) error {
	_, err := d.Execute(ctx, blz.SetConcentratorRequest{Enable: enable})
	return err
}

func (d *Driver) NwkSecurityInfos(ctx context.Context) (blz.NwkSecurityInfos, error) {
	msg, err := d.Execute(ctx, blz.GetNwkSecurityInfosRequest{})
	if err != nil {
		return blz.NwkSecurityInfos{}, err
	}
	return msg.(blz.NwkSecurityInfos), nil
}

func (d *Driver) SetNwkSecurityInfos(ctx context.Context, key blz.Key, frameCounter uint32, keySeq uint8) error {
	_, err := d.Execute(ctx, blz.SetNwkSecurityInfosRequest{Key: key, FrameCounter: frameCounter, KeySequence: keySeq})
	return err
}

func (d *Driver) GlobalTCLinkKey(ctx context.Context) (blz.LinkKeyInfo, error) {
	msg, err := d.Execute(ctx, blz.GetGlobalTcLinkKeyRequest{})
	if err != nil {
		return blz.LinkKeyInfo{}, err
	}
	return msg.(blz.LinkKeyInfo), nil
}

func (d *Driver) SetGlobalTCLinkKey(ctx context.Context, key blz.Key, frameCounter uint32) error {
	_, err := d.Execute(ctx, blz.SetGlobalTcLinkKeyRequest{Key: key, FrameCounter: frameCounter})
	return err
}

// MaxScanDuration is the largest scan duration exponent Zigbee defines.
const MaxScanDuration = 14

// EnergyScan runs an energy scan and collects one result per channel until
// scanComplete arrives. It holds the queue for the whole scan.
func (d *Driver) EnergyScan(ctx context.Context, channelMask uint32, duration uint8) ([]blz.EnergyScanResult, error) {
	if duration > MaxScanDuration {
		return nil, fmt.Errorf("ncp energy scan: duration %d exceeds %d", duration, MaxScanDuration)
	}
	release, err := d.queue.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	results := make(chan blz.EnergyScanResult, 32)
	complete := make(chan blz.Status, 1)
	d.setScanTap(func(m blz.Message) {
		switch v := m.(type) {
		case blz.EnergyScanResult:
			select {
			case results <- v:
			default:
			}
		case blz.StatusResponse:
			if v.ID == blz.CmdScanComplete {
				select {
				case complete <- v.Status:
				default:
				}
			}
		}
	})
	defer d.setScanTap(nil)

	if _, err := d.execute(ctx, blz.EnergyScanRequest{ChannelMask: channelMask, Duration: duration}); err != nil {
		return nil, fmt.Errorf("ncp energy scan: %w", err)
	}

	// Each channel takes (2^duration + 1) superframes of about 15.36ms.
	perChannel := time.Duration((1<<duration)+1) * 16 * time.Millisecond
	wait := d.cfg.Timeout + perChannel*time.Duration(bits.OnesCount32(channelMask))
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var out []blz.EnergyScanResult
	for {
		select {
		case r := <-results:
			out = append(out, r)
		case st := <-complete:
		drain:
			for {
				select {
				case r := <-results:
					out = append(out, r)
				default:
					break drain
				}
			}
			if st != blz.StatusSuccess {
				return out, &blz.StatusError{Command: blz.CmdScanComplete, Status: st}
			}
			return out, nil
		case <-timer.C:
			return out, fmt.Errorf("ncp energy scan: no scanComplete after %s", wait)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

func (d *Driver) setScanTap(tap func(blz.Message)) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.scanTap = tap
}
