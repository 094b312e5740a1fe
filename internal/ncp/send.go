package ncp

import (
	"context"
	"errors"
	"fmt"

	"blz-host/internal/blz"
	"blz-host/internal/waitress"
	"blz-host/internal/zdo"
)

const defaultRadius = 30

// SendZdo sends a ZDO request as APS data on profile 0 and, when asked,
// waits for the matching response. The queue slot is released once the
// device has accepted the send, so other commands run while the response
// is outstanding.
func (d *Driver) SendZdo(ctx context.Context, req ZdoRequest) (*zdo.Response, error) {
	release, err := d.queue.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	payload := zdo.Adjust(req.Cluster, req.NwkAddr, req.Payload)

	var w *waitress.Waiter[zdo.Response]
	if req.ExpectResponse {
		if rsp, ok := zdo.ResponseCluster(req.Cluster); ok {
			w = d.zdoWait.WaitFor(zdo.Target{Cluster: rsp, NwkAddr: req.NwkAddr, IEEE: req.IEEE}, d.cfg.Timeout)
			d.metrics.SetWaiters("zdo", d.zdoWait.Len())
		}
	}

	msgType := blz.MsgUnicast
	if req.NwkAddr >= blz.BroadcastAddressMin {
		msgType = blz.MsgBroadcast
	}

	d.logger.Debug("zdo request", "cluster", zdo.ClusterName(req.Cluster),
		"nwk", fmt.Sprintf("0x%04X", req.NwkAddr), "payload", fmt.Sprintf("%X", payload))

	_, err = d.execute(ctx, blz.SendApsDataRequest{
		MsgType:    msgType,
		DstAddr:    req.NwkAddr,
		ProfileID:  zdo.ProfileID,
		ClusterID:  req.Cluster,
		SrcEP:      zdo.Endpoint,
		DstEP:      zdo.Endpoint,
		TxOptions:  blz.TxOptionNone,
		Radius:     defaultRadius,
		MessageTag: d.nextTag(),
		Payload:    payload,
	})
	release()
	if err != nil {
		if w != nil {
			d.zdoWait.Remove(w.ID())
		}
		d.metrics.ApsDataEvent("tx", "error")
		return nil, fmt.Errorf("zdo %s: %w", zdo.ClusterName(req.Cluster), err)
	}
	d.metrics.ApsDataEvent("tx", "ok")

	if w == nil {
		return nil, nil
	}
	w.Start()
	rsp, err := w.Wait(ctx)
	d.metrics.SetWaiters("zdo", d.zdoWait.Len())
	if err != nil {
		return nil, fmt.Errorf("zdo %s: %w", zdo.ClusterName(req.Cluster), err)
	}
	return &rsp, nil
}

func (d *Driver) nextTag() uint32 { return d.tag.Add(1) }

func (r DataRequest) aps() blz.SendApsDataRequest {
	radius := r.Radius
	if radius == 0 {
		radius = defaultRadius
	}
	return blz.SendApsDataRequest{
		MsgType:   r.MessageType(),
		DstAddr:   r.DstAddr,
		ProfileID: r.ProfileID,
		ClusterID: r.ClusterID,
		SrcEP:     r.SrcEP,
		DstEP:     r.DstEP,
		TxOptions: r.TxOptions,
		Radius:    radius,
		Payload:   r.Payload,
	}
}

// SendData sends an APS frame and returns its message tag. Broadcast and
// group sends are fire-and-forget and paced; unicast sends are retried on
// response timeout up to Config.SendAttempts times.
func (d *Driver) SendData(ctx context.Context, req DataRequest) (uint32, error) {
	aps := req.aps()

	if aps.MsgType != blz.MsgUnicast {
		if err := d.pacer.Wait(ctx); err != nil {
			return 0, err
		}
		aps.MessageTag = d.nextTag()
		if _, err := d.Execute(ctx, aps, WithoutResponse()); err != nil {
			d.metrics.ApsDataEvent("tx", "error")
			return 0, err
		}
		d.metrics.ApsDataEvent("tx", "ok")
		return aps.MessageTag, nil
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.SendAttempts; attempt++ {
		aps.MessageTag = d.nextTag()
		lastErr = d.sendUnicast(ctx, aps, req.WaitConfirm)
		if lastErr == nil {
			d.metrics.ApsDataEvent("tx", "ok")
			return aps.MessageTag, nil
		}
		if !errors.Is(lastErr, waitress.ErrTimeout) || ctx.Err() != nil {
			break
		}
		d.logger.Warn("aps send timed out, retrying",
			"dst", fmt.Sprintf("0x%04X", req.DstAddr),
			"cluster", fmt.Sprintf("0x%04X", req.ClusterID),
			"attempt", attempt)
	}
	d.metrics.ApsDataEvent("tx", "error")
	return 0, lastErr
}

// Exchange sends a unicast request and waits for the device's reply
// selected by match. When the send or the reply times out the request is
// sent again, up to Config.SendAttempts tries in all. Every try reuses the
// payload, so the device sees the same transaction sequence number.
func (d *Driver) Exchange(ctx context.Context, req DataRequest, match DataMatch) (blz.ApsDataIndication, error) {
	if req.MessageType() != blz.MsgUnicast {
		return blz.ApsDataIndication{}, ErrNoReply
	}
	aps := req.aps()

	var lastErr error
	for attempt := 1; attempt <= d.cfg.SendAttempts; attempt++ {
		aps.MessageTag = d.nextTag()
		var ind blz.ApsDataIndication
		ind, lastErr = d.exchangeOnce(ctx, aps, req.WaitConfirm, match)
		if lastErr == nil {
			d.metrics.ApsDataEvent("reply", "ok")
			return ind, nil
		}
		if !errors.Is(lastErr, waitress.ErrTimeout) || ctx.Err() != nil {
			break
		}
		d.logger.Warn("no reply, resending", "match", match.String(), "attempt", attempt)
	}
	d.metrics.ApsDataEvent("reply", "error")
	return blz.ApsDataIndication{}, lastErr
}

func (d *Driver) exchangeOnce(ctx context.Context, aps blz.SendApsDataRequest, waitConfirm bool, match DataMatch) (blz.ApsDataIndication, error) {
	// Registered before the send so a fast reply is not missed.
	w := d.dataWait.WaitFor(match, d.cfg.Timeout)
	d.metrics.SetWaiters("data", d.dataWait.Len())
	defer func() { d.metrics.SetWaiters("data", d.dataWait.Len()) }()

	if err := d.sendUnicast(ctx, aps, waitConfirm); err != nil {
		d.dataWait.Remove(w.ID())
		d.metrics.ApsDataEvent("tx", "error")
		return blz.ApsDataIndication{}, err
	}
	d.metrics.ApsDataEvent("tx", "ok")
	w.Start()
	return w.Wait(ctx)
}

func (d *Driver) sendUnicast(ctx context.Context, aps blz.SendApsDataRequest, waitConfirm bool) error {
	var w *waitress.Waiter[blz.ApsDataConfirm]
	if waitConfirm {
		w = d.confirms.WaitFor(aps.MessageTag, d.cfg.Timeout)
	}
	if _, err := d.Execute(ctx, aps); err != nil {
		if w != nil {
			d.confirms.Remove(w.ID())
		}
		return err
	}
	if w == nil {
		return nil
	}
	w.Start()
	confirm, err := w.Wait(ctx)
	if err != nil {
		return fmt.Errorf("aps confirm: %w", err)
	}
	if confirm.Status != blz.StatusSuccess {
		return &blz.StatusError{Command: blz.CmdApsDataConfirm, Status: confirm.Status}
	}
	return nil
}
