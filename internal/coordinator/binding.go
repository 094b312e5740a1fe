package coordinator

import (
	"context"
	"fmt"

	"blz-host/internal/blz"
	"blz-host/internal/ncp"
	"blz-host/internal/zdo"
)

// Bind creates a binding on the device at targetShortAddr.
func (c *Coordinator) Bind(ctx context.Context, targetShortAddr uint16, srcIEEE string, srcEP uint8, clusterID uint16, dst zdo.BindTarget) error {
	return c.bind(ctx, zdo.BindRequest, targetShortAddr, srcIEEE, srcEP, clusterID, dst)
}

// Unbind removes a binding from the target device.
func (c *Coordinator) Unbind(ctx context.Context, targetShortAddr uint16, srcIEEE string, srcEP uint8, clusterID uint16, dst zdo.BindTarget) error {
	return c.bind(ctx, zdo.UnbindRequest, targetShortAddr, srcIEEE, srcEP, clusterID, dst)
}

func (c *Coordinator) bind(ctx context.Context, cluster, target uint16, srcIEEE string, srcEP uint8, clusterID uint16, dst zdo.BindTarget) error {
	if c.State() != StateReady {
		return ErrNotReady
	}
	src, err := blz.ParseEUI64(srcIEEE)
	if err != nil {
		return fmt.Errorf("parse src ieee: %w", err)
	}
	rsp, err := c.ncp.SendZdo(ctx, ncp.ZdoRequest{
		Cluster:        cluster,
		NwkAddr:        target,
		Payload:        zdo.BindPayload(src, srcEP, clusterID, dst),
		ExpectResponse: true,
	})
	if err != nil {
		return fmt.Errorf("%s 0x%04X: %w", zdo.ClusterName(cluster), target, err)
	}
	if rsp != nil && rsp.Status != 0 {
		return &zdo.StatusError{Cluster: rsp.Cluster, Target: target, Status: rsp.Status}
	}
	return nil
}
