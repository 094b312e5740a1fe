package coordinator

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"blz-host/internal/blz"
	"blz-host/internal/ncp/ncptest"
	"blz-host/internal/zdo"
)

func TestBindAndUnbind(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	h := newHarness(t, f, Config{})
	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	src := blz.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	dst := zdo.BindTarget{IEEE: blz.EUI64{8, 7, 6, 5, 4, 3, 2, 1}, Endpoint: 1}

	if err := h.coord.Bind(context.Background(), 0x5678, src.String(), 1, 0x0006, dst); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.Unbind(context.Background(), 0x5678, src.String(), 1, 0x0006, zdo.BindTarget{IsGroup: true, Group: 5}); err != nil {
		t.Fatal(err)
	}

	if len(f.Zdo) != 2 {
		t.Fatalf("zdo = %+v", f.Zdo)
	}
	if f.Zdo[0].Cluster != zdo.BindRequest || f.Zdo[0].NwkAddr != 0x5678 || !f.Zdo[0].ExpectResponse {
		t.Errorf("bind request = %+v", f.Zdo[0])
	}
	if want := zdo.BindPayload(src, 1, 0x0006, dst); !bytes.Equal(f.Zdo[0].Payload, want) {
		t.Errorf("bind payload = %X, want %X", f.Zdo[0].Payload, want)
	}
	if f.Zdo[1].Cluster != zdo.UnbindRequest || len(f.Zdo[1].Payload) != 14 {
		t.Errorf("unbind request = %+v", f.Zdo[1])
	}
}

func TestBindRejectsBadAddress(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	h := newHarness(t, f, Config{})
	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.Bind(context.Background(), 0x5678, "nope", 1, 6, zdo.BindTarget{}); err == nil {
		t.Error("expected parse error")
	}
	if len(f.Zdo) != 0 {
		t.Errorf("sent %+v", f.Zdo)
	}
}

func TestBindNotReady(t *testing.T) {
	h := newHarness(t, &ncptest.Fake{}, Config{})
	err := h.coord.Bind(context.Background(), 0x5678, blz.EUI64{}.String(), 1, 6, zdo.BindTarget{})
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestBindStatusError(t *testing.T) {
	f := ncptest.Running(0x1234, extA, 15)
	f.ZdoStatus = 0x84
	h := newHarness(t, f, Config{})
	if _, err := h.coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := h.coord.Bind(context.Background(), 0x5678, blz.EUI64{1}.String(), 1, 6, zdo.BindTarget{IsGroup: true, Group: 1})
	var se *zdo.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *zdo.StatusError", err)
	}
	if se.Status != 0x84 || se.Target != 0x5678 || se.Cluster != zdo.BindRequest|zdo.ResponseFlag {
		t.Errorf("status error = %+v", se)
	}
}
