//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"blz-host/internal/blz"
	"blz-host/internal/ncp"
	"blz-host/internal/store"
)

// callTimeout bounds a device operation started from a script.
const callTimeout = 10 * time.Second

const maxHandlersPerScript = 100

// registerBLZModule registers the `blz` global table in a Lua state.
func registerBLZModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return blzOn(L, vm)
	}))
	mod.RawSetString("permit_join", L.NewFunction(func(L *lua.LState) int {
		return blzPermitJoin(L, e)
	}))
	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		return blzSend(L, e)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return blzAfter(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))
	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return blzDevices(L, e)
	}))
	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(e.coord.State().String()))
		return 1
	}))

	L.SetGlobal("blz", mod)
}

// blz.on(type, [filter], callback)
func blzOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if L.GetTop() >= 3 {
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		h.filter = make(map[string]string)
		filter.ForEach(func(k, v lua.LValue) {
			h.filter[k.String()] = v.String()
		})
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// blz.permit_join(seconds) -> ok, err
func blzPermitJoin(L *lua.LState, e *Engine) int {
	seconds := L.CheckInt(1)
	if seconds < 0 || seconds > 254 {
		L.ArgError(1, "seconds must be 0-254")
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	return pushResult(L, e.coord.PermitJoin(ctx, uint8(seconds)))
}

// blz.send{ieee=..., nwk=..., group=..., profile=0x0104, cluster=..., endpoint=1, payload={...}}
// -> tag or nil, err. One of ieee, nwk or group selects the destination.
// With reply=true a unicast send waits for the device's answer and returns
// {cluster, endpoint, payload, lqi, rssi} instead of the tag.
func blzSend(L *lua.LState, e *Engine) int {
	opts := L.CheckTable(1)
	req := ncp.DataRequest{
		ProfileID:   uint16(optInt(opts, "profile", 0x0104)),
		ClusterID:   uint16(optInt(opts, "cluster", 0)),
		DstEP:       uint8(optInt(opts, "endpoint", 1)),
		WaitConfirm: lua.LVAsBool(opts.RawGetString("confirm")),
	}

	switch {
	case opts.RawGetString("group") != lua.LNil:
		req.Group = true
		req.DstAddr = uint16(optInt(opts, "group", 0))
	case opts.RawGetString("nwk") != lua.LNil:
		req.DstAddr = uint16(optInt(opts, "nwk", 0))
	default:
		dev := resolveDevice(e, lua.LVAsString(opts.RawGetString("ieee")))
		if dev == nil {
			L.Push(lua.LNil)
			L.Push(lua.LString("device not found"))
			return 2
		}
		req.DstAddr = dev.ShortAddress
	}

	if tbl, ok := opts.RawGetString("payload").(*lua.LTable); ok {
		tbl.ForEach(func(_, v lua.LValue) {
			if n, ok := v.(lua.LNumber); ok {
				req.Payload = append(req.Payload, byte(n))
			}
		})
	}

	if lua.LVAsBool(opts.RawGetString("reply")) {
		return blzExchange(L, e, req)
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	tag, err := e.coord.SendData(ctx, req)
	if err != nil {
		e.logger.Warn("script send failed", "dst", req.DstAddr, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(tag))
	return 1
}

func blzExchange(L *lua.LState, e *Engine, req ncp.DataRequest) int {
	match, err := ncp.ReplyTo(req)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	ind, err := e.coord.Exchange(ctx, req, match)
	if err != nil {
		e.logger.Warn("script exchange failed", "dst", req.DstAddr, "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	payload := L.NewTable()
	for _, b := range ind.Payload {
		payload.Append(lua.LNumber(b))
	}
	reply := L.NewTable()
	reply.RawSetString("cluster", lua.LNumber(ind.ClusterID))
	reply.RawSetString("endpoint", lua.LNumber(ind.SrcEP))
	reply.RawSetString("payload", payload)
	reply.RawSetString("lqi", lua.LNumber(ind.LQI))
	reply.RawSetString("rssi", lua.LNumber(ind.RSSI))
	L.Push(reply)
	return 1
}

func optInt(t *lua.LTable, key string, def int) int {
	if n, ok := t.RawGetString(key).(lua.LNumber); ok {
		return int(n)
	}
	return def
}

func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// blz.after(seconds, callback) runs callback once on the script's VM.
func blzAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// blz.devices() returns every known device.
func blzDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	devices, err := e.coord.Devices().ListDevices()
	if err != nil {
		L.Push(tbl)
		return 1
	}
	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("ieee", lua.LString(dev.IEEEAddress))
		d.RawSetString("nwk_addr", lua.LNumber(dev.ShortAddress))
		d.RawSetString("lqi", lua.LNumber(dev.LQI))
		d.RawSetString("left", lua.LBool(dev.Left))
		d.RawSetString("last_seen", lua.LNumber(dev.LastSeen.Unix()))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// resolveDevice finds a device by IEEE address in any accepted notation.
func resolveDevice(e *Engine, target string) *store.Device {
	ieee, err := blz.ParseEUI64(target)
	if err != nil {
		return nil
	}
	dev, err := e.coord.Devices().GetDevice(ieee.String())
	if err != nil {
		return nil
	}
	return dev
}
