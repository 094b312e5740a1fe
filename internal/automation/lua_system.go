//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// SystemConfig holds configuration for the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string      // absolute paths scripts may run
	ExecTimeout   time.Duration // per command; zero means 10s
}

const maxExecOutput = 64 << 10

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(systemDatetime))
	mod.RawSetString("time_between", L.NewFunction(systemTimeBetween))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return systemLog(L, e)
	}))
	mod.RawSetString("exec", L.NewFunction(func(L *lua.LState) int {
		return systemExec(L, e)
	}))
	L.SetGlobal("system", mod)
}

// datetimeComponents are the names system.datetime accepts.
var datetimeComponents = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.TimeOnly)) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.DateOnly)) },
	"iso":       func(t time.Time) lua.LValue { return lua.LString(t.Format(time.RFC3339)) },
}

// system.datetime(component) returns one component of the local time.
func systemDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	get, ok := datetimeComponents[component]
	if !ok {
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	L.Push(get(time.Now()))
	return 1
}

// system.time_between(from_hour, to_hour) reports whether the current hour
// is in [from, to). A range with from > to wraps midnight.
func systemTimeBetween(L *lua.LState) int {
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), L.CheckInt(1), L.CheckInt(2))))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

var scriptLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// system.log(level, msg). Unknown levels log at info.
func systemLog(L *lua.LState, e *Engine) int {
	level, ok := scriptLogLevels[L.CheckString(1)]
	if !ok {
		level = slog.LevelInfo
	}
	e.logger.Log(L.Context(), level, "script log", "msg", L.CheckString(2))
	return 0
}

var (
	errExecNotAbsolute = errors.New("command must be an absolute path")
	errExecNotAllowed  = errors.New("command not in allowlist")
)

// system.exec(cmd) -> stdout, ok. Only allowlisted absolute paths run; the
// command line is split on whitespace with no shell involved.
func systemExec(L *lua.LState, e *Engine) int {
	parts := strings.Fields(L.CheckString(1))
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}

	out, err := e.exec(parts[0], parts[1:])
	if err != nil {
		e.logger.Warn("exec failed", "cmd", parts[0], "err", err)
		L.Push(lua.LString(out))
		L.Push(lua.LFalse)
		return 2
	}
	L.Push(lua.LString(out))
	L.Push(lua.LTrue)
	return 2
}

func (e *Engine) exec(binary string, args []string) (string, error) {
	if !filepath.IsAbs(binary) {
		return "", errExecNotAbsolute
	}
	if !slices.Contains(e.systemCfg.ExecAllowlist, binary) {
		return "", errExecNotAllowed
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stdout, err := exec.CommandContext(ctx, binary, args...).Output()
	if len(stdout) > maxExecOutput {
		stdout = stdout[:maxExecOutput]
	}
	if ctx.Err() == context.DeadlineExceeded {
		return string(stdout), ctx.Err()
	}
	return string(stdout), err
}
