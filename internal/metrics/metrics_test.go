package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.FrameSent()
	m.FrameReceived()
	m.FrameDropped("corrupt")
	m.CommandDone("reset", "ok", time.Millisecond)
	m.QueueWaiting(1)
	m.QueueRunning(1)
	m.SetWaiters("zdo", 3)
	m.ApsDataEvent("tx", "ok")
	m.HeartbeatFailed()
	m.WatchdogReset()
	m.SetState(2)
}

func TestCounters(t *testing.T) {
	reg := NewRegistry()
	m := New(reg)

	m.FrameSent()
	m.FrameSent()
	m.FrameDropped("corrupt")
	m.CommandDone("getNetworkState", "ok", 20*time.Millisecond)
	m.CommandDone("getNetworkState", "timeout", 0)
	m.QueueWaiting(2)
	m.QueueWaiting(-1)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()

	for _, line := range []string{
		`blz_frames_total{direction="tx"} 2`,
		`blz_frame_errors_total{reason="corrupt"} 1`,
		`blz_commands_total{command="getNetworkState",result="timeout"} 1`,
		`blz_command_duration_seconds_count{command="getNetworkState"} 1`,
		`blz_queue_depth 1`,
	} {
		assert.True(t, strings.Contains(body, line), "missing %q", line)
	}
}
