package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"testing"

	"github.com/fatih/color"
	"github.com/matheus3301/msgrelay/internal/api"
	"github.com/matheus3301/msgrelay/internal/delivery"
	"github.com/matheus3301/msgrelay/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	g := &globals{json: true}
	require.NoError(t, render(g, &buf, delivery.Stats{Sent: 2, DeliveryRate: 0.5}, printDeliveryStats))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, float64(2), got["sent"])
	assert.Equal(t, 0.5, got["delivery_rate"])
}

func TestRenderHuman(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, render(&globals{}, &buf, &api.Status{
		Profile: "main", State: "DEGRADED", Reason: "remote down", UptimeMS: 61500, Gateway: true,
	}, printStatus))

	out := buf.String()
	assert.Contains(t, out, "Profile:    main")
	assert.Contains(t, out, "DEGRADED (remote down)")
	assert.Contains(t, out, "1m1s")
	assert.Contains(t, out, "connected")
}

func TestPrintPassReportListsFailures(t *testing.T) {
	var buf bytes.Buffer
	printPassReport(&buf, &api.PassReport{
		Outcome: "fatal", Synced: 3, Fatal: 1,
		Failures: []api.EntityResult{{Type: "message", ID: "m9", Outcome: "fatal", Action: "none", Error: "rejected"}},
	})
	assert.Contains(t, buf.String(), "  message/m9: fatal: rejected\n")
}

func TestPrintConflictsEmpty(t *testing.T) {
	var buf bytes.Buffer
	printConflicts(&buf, api.ConflictList{})
	assert.Equal(t, "No conflicts.\n", buf.String())
}

func TestNotRunning(t *testing.T) {
	t.Setenv(profile.HomeEnv, t.TempDir())
	cause := errors.New("connection refused")

	err := notRunning("main", cause)
	assert.ErrorContains(t, err, `daemon not running for profile "main"`)

	require.NoError(t, profile.EnsureDir("main"))
	require.NoError(t, os.WriteFile(profile.LockPath("main"), []byte("pid="+strconv.Itoa(4242)+"\n"), 0o600))

	err = notRunning("main", cause)
	assert.ErrorContains(t, err, "pid 4242")
}
