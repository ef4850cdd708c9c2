package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/stream-worker/internal/health"
	"github.com/book-expert/stream-worker/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleStatus() health.Status {
	return health.Status{
		WorkerID: "w-1",
		Ready:    true,
		Uptime:   90 * time.Second,
		Components: map[string]health.ComponentStatus{
			health.ComponentEncoder: {Healthy: true},
			health.ComponentQueue:   {Healthy: true},
			health.ComponentSynth:   {Detail: "connection refused"},
		},
		Scheduler: scheduler.Stats{Cap: 2, CapMin: 2, CapMax: 4, ActiveStories: 1, TTFAP95: 700 * time.Millisecond},
		Pipelines: []health.PipelineStatus{
			{StoryID: "story-a", Healthy: true, QueueDepth: 3, LatestSegment: 12, Buffer: 2500 * time.Millisecond},
		},
		History: []scheduler.StorySummary{
			{StoryID: "story-b", Units: 40, TTFA: 650 * time.Millisecond, CompletedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		},
	}
}

func TestRenderStatusLineNoColor(t *testing.T) {
	t.Parallel()

	got := renderStatusLine("synth", statusError, "connection refused", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "synth:", "[ERROR] connection refused")
	assert.Equal(t, want, got)
}

func TestRenderStatusLineWithColor(t *testing.T) {
	t.Parallel()

	got := renderStatusLine("State", statusOK, "healthy", true)
	assert.True(t, strings.HasPrefix(got, ansiGreen))
	assert.True(t, strings.HasSuffix(got, ansiReset))
}

func TestRenderStatus(t *testing.T) {
	t.Parallel()

	out := renderStatus(sampleStatus(), false)

	assert.Contains(t, out, "== Worker w-1 ==")
	assert.Contains(t, out, "[ERROR] unhealthy")
	assert.Contains(t, out, "[ERROR] connection refused")
	assert.Contains(t, out, "2 (range 2-4)")
	assert.Contains(t, out, "story-a")
	assert.Contains(t, out, "2.5s")
	assert.Contains(t, out, "story-b")
	assert.Contains(t, out, "2026-01-02T03:04:05Z")
	assert.NotContains(t, out, ansiReset)

	// Components are listed alphabetically.
	assert.Less(t, strings.Index(out, "encoder:"), strings.Index(out, "queue:"))
	assert.Less(t, strings.Index(out, "queue:"), strings.Index(out, "synth:"))
}

func TestRenderStatusInterrupted(t *testing.T) {
	t.Parallel()

	status := sampleStatus()
	status.Interrupted = true

	assert.Contains(t, renderStatus(status, false), "[WARN] interrupted, draining")
}

func TestRenderTable(t *testing.T) {
	t.Parallel()

	assert.Empty(t, renderTable(nil, nil, nil, true))

	out := renderTable([]string{"Story", "Units"}, [][]string{{"a"}}, []columnAlignment{alignLeft, alignRight}, true)
	assert.Contains(t, out, "Story")
	assert.Contains(t, out, "╭")
}

func TestShouldColorizeNonFile(t *testing.T) {
	t.Parallel()

	assert.False(t, shouldColorize(io.Discard))
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, health.PathStatus, r.URL.Path)

		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(sampleStatus())
	}))
	defer server.Close()

	var out bytes.Buffer

	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--addr", server.URL, "--json"})

	require.NoError(t, cmd.Execute())

	var decoded health.Status
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "w-1", decoded.WorkerID)
	assert.Len(t, decoded.Pipelines, 1)

	out.Reset()
	cmd = newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--addr", server.URL})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "== Pipelines ==")
}

func TestStatusCommandUnreachable(t *testing.T) {
	t.Parallel()

	cmd := newRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"status", "--addr", "http://127.0.0.1:1"})

	require.ErrorIs(t, cmd.Execute(), health.ErrStatusUnavailable)
}
