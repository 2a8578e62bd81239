package main

import (
	"encoding/json"
	"flag"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dma/sdrcap/pkg/capture"
	"github.com/dma/sdrcap/pkg/catalog"
	"github.com/dma/sdrcap/pkg/radio"
	"github.com/dma/sdrcap/pkg/sched"
)

func TestMain(m *testing.M) {
	if capture.IsStageProcess() {
		os.Exit(capture.RunStageProcess())
	}
	os.Exit(m.Run())
}

func simConfig(t *testing.T, d time.Duration) capture.Config {
	t.Helper()
	cfg := capture.DefaultConfig()
	cfg.Mode = capture.ModeThread
	cfg.OutputPath = filepath.Join(t.TempDir(), "capture.iq")
	cfg.DeviceArgs = "kind=sim,paced=true"
	cfg.SampleRate = 1e6
	cfg.Format = radio.SC16
	cfg.BufferSamples = 1000
	cfg.Duration = d
	cfg.FlushInterval = 10 * time.Millisecond
	other := sched.Class{Policy: sched.Other, CPU: -1}
	cfg.Scheduling = capture.Scheduling{Producer: other, Writer: other, Flusher: other}
	return cfg
}

func TestSIFlag(t *testing.T) {
	cases := map[string]float64{
		"56M":    56e6,
		"2.4G":   2.4e9,
		"1.0e9":  1e9,
		"250k":   250e3,
		"12K":    12e3,
		" 1000 ": 1000,
		"0.5M":   5e5,
		"1e6":    1e6,
	}
	for in, want := range cases {
		var f siFlag
		if err := f.Set(in); err != nil {
			t.Errorf("Set(%q): %v", in, err)
			continue
		}
		if math.Abs(float64(f)-want) > 1e-9*want {
			t.Errorf("Set(%q) = %v, want %v", in, float64(f), want)
		}
	}
	var f siFlag
	if err := f.Set("fast"); err == nil {
		t.Error("expected an error for a non-number")
	}
}

func TestDurationFlag(t *testing.T) {
	cases := map[string]time.Duration{
		"300":   300 * time.Second,
		"0.5":   500 * time.Millisecond,
		"5m":    5 * time.Minute,
		"1h30m": 90 * time.Minute,
	}
	for in, want := range cases {
		var d durationFlag
		if err := d.Set(in); err != nil {
			t.Errorf("Set(%q): %v", in, err)
			continue
		}
		if time.Duration(d) != want {
			t.Errorf("Set(%q) = %v, want %v", in, time.Duration(d), want)
		}
		// String must parse back for config-file overrides.
		var back durationFlag
		if err := back.Set(d.String()); err != nil || back != d {
			t.Errorf("round trip of %q gave %v (%v)", in, time.Duration(back), err)
		}
	}
}

func TestConfigFileWithFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.json")
	file := `{"sample_rate": 20000000, "center_freq_hz": 433920000, "slots": 64, "format": "sc16", "scheduling": {"producer": "fifo:80", "writer": "rr:20", "flusher": "other"}}`
	if err := os.WriteFile(path, []byte(file), 0644); err != nil {
		t.Fatal(err)
	}

	fs := flag.NewFlagSet("sdrcap", flag.ContinueOnError)
	cfg := capture.DefaultConfig()
	var opts options
	registerFlags(fs, &cfg, &opts)
	if err := fs.Parse([]string{"-config", path, "-r", "2M", "-writer-sched", "rr:5@1", "-d", "10", "-o", filepath.Join(t.TempDir(), "out.iq")}); err != nil {
		t.Fatal(err)
	}
	if err := applyConfigFile(fs, &cfg, opts.configFile); err != nil {
		t.Fatal(err)
	}

	if cfg.SampleRate != 2e6 {
		t.Errorf("SampleRate = %v, want the flag's 2e6", cfg.SampleRate)
	}
	if cfg.CenterFreqHz != 433.92e6 {
		t.Errorf("CenterFreqHz = %v, want the file's value", cfg.CenterFreqHz)
	}
	if cfg.Slots != 64 || cfg.Format != radio.SC16 {
		t.Errorf("Slots=%d Format=%s, want 64 sc16 from the file", cfg.Slots, cfg.Format)
	}
	if cfg.Duration != 10*time.Second {
		t.Errorf("Duration = %v", cfg.Duration)
	}
	if want := (sched.Class{Policy: sched.FIFO, Priority: 80, CPU: -1}); cfg.Scheduling.Producer != want {
		t.Errorf("producer class %v, want %v", cfg.Scheduling.Producer, want)
	}
	if want := (sched.Class{Policy: sched.RR, Priority: 5, CPU: 1}); cfg.Scheduling.Writer != want {
		t.Errorf("writer class %v, want %v", cfg.Scheduling.Writer, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("merged config invalid: %v", err)
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(nil); got != exitOK {
		t.Errorf("nil -> %d", got)
	}
	if got := exitCode(&capture.Error{Kind: capture.HardwareError, Stage: "producer"}); got != exitHardware {
		t.Errorf("hardware -> %d", got)
	}
	if got := exitCode(&capture.Error{Kind: capture.WriteError, Stage: "writer"}); got != exitWrite {
		t.Errorf("write -> %d", got)
	}
	if got := exitCode(os.ErrDeadlineExceeded); got != exitAborted {
		t.Errorf("unclassified -> %d", got)
	}
}

func TestRunCaptureRecordsMetadataAndCatalog(t *testing.T) {
	cfg := simConfig(t, 50*time.Millisecond)
	dsn := filepath.Join(t.TempDir(), "sessions.db")

	if code := runCapture(cfg, options{catalogDriver: "sqlite3", catalogDSN: dsn}); code != exitOK {
		t.Fatalf("runCapture exit code %d", code)
	}

	b, err := os.ReadFile(metadataPath(cfg.OutputPath))
	if err != nil {
		t.Fatalf("metadata sidecar: %v", err)
	}
	var meta CaptureMetadata
	if err := json.Unmarshal(b, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Report == nil || meta.Report.Status != capture.StatusCompleted {
		t.Fatalf("metadata report = %+v", meta.Report)
	}
	if meta.SampleRate != cfg.SampleRate || meta.Format != "sc16" {
		t.Errorf("metadata rate %v format %q", meta.SampleRate, meta.Format)
	}
	fi, err := os.Stat(cfg.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if uint64(fi.Size()) != meta.Report.Stats.Bytes {
		t.Errorf("output is %d bytes, report says %d", fi.Size(), meta.Report.Stats.Bytes)
	}

	cat, err := catalog.Open("sqlite3", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()
	entries, err := cat.List(t.Context(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("catalog has %d sessions, want 1", len(entries))
	}
	e := entries[0]
	if e.ID != meta.Session || e.Status != capture.StatusCompleted || e.Bytes != meta.Report.Stats.Bytes {
		t.Errorf("catalog entry %+v does not match report", e)
	}
}

func TestRunCaptureRejectsInvalidConfig(t *testing.T) {
	cfg := simConfig(t, time.Second)
	cfg.SampleRate = 0
	if code := runCapture(cfg, options{}); code != exitUsage {
		t.Errorf("exit code %d, want %d", code, exitUsage)
	}
}

func TestStatusServerStopsCapture(t *testing.T) {
	cfg := simConfig(t, 30*time.Second)
	sess, err := capture.NewSession(cfg)
	if err != nil {
		t.Fatal(err)
	}
	state := &ServerState{Session: sess, Config: cfg}
	srv := newStatusServer(state)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	type result struct {
		rep *capture.Report
		err error
	}
	finished := make(chan result, 1)
	go func() {
		rep, err := sess.Run(t.Context())
		state.setReport(rep)
		finished <- result{rep, err}
	}()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	var first map[string]interface{}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first["type"] != "capture_progress" {
		t.Errorf("first message type %v", first["type"])
	}

	// Let some buffers land before stopping.
	deadline := time.Now().Add(5 * time.Second)
	for sess.Snapshot().Stats.Written < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("capture did not progress: %+v", sess.Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get(ts.URL + "/api/capture/stop")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET stop returned %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/capture/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST stop returned %d", resp.StatusCode)
	}

	var res result
	select {
	case res = <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not stop")
	}
	if res.err != nil || res.rep.Status != capture.StatusCompleted {
		t.Fatalf("stopped session: %v, %+v", res.err, res.rep)
	}
	if res.rep.Stats.Captured >= res.rep.Target {
		t.Errorf("captured %d of %d despite the stop", res.rep.Stats.Captured, res.rep.Target)
	}

	resp, err = http.Get(ts.URL + "/api/capture/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var status struct {
		Output string          `json:"output"`
		Report *capture.Report `json:"report"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Report == nil || status.Report.Session != sess.ID() || status.Output != cfg.OutputPath {
		t.Errorf("status after stop = %+v", status)
	}

	resp, err = http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("sessions without a catalog returned %d", resp.StatusCode)
	}
}

func TestProgressLoopBroadcastsFinalStatus(t *testing.T) {
	cfg := simConfig(t, 20*time.Millisecond)
	sess, err := capture.NewSession(cfg)
	if err != nil {
		t.Fatal(err)
	}
	state := &ServerState{Session: sess, Config: cfg}
	srv := newStatusServer(state)
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	done := make(chan struct{})
	loopDone := make(chan struct{})
	go func() {
		srv.runProgressLoop(5*time.Millisecond, done)
		close(loopDone)
	}()

	rep, err := sess.Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	state.setReport(rep)
	close(done)
	<-loopDone

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("no final status: %v", err)
		}
		if msg["type"] == "capture_status" && msg["finished"] == true {
			return
		}
	}
}
