package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/olekukonko/tablewriter"

	"github.com/dma/sdrcap/pkg/capture"
	"github.com/dma/sdrcap/pkg/catalog"
)

// Exit codes.
const (
	exitOK       = 0
	exitAborted  = 1
	exitUsage    = 2
	exitHardware = 3
	exitWrite    = 4
)

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch capture.KindOf(err) {
	case capture.HardwareError:
		return exitHardware
	case capture.WriteError:
		return exitWrite
	}
	return exitAborted
}

// runCapture executes one capture session and reports it.
func runCapture(cfg capture.Config, opts options) int {
	fmt.Println("--- SDR Capture Session Start ---")

	sess, err := capture.NewSession(cfg)
	if err != nil {
		glog.Errorf("%v", err)
		return exitUsage
	}
	state := &ServerState{Session: sess, Config: cfg}

	if opts.catalogDriver != "" {
		cat, err := catalog.Open(opts.catalogDriver, opts.catalogDSN)
		if err != nil {
			glog.Errorf("Unable to open session catalog: %v", err)
			return exitUsage
		}
		defer cat.Close()
		state.Catalog = cat
	}

	done := make(chan struct{})
	if opts.listen != "" {
		srv := newStatusServer(state)
		httpSrv := runServer(opts.listen, srv)
		progressDone := make(chan struct{})
		go func() {
			srv.runProgressLoop(time.Second, done)
			close(progressDone)
		}()
		defer func() {
			<-progressDone
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			httpSrv.Shutdown(ctx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			glog.Infof("Received %v, stopping capture", sig)
			sess.Stop()
		case <-done:
		}
	}()

	fmt.Printf("Session: %s | Device: %s\n", sess.ID(), cfg.DeviceArgs)
	fmt.Printf("Center: %.6f MHz | Rate: %.3f MS/s | Duration: %v | Format: %s\n",
		cfg.CenterFreqHz/1e6, cfg.SampleRate/1e6, cfg.Duration, cfg.Format)
	fmt.Println(">>> CAPTURING...")

	if state.Catalog != nil {
		err := state.Catalog.Begin(context.Background(), catalog.Session{
			ID:           sess.ID(),
			Output:       cfg.OutputPath,
			Format:       cfg.Format.String(),
			DeviceArgs:   cfg.DeviceArgs,
			CenterFreqHz: cfg.CenterFreqHz,
			SampleRate:   cfg.SampleRate,
			Duration:     cfg.Duration,
			Start:        time.Now(),
		})
		if err != nil {
			glog.Warningf("Catalog: unable to record session start: %v", err)
		}
	}

	rep, runErr := sess.Run(context.Background())
	state.setReport(rep)
	close(done)

	if _, err := os.Stat(cfg.OutputPath); err == nil {
		if err := writeMetadata(cfg, rep); err != nil {
			glog.Warningf("Unable to save capture metadata: %v", err)
		}
	}
	if state.Catalog != nil {
		c := rep.Stats
		err := state.Catalog.Finish(context.Background(), sess.ID(), catalog.Result{
			End:      rep.End,
			Status:   rep.Status,
			Reason:   rep.Reason,
			Captured: c.Captured,
			Dropped:  c.Dropped,
			Written:  c.Written,
			Bytes:    c.Bytes,
		})
		if err != nil {
			glog.Warningf("Catalog: unable to record session result: %v", err)
		}
	}

	fmt.Println("--- Results ---")
	printReport(os.Stdout, cfg, rep)
	return exitCode(runErr)
}

func metadataPath(output string) string { return output + ".json" }

func writeMetadata(cfg capture.Config, rep *capture.Report) error {
	b, err := json.MarshalIndent(newCaptureMetadata(cfg, rep), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metadataPath(cfg.OutputPath), b, 0644)
}

func printReport(w io.Writer, cfg capture.Config, rep *capture.Report) {
	c := rep.Stats
	elapsed := rep.End.Sub(rep.Start)
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(c.Bytes) / elapsed.Seconds() / (1024 * 1024)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{"Session", rep.Session})
	table.Append([]string{"Status", rep.Status})
	if rep.Reason != "" {
		table.Append([]string{"Reason", rep.Reason})
	}
	if rep.ErrorKind != "" {
		table.Append([]string{"Error kind", rep.ErrorKind})
	}
	table.Append([]string{"Output", rep.Output})
	table.Append([]string{"Target buffers", fmt.Sprint(rep.Target)})
	table.Append([]string{"Captured", fmt.Sprint(c.Captured)})
	table.Append([]string{"Dropped", fmt.Sprint(c.Dropped)})
	table.Append([]string{"Written", fmt.Sprint(c.Written)})
	table.Append([]string{"Bytes", fmt.Sprint(c.Bytes)})
	table.Append([]string{"Samples", fmt.Sprint(c.Bytes / uint64(cfg.Format.BytesPerSample()))})
	table.Append([]string{"Flushed", fmt.Sprintf("%d bytes in %d calls (%d errors)", c.Flushed, c.FlushCalls, c.FlushErrors)})
	if c.SchedWarnings > 0 {
		table.Append([]string{"Scheduling warnings", fmt.Sprint(c.SchedWarnings)})
	}
	table.Append([]string{"Duration", elapsed.Round(time.Millisecond).String()})
	table.Append([]string{"Throughput", fmt.Sprintf("%.2f MB/s", throughput)})
	if rep.Probe != nil {
		table.Append([]string{"Disk write speed", fmt.Sprintf("%.1f MB/s", rep.Probe.Rate()/1e6)})
	}
	table.Render()
}
