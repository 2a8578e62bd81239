package main

import (
	"sync"
	"time"

	"github.com/dma/sdrcap/pkg/capture"
	"github.com/dma/sdrcap/pkg/catalog"
)

// ServerState is what the status server exposes about the running capture.
type ServerState struct {
	mu sync.RWMutex

	Session *capture.Session
	Config  capture.Config
	Catalog *catalog.Catalog // nil without -catalog-driver

	// Report is set once the session has finished.
	Report *capture.Report
}

func (s *ServerState) setReport(rep *capture.Report) {
	s.mu.Lock()
	s.Report = rep
	s.mu.Unlock()
}

func (s *ServerState) report() *capture.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Report
}

// CaptureMetadata is saved next to the output file as <output>.json.
type CaptureMetadata struct {
	Timestamp    string          `json:"timestamp"`
	Session      string          `json:"session"`
	CenterFreqHz float64         `json:"center_freq_hz"`
	SampleRate   float64         `json:"sample_rate"`
	Format       string          `json:"format"`
	Config       capture.Config  `json:"config"`
	Report       *capture.Report `json:"report"`
}

func newCaptureMetadata(cfg capture.Config, rep *capture.Report) CaptureMetadata {
	return CaptureMetadata{
		Timestamp:    rep.Start.Format(time.RFC3339),
		Session:      rep.Session,
		CenterFreqHz: cfg.CenterFreqHz,
		SampleRate:   cfg.SampleRate,
		Format:       cfg.Format.String(),
		Config:       cfg,
		Report:       rep,
	}
}
