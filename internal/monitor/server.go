// Package monitor serves the fusion engine's live status, a websocket status
// stream and charts of recorded sessions over HTTP.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/posefusion/internal/db"
	"github.com/banshee-data/posefusion/internal/estimator"
	"github.com/banshee-data/posefusion/internal/fusion"
	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/source"
	"github.com/banshee-data/posefusion/internal/vision"
)

var logf = monitoring.Component("monitor")

// StatusProvider is the part of fusion.Loop the server reads.
type StatusProvider interface {
	Status() fusion.Status
	Stats() fusion.Stats
}

// PoseProvider is the part of the pose estimator the server reads.
type PoseProvider interface {
	Pose() vision.Pose2D
	StateStdDevs() vision.StdDevs
	InnovationStats() estimator.InnovationStats
}

// BufferStatser reports observation buffer counters.
type BufferStatser interface {
	Stats() source.BufferStats
}

// Config wires the server to the running engine. Only Loop is required.
type Config struct {
	Address   string
	Loop      StatusProvider
	Estimator PoseProvider
	Buffer    BufferStatser
	DB        *db.DB
	SessionID string
	Hub       *Hub
}

// Server is the monitoring HTTP server.
type Server struct {
	cfg    Config
	mux    *http.ServeMux
	server *http.Server
}

// NewServer builds the routes for cfg.
func NewServer(cfg Config) *Server {
	if cfg.Hub == nil {
		cfg.Hub = NewHub(1)
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.setupRoutes()
	s.server = &http.Server{Addr: cfg.Address, Handler: s.mux}
	return s
}

// Hub returns the websocket hub to register with the loop.
func (s *Server) Hub() *Hub {
	return s.cfg.Hub
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.Handle("/api/stream", s.cfg.Hub)
	s.mux.HandleFunc("/api/sessions", s.handleSessions)
	s.mux.HandleFunc("/charts/timeline", s.handleTimeline)
	if s.cfg.DB != nil {
		if err := s.cfg.DB.AttachAdminRoutes(s.mux); err != nil {
			logf("admin routes disabled: %v", err)
		}
	}
}

// Start serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logf("starting HTTP server on %s", s.cfg.Address)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("monitor server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logf("HTTP server shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			logf("HTTP server force close error: %v", err)
		}
	}
	logf("HTTP server stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logf("JSON encoding error: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type estimatorStatus struct {
	Pose         vision.Pose2D             `json:"pose"`
	StateStdDevs vision.StdDevs            `json:"state_std_devs"`
	Innovations  estimator.InnovationStats `json:"innovations"`
}

type statusResponse struct {
	SessionID string              `json:"session_id,omitempty"`
	Status    fusion.Status       `json:"status"`
	Stats     fusion.Stats        `json:"stats"`
	Estimator *estimatorStatus    `json:"estimator,omitempty"`
	Buffer    *source.BufferStats `json:"buffer,omitempty"`
	Clients   int                 `json:"stream_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := statusResponse{
		SessionID: s.cfg.SessionID,
		Status:    s.cfg.Loop.Status(),
		Stats:     s.cfg.Loop.Stats(),
		Clients:   s.cfg.Hub.Clients(),
	}
	if s.cfg.Estimator != nil {
		resp.Estimator = &estimatorStatus{
			Pose:         s.cfg.Estimator.Pose(),
			StateStdDevs: s.cfg.Estimator.StateStdDevs(),
			Innovations:  s.cfg.Estimator.InnovationStats(),
		}
	}
	if s.cfg.Buffer != nil {
		b := s.cfg.Buffer.Stats()
		resp.Buffer = &b
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DB == nil {
		writeJSONError(w, http.StatusNotFound, "recording disabled")
		return
	}
	sessions, err := s.cfg.DB.Sessions()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleTimeline renders the state uncertainty and recovery progress of a
// recorded session as an HTML line chart.
// Query params:
//   - session (optional; defaults to the running session)
//   - limit (optional; default 5000 samples)
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DB == nil {
		writeJSONError(w, http.StatusNotFound, "recording disabled")
		return
	}
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = s.cfg.SessionID
	}
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session")
		return
	}
	limit := 5000
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100000 {
			limit = v
		}
	}

	samples, err := s.cfg.DB.Samples(sessionID, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(samples) == 0 {
		writeJSONError(w, http.StatusNotFound, "no samples for session")
		return
	}

	var buf bytes.Buffer
	if err := TimelineChart(sessionID, samples).Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// TimelineChart builds a line chart of recorded samples: directed state
// std dev on x and heading, good observations counted while lost, and a
// 0/1 series for the lost state.
func TimelineChart(sessionID string, samples []db.Sample) *charts.Line {
	xs := make([]string, 0, len(samples))
	stdX := make([]opts.LineData, 0, len(samples))
	stdH := make([]opts.LineData, 0, len(samples))
	good := make([]opts.LineData, 0, len(samples))
	lost := make([]opts.LineData, 0, len(samples))

	for _, smp := range samples {
		xs = append(xs, strconv.FormatUint(smp.Cycle, 10))
		var x, h interface{} = "-", "-"
		if smp.StateStdDevs != nil {
			x, h = smp.StateStdDevs.X, smp.StateStdDevs.Heading
		}
		stdX = append(stdX, opts.LineData{Value: x})
		stdH = append(stdH, opts.LineData{Value: h})
		good = append(good, opts.LineData{Value: smp.GoodObservations})
		l := 0
		if smp.State == "lost" {
			l = 1
		}
		lost = append(lost, opts.LineData{Value: l})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Pose confidence timeline", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Pose confidence", Subtitle: fmt.Sprintf("session=%s samples=%d", sessionID, len(samples))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cycle", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "std dev / count"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
	)
	line.SetXAxis(xs).
		AddSeries("state std x (m)", stdX).
		AddSeries("state std heading (rad)", stdH).
		AddSeries("good observations", good).
		AddSeries("lost", lost, charts.WithLineChartOpts(opts.LineChart{Step: "end"}))
	return line
}
