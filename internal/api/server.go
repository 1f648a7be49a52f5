package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"ezwatch/internal/alerts"
	"ezwatch/internal/config"
	"ezwatch/internal/heartbeat"
	"ezwatch/internal/metrics"
	"ezwatch/internal/model"
	"ezwatch/internal/normalize"
)

// Engine is the part of the decision engine the API drives.
type Engine interface {
	Process(ctx context.Context, ev model.CVEvent, now time.Time) model.Outcome
	Reject(ctx context.Context, reason string) model.Outcome
	Zones() []model.ZonePolicy
	IsActive(zoneID string, at time.Time) (bool, bool)
	UpdateConfig(cfg *config.Config)
}

type Options struct {
	Config     *config.Manager
	Engine     Engine
	History    *alerts.Store
	Stats      *metrics.Store
	Counters   *metrics.Collector
	Heartbeats heartbeat.Tracker
	// Ready reports whether backing stores answer; nil means always ready.
	Ready   func(ctx context.Context) error
	Logger  *slog.Logger
	Version string
}

type Server struct {
	opts Options
	now  func() time.Time
}

type outcomeResponse struct {
	Status  model.Status `json:"status"`
	Reason  *string      `json:"reason"`
	EventID string       `json:"event_id"`
}

type cameraPing struct {
	CameraID     string     `json:"camera_id"`
	TimestampUTC *time.Time `json:"timestamp_utc"`
}

type statusResponse struct {
	Status     string       `json:"status"`
	Time       string       `json:"time"`
	Version    string       `json:"version"`
	ConfigPath string       `json:"config_path"`
	Zones      int          `json:"zones"`
	Ingest     ingestStatus `json:"ingest"`
	Delivery   []string     `json:"delivery"`
	GateDriver string       `json:"gate_driver"`
}

type ingestStatus struct {
	HTTP      bool `json:"http"`
	Kafka     bool `json:"kafka"`
	TCPStream bool `json:"tcp_stream"`
	FileTail  bool `json:"file_tail"`
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

func Start(ctx context.Context, opts Options) *http.Server {
	if opts.Config == nil {
		return nil
	}
	current := opts.Config.Get().API
	logger := opts.Logger
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(opts)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Get("/status", s.handleStatus)
	if s.opts.Counters != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Counters.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events/cv", s.handleEvent)
		r.Post("/health/camera-ping", s.handleCameraPing)
		r.Get("/zones", s.handleZones)
		r.Get("/zones/{zoneID}/active", s.handleZoneActive)
		r.Get("/zones/{zoneID}/stats", s.handleZoneStats)
		r.Get("/decisions", s.handleDecisions)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/reload", s.handleReload)
		r.Post("/clear", s.handleClear)
	})
	return r
}

func (s *Server) maxBody() int64 {
	if s.opts.Config != nil {
		if n := s.opts.Config.Get().API.MaxBodyBytes; n > 0 {
			return n
		}
	}
	return 1 << 20
}

// handleEvent answers 200 for sent and suppressed, 400 for rejected and
// 502 for failed deliveries.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody()))
	var out model.Outcome
	if err != nil {
		out = s.opts.Engine.Reject(r.Context(), model.ReasonInvalidPayload)
	} else if ev, derr := normalize.Decode(body); derr != nil {
		s.opts.Logger.Debug("event rejected", "err", derr)
		out = s.opts.Engine.Reject(r.Context(), model.ReasonInvalidPayload)
	} else {
		out = s.opts.Engine.Process(r.Context(), ev, s.now())
	}

	status := http.StatusOK
	switch out.Status {
	case model.StatusRejected:
		status = http.StatusBadRequest
	case model.StatusFailed:
		status = http.StatusBadGateway
	}
	resp := outcomeResponse{Status: out.Status, EventID: out.EventID}
	if out.Reason != "" {
		reason := out.Reason
		resp.Reason = &reason
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCameraPing(w http.ResponseWriter, r *http.Request) {
	if s.opts.Heartbeats == nil {
		writeError(w, http.StatusServiceUnavailable, "camera health disabled")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody()))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var ping cameraPing
	if err := json.Unmarshal(body, &ping); err != nil || strings.TrimSpace(ping.CameraID) == "" {
		writeError(w, http.StatusBadRequest, "camera_id is required")
		return
	}
	at := s.now()
	if ping.TimestampUTC != nil && !ping.TimestampUTC.IsZero() {
		at = ping.TimestampUTC.UTC()
	}
	if err := s.opts.Heartbeats.UpsertHeartbeat(r.Context(), ping.CameraID, at); err != nil {
		s.opts.Logger.Error("heartbeat write failed", "camera_id", ping.CameraID, "err", err)
		writeError(w, http.StatusServiceUnavailable, "heartbeat store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"zones": s.opts.Engine.Zones()})
}

func (s *Server) handleZoneActive(w http.ResponseWriter, r *http.Request) {
	zoneID := chi.URLParam(r, "zoneID")
	at := s.now()
	if v := r.URL.Query().Get("at"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be RFC3339")
			return
		}
		at = ts
	}
	active, ok := s.opts.Engine.IsActive(zoneID, at)
	if !ok {
		writeError(w, http.StatusNotFound, model.ReasonUnknownZone)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"zone_id": zoneID,
		"at":      at.UTC().Format(time.RFC3339),
		"active":  active,
	})
}

func (s *Server) handleZoneStats(w http.ResponseWriter, r *http.Request) {
	zoneID := chi.URLParam(r, "zoneID")
	if _, known := s.opts.Engine.IsActive(zoneID, s.now()); !known {
		writeError(w, http.StatusNotFound, model.ReasonUnknownZone)
		return
	}
	stats := metrics.ZoneStats{ZoneID: zoneID, ByStatus: map[model.Status]int64{}, ByReason: map[string]int64{}}
	if s.opts.Stats != nil {
		if got, ok := s.opts.Stats.Get(zoneID); ok {
			stats = got
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSON(w, http.StatusOK, map[string]any{"decisions": []model.Decision{}, "count": 0})
		return
	}
	q := r.URL.Query()
	f := alerts.Filter{
		ZoneID:   q.Get("zone_id"),
		CameraID: q.Get("camera_id"),
		Status:   model.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if sinceStr := q.Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = ts
	}
	list := s.opts.History.Query(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": list,
		"count":     len(list),
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	zones := len(s.opts.Engine.Zones())
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "zones_loaded": zones})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:  "ok",
		Time:    s.now().Format(time.RFC3339Nano),
		Version: s.opts.Version,
		Zones:   len(s.opts.Engine.Zones()),
	}
	if s.opts.Config != nil {
		cfg := s.opts.Config.Get()
		resp.ConfigPath = s.opts.Config.Path()
		resp.GateDriver = cfg.Gate.Driver
		resp.Ingest = ingestStatus{
			HTTP:      cfg.API.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
		}
		resp.Delivery = enabledChannels(cfg.Delivery)
	}
	writeJSON(w, http.StatusOK, resp)
}

func enabledChannels(d config.DeliveryConfig) []string {
	out := make([]string, 0, 5)
	for _, ch := range []struct {
		name string
		on   bool
	}{
		{"whatsapp", d.WhatsApp.Enabled},
		{"email", d.Email.Enabled},
		{"nats", d.NATS.Enabled},
		{"kafka", d.Kafka.Enabled},
		{"pubsub", d.PubSub.Enabled},
	} {
		if ch.on {
			out = append(out, ch.name)
		}
	}
	return out
}

// handleReload re-reads the configuration files. Delivery channels and the
// gate backend are fixed at startup; zones and the default timezone apply at
// once.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.opts.Config == nil {
		writeError(w, http.StatusServiceUnavailable, "no configuration file")
		return
	}
	cfg, err := s.opts.Config.Reload()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, config.ErrInvalid) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	s.opts.Engine.UpdateConfig(cfg)
	s.opts.Logger.Info("configuration reloaded", "zones", len(cfg.Zones))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "zones_loaded": len(cfg.Zones)})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.opts.Stats != nil {
			s.opts.Stats.Clear()
		}
		if s.opts.History != nil {
			s.opts.History.Clear()
		}
	case "decisions":
		if s.opts.History != nil {
			s.opts.History.Clear()
		}
	case "stats":
		if s.opts.Stats != nil {
			s.opts.Stats.Clear()
		}
	default:
		writeError(w, http.StatusBadRequest, "target must be all, decisions or stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
