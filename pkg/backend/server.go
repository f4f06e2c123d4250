// Package backend is the collector side of TrackIt: a gin HTTP server that
// accepts agent websockets, stores their reports in SQLite and lets operators
// push schedules and on-demand requests to every connected agent.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	cws "github.com/coder/websocket"
	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"gitlab.com/tinyland/lab/trackit/pkg/clock"
	"gitlab.com/tinyland/lab/trackit/pkg/schedule"
	"gitlab.com/tinyland/lab/trackit/pkg/transport"
)

// Config configures a Server. Store is required.
type Config struct {
	Store           *Store
	Baseline        []schedule.Schedule
	CORSOrigins     []string // "*" or empty allows every origin
	MaxMessageBytes int64
	Clock           clock.Clock
	Logger          *slog.Logger
}

// Server is the collector backend.
type Server struct {
	cfg    Config
	hub    *Hub
	engine *gin.Engine
	clock  clock.Clock
	logger *slog.Logger
	accept *cws.AcceptOptions
	conns  sync.WaitGroup
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = transport.DefaultMaxMessageBytes
	}
	s := &Server{cfg: cfg, clock: cfg.Clock, logger: cfg.Logger}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "backend")
	s.hub = NewHub(s.logger)

	allowAll := len(cfg.CORSOrigins) == 0 || slices.Contains(cfg.CORSOrigins, "*")
	s.accept = &cws.AcceptOptions{InsecureSkipVerify: allowAll}
	if !allowAll {
		for _, o := range cfg.CORSOrigins {
			if u, err := url.Parse(o); err == nil && u.Host != "" {
				s.accept.OriginPatterns = append(s.accept.OriginPatterns, u.Host)
			}
		}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(s.logger))

	corsCfg := cors.DefaultConfig()
	if allowAll {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORSOrigins
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type"}
	engine.Use(cors.New(corsCfg))

	engine.GET("/ws", s.handleWS)
	engine.GET("/health", s.handleHealth)
	api := engine.Group("/api")
	{
		api.POST("/data", s.handleData)
		api.POST("/schedule", s.handleSchedule)
		api.POST("/custom", s.handleCustom)
		api.GET("/agents", s.handleAgents)
		api.GET("/agents/known", s.handleKnownAgents)
		api.GET("/devices/:serial/reports", s.handleReports)
	}
	s.engine = engine
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Hub returns the connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down and
// waits for agent connections to close.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		// Agent websockets end with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr, "baseline_schedules", len(s.cfg.Baseline))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("backend: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.conns.Wait()
	if err != nil {
		return fmt.Errorf("backend: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("backend: %w", err)
	}
	return nil
}

// handleWS runs one jrpc2 server per agent connection for as long as the
// socket stays open.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := cws.Accept(c.Writer, c.Request, s.accept)
	if err != nil {
		s.logger.Warn("websocket accept", "remote", c.Request.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	s.conns.Add(1)
	defer s.conns.Done()

	ctx := c.Request.Context()
	var srv *jrpc2.Server
	srv = jrpc2.NewServer(handler.Map{
		transport.EventProcessedData: handler.New(func(ctx context.Context, p transport.ProcessedData) error {
			return s.onProcessedData(ctx, srv, p)
		}),
		transport.EventAgentOnline: handler.New(func(ctx context.Context, p transport.AgentOnline) error {
			return s.onAgentOnline(ctx, srv, p)
		}),
	}, &jrpc2.ServerOptions{AllowPush: true})
	srv.Start(transport.NewWSChannel(ctx, conn))

	remote := c.Request.RemoteAddr
	s.hub.Register(srv, remote, s.clock.Now())
	defer s.hub.Unregister(srv)
	s.logger.Info("agent connected", "remote", remote, "agents", s.hub.Count())

	for _, sched := range s.cfg.Baseline {
		if err := srv.Notify(ctx, transport.EventCreateSchedule, sched); err != nil {
			s.logger.Warn("push baseline schedule", "remote", remote, "schedule", sched.ID, "error", err)
			break
		}
	}

	err = srv.Wait()
	s.logger.Info("agent disconnected", "remote", remote, "agent_id", s.hub.agentID(srv), "reason", err)
}

func (s *Server) onProcessedData(ctx context.Context, srv *jrpc2.Server, p transport.ProcessedData) error {
	res := p.Data
	if res.DeliveryID == "" {
		return errors.New("processed_data: missing delivery_id")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("processed_data: %w", err)
	}
	var doc map[string]any
	_ = json.Unmarshal(data, &doc)

	agentID := res.AgentID
	if agentID == "" {
		agentID = s.hub.agentID(srv)
	}
	report := Report{
		DeliveryID:   res.DeliveryID,
		SerialNumber: SerialNumber(doc),
		AgentID:      agentID,
		ScheduleID:   res.ScheduleID,
		Source:       SourceAgent,
		ReceivedAt:   s.clock.Now(),
		Data:         data,
	}
	inserted, err := s.cfg.Store.SaveReport(ctx, report)
	if err != nil {
		s.logger.Error("store report", "delivery_id", res.DeliveryID, "error", err)
		return err
	}
	if !inserted {
		s.logger.Debug("duplicate report ignored", "delivery_id", res.DeliveryID)
		return nil
	}
	s.hub.countReport(srv)
	s.logger.Info("report stored",
		"agent_id", agentID,
		"schedule", res.ScheduleID,
		"serial_number", report.SerialNumber,
		"failed", res.Failed(),
	)
	return nil
}

func (s *Server) onAgentOnline(ctx context.Context, srv *jrpc2.Server, p transport.AgentOnline) error {
	s.hub.Identify(srv, p)
	s.logger.Info("agent online", "agent_id", p.AgentID, "hostname", p.Hostname, "version", p.Version)
	return s.cfg.Store.SaveAgent(ctx, KnownAgent{
		AgentID:      p.AgentID,
		Hostname:     p.Hostname,
		Version:      p.Version,
		OS:           p.OS,
		Capabilities: p.Capabilities,
		LastSeen:     s.clock.Now(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "agents": s.hub.Count()})
}

type dataRequest struct {
	Data     map[string]any `json:"data"`
	Schedule any            `json:"schedule"`
}

// handleData stores a report posted over plain HTTP.
func (s *Server) handleData(c *gin.Context) {
	var req dataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scheduleID := scheduleRef(req.Schedule)
	if len(req.Data) == 0 || scheduleID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "data and schedule are required"})
		return
	}

	now := s.clock.Now()
	req.Data["timestamp"] = now.UTC().Format(time.RFC3339)
	data, err := json.Marshal(req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report := Report{
		DeliveryID:   uuid.NewString(),
		SerialNumber: SerialNumber(req.Data),
		ScheduleID:   scheduleID,
		Source:       SourceHTTP,
		ReceivedAt:   now,
		Data:         data,
	}
	if _, err := s.cfg.Store.SaveReport(c.Request.Context(), report); err != nil {
		s.logger.Error("store report", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store report"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "stored",
		"delivery_id":   report.DeliveryID,
		"serial_number": report.SerialNumber,
	})
}

// scheduleRef accepts a schedule id or a schedule object.
func scheduleRef(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case map[string]any:
		id, _ := v["schedule_id"].(string)
		return id
	}
	return ""
}

// handleSchedule validates a schedule and pushes it to every agent.
func (s *Server) handleSchedule(c *gin.Context) {
	var req schedule.Schedule
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sched, err := schedule.Validate(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n := s.hub.Broadcast(c.Request.Context(), transport.EventCreateSchedule, sched)
	s.logger.Info("schedule pushed", "schedule", sched.ID, "agents", n)
	c.JSON(http.StatusOK, gin.H{"status": "sent", "schedule": sched, "agents": n})
}

// handleCustom asks every agent for an on-demand collection.
func (s *Server) handleCustom(c *gin.Context) {
	var req transport.CustomData
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.DetailsRequired) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "details_required is empty"})
		return
	}
	n := s.hub.Broadcast(c.Request.Context(), transport.EventCustomData, req)
	c.JSON(http.StatusOK, gin.H{"status": "sent", "agents": n})
}

func (s *Server) handleAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.hub.Agents()})
}

func (s *Server) handleKnownAgents(c *gin.Context) {
	agents, err := s.cfg.Store.Agents(c.Request.Context())
	if err != nil {
		s.logger.Error("list agents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list agents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleReports(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	reports, err := s.cfg.Store.Reports(c.Request.Context(), c.Param("serial"), limit)
	if err != nil {
		s.logger.Error("list reports", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list reports"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// requestLogger logs each request through slog.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
