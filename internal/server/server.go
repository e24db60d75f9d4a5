// Package server exposes the engine's query surface over HTTP for the
// external presentation layer: range and tail queries, session lookup,
// stats, and a websocket stream of live events.
package server

import (
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/slsolucije/astlog/internal/engine"
	"github.com/slsolucije/astlog/internal/model"
	"github.com/slsolucije/astlog/internal/parser"
)

// Server holds the Gin engine and its dependencies.
type Server struct {
	gin  *gin.Engine
	eng  *engine.Engine
	log  zerolog.Logger
	addr string
}

// New creates the API server for a running engine.
func New(eng *engine.Engine, addr string, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	g.RedirectTrailingSlash = false
	g.RedirectFixedPath = false

	s := &Server{
		gin:  g,
		eng:  eng,
		log:  log.With().Str("component", "server").Logger(),
		addr: addr,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.gin.GET("/healthz", s.handleHealth)
	s.gin.GET("/api/query", s.handleQuery)
	s.gin.GET("/api/tail", s.handleTail)
	s.gin.GET("/api/sessions/:key", s.handleSessions)
	s.gin.GET("/api/stats", s.handleStats)
	s.gin.GET("/ws", s.handleWebSocket)

	s.gin.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.gin.GET("/debug/pprof/", gin.WrapF(pprof.Index))
	s.gin.GET("/debug/pprof/cmdline", gin.WrapF(pprof.Cmdline))
	s.gin.GET("/debug/pprof/profile", gin.WrapF(pprof.Profile))
	s.gin.GET("/debug/pprof/symbol", gin.WrapF(pprof.Symbol))
	s.gin.GET("/debug/pprof/trace", gin.WrapF(pprof.Trace))
	s.gin.GET("/debug/pprof/heap", gin.WrapH(pprof.Handler("heap")))
	s.gin.GET("/debug/pprof/goroutine", gin.WrapH(pprof.Handler("goroutine")))
}

// Run serves until the listener fails. Blocks.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.addr).Msg("api listening")
	return s.gin.Run(s.addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.eng.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"lines":    st.Lines,
		"sessions": st.Window.Sessions,
		"degraded": st.Window.Degraded,
	})
}

// queryResponse is the shared shape of /api/query and /api/tail.
type queryResponse struct {
	From     *time.Time       `json:"from,omitempty"`
	To       *time.Time       `json:"to,omitempty"`
	Events   []*model.Event   `json:"events"`
	Sessions []*model.Session `json:"sessions"`
}

func (s *Server) handleQuery(c *gin.Context) {
	from, ok := parseWhenParam(c, "from")
	if !ok {
		return
	}
	to, ok := parseWhenParam(c, "to")
	if !ok {
		return
	}

	events, sessions := s.eng.RangeQuery(from, to)
	resp := queryResponse{Events: events, Sessions: sessions}
	if !from.IsZero() {
		resp.From = &from
	}
	if !to.IsZero() {
		resp.To = &to
	}
	writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleTail(c *gin.Context) {
	minutes, err := strconv.Atoi(c.DefaultQuery("minutes", "5"))
	if err != nil || minutes <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minutes must be a positive integer"})
		return
	}
	events, sessions := s.eng.TailMinutesQuery(minutes)
	writeJSON(c, http.StatusOK, queryResponse{Events: events, Sessions: sessions})
}

func (s *Server) handleSessions(c *gin.Context) {
	key := c.Param("key")
	sessions := s.eng.SessionsByKey(key)
	if len(sessions) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for key " + key})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"key": key, "sessions": sessions})
}

func (s *Server) handleStats(c *gin.Context) {
	writeJSON(c, http.StatusOK, s.eng.Stats())
}

// parseWhenParam accepts RFC3339 or the switch log formats. A missing
// parameter yields the zero time (open bound).
func parseWhenParam(c *gin.Context, name string) (time.Time, bool) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	if t := parser.ParseWhen(v); !t.IsZero() {
		return t, true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "cannot parse " + name + " timestamp"})
	return time.Time{}, false
}

// writeJSON encodes with goccy for the potentially large query payloads.
func writeJSON(c *gin.Context, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(code, "application/json; charset=utf-8", data)
}
