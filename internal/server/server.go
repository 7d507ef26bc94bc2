// Package server exposes the gateway over HTTP: model listing, cache
// refresh, host status, and a websocket chat endpoint that streams
// conversation snapshots.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/kestrelworks/parley/internal/conversation"
	"github.com/kestrelworks/parley/internal/convlog"
	"github.com/kestrelworks/parley/internal/gateway"
	"github.com/kestrelworks/parley/internal/logger"
	"github.com/kestrelworks/parley/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server wires the gateway and the model cache into an HTTP handler.
type Server struct {
	gw    *gateway.Gateway
	cache *registry.Cache
}

func New(gw *gateway.Gateway, cache *registry.Cache) *Server {
	return &Server{gw: gw, cache: cache}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/chat", s.handleChat)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statusResponse struct {
	Hostname     string  `json:"hostname"`
	OS           string  `json:"os"`
	Arch         string  `json:"arch"`
	CPUUsage     float64 `json:"cpu_usage_percent"`
	MemTotal     uint64  `json:"mem_total_bytes"`
	MemUsage     float64 `json:"mem_usage_percent"`
	DiskPath     string  `json:"disk_path"`
	DiskFree     uint64  `json:"disk_free_bytes"`
	Models       int     `json:"models"`
	ModelListAge float64 `json:"model_list_age_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()

	cpuPercent, _ := cpu.Percent(0, false)
	cpuUsage := 0.0
	if len(cpuPercent) > 0 {
		cpuUsage = cpuPercent[0]
	}

	memInfo, _ := mem.VirtualMemory()
	diskInfo, _ := disk.Usage("/")

	status := statusResponse{
		Hostname: hostname,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		CPUUsage: cpuUsage,
		DiskPath: "/",
		Models:   len(s.cache.Models()),
	}
	if memInfo != nil {
		status.MemTotal = memInfo.Total
		status.MemUsage = memInfo.UsedPercent
	}
	if diskInfo != nil {
		status.DiskFree = diskInfo.Free
	}
	if at := s.cache.RefreshedAt(); !at.IsZero() {
		status.ModelListAge = time.Since(at).Seconds()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"models": s.gw.Models()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Refresh(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"models": s.cache.Models()})
}

// chatRequest is one client frame on the chat socket.
type chatRequest struct {
	Op           string  `json:"op"`
	Model        string  `json:"model,omitempty"`
	Text         string  `json:"text,omitempty"`
	Image        string  `json:"image,omitempty"` // base64-encoded JPEG
	ProcessMode  string  `json:"process_mode,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	TopP         float64 `json:"top_p,omitempty"`
	MaxNewTokens int     `json:"max_new_tokens,omitempty"`
	Event        string  `json:"event,omitempty"`
}

// chatResponse is one server frame: a snapshot during streaming, then a
// terminal done or error frame.
type chatResponse struct {
	Type    string                 `json:"type"`
	State   *conversation.Snapshot `json:"state,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// clientHost strips the ephemeral port so a reconnecting client keeps its
// session (and its rehydrated history). The port would mint a fresh session
// per connection.
func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// handleChat runs one websocket session. Frames are processed one at a time;
// a dropped connection cancels the in-flight turn.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sessionID := clientHost(r.RemoteAddr)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		if err := s.handleFrame(ctx, conn, sessionID, req); err != nil {
			// write failed: the client is gone
			cancel()
			return
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, conn *websocket.Conn, sessionID string, req chatRequest) error {
	switch req.Op {
	case "submit", "regenerate":
		return s.runTurn(ctx, conn, sessionID, req)

	case "vote":
		event := req.Event
		switch event {
		case convlog.EventUpvote, convlog.EventDownvote, convlog.EventFlag:
		default:
			return conn.WriteJSON(chatResponse{Type: "error", Message: "unknown vote event"})
		}
		if err := s.gw.Vote(sessionID, req.Model, event); err != nil {
			return conn.WriteJSON(chatResponse{Type: "error", Message: err.Error()})
		}
		return conn.WriteJSON(chatResponse{Type: "done"})

	case "clear":
		if err := s.gw.Clear(sessionID); err != nil {
			return conn.WriteJSON(chatResponse{Type: "error", Message: err.Error()})
		}
		return conn.WriteJSON(chatResponse{Type: "done"})

	default:
		return conn.WriteJSON(chatResponse{Type: "error", Message: "unknown op"})
	}
}

func (s *Server) runTurn(ctx context.Context, conn *websocket.Conn, sessionID string, req chatRequest) error {
	in := gateway.TurnInput{
		Model:        req.Model,
		Text:         req.Text,
		ProcessMode:  conversation.ProcessMode(req.ProcessMode),
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		MaxNewTokens: req.MaxNewTokens,
		ClientID:     sessionID,
	}
	if req.Image != "" {
		data, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			return conn.WriteJSON(chatResponse{Type: "error", Message: "invalid image encoding"})
		}
		in.Image = data
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		ch  <-chan *conversation.Conversation
		err error
	)
	if req.Op == "regenerate" {
		ch, err = s.gw.Regenerate(turnCtx, sessionID, in)
	} else {
		ch, err = s.gw.SubmitTurn(turnCtx, sessionID, in)
	}
	if err != nil {
		return conn.WriteJSON(chatResponse{Type: "error", Message: err.Error()})
	}

	for conv := range ch {
		snap := conv.Dict()
		if werr := conn.WriteJSON(chatResponse{Type: "snapshot", State: &snap}); werr != nil {
			cancel()
			for range ch {
			}
			return werr
		}
	}

	return conn.WriteJSON(chatResponse{Type: "done"})
}
