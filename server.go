package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type Client struct {
	conn *websocket.Conn
	send chan interface{}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// statusServer serves capture status over HTTP and pushes progress to
// websocket clients.
type statusServer struct {
	state    *ServerState
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*Client]bool
}

func newStatusServer(state *ServerState) *statusServer {
	return &statusServer{
		state: state,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 16384,
		},
		clients: make(map[*Client]bool),
	}
}

func (s *statusServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/capture/status", s.handleCaptureStatus)
	mux.HandleFunc("/api/capture/stop", s.handleCaptureStop)
	mux.HandleFunc("/api/capture/config", s.handleCaptureConfig)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// handleWS registers a progress subscriber. Clients may send
// {"type":"stop"} to end the capture early.
func (s *statusServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("Upgrade: %v", err)
		return
	}
	glog.V(1).Infof("Client connected from %s", r.RemoteAddr)

	client := &Client{conn: conn, send: make(chan interface{}, 64)}
	client.send <- s.statusMessage()

	s.clientsMu.Lock()
	s.clients[client] = true
	s.clientsMu.Unlock()

	go client.writePump()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client)
		s.clientsMu.Unlock()
		close(client.send)
		glog.V(1).Infof("Client %s disconnected", r.RemoteAddr)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ctl struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &ctl); err != nil {
			continue
		}
		if ctl.Type == "stop" {
			glog.Infof("Stop requested by websocket client %s", r.RemoteAddr)
			s.state.Session.Stop()
		}
	}
}

// statusMessage is capture_progress while running and capture_status once
// a report exists.
func (s *statusServer) statusMessage() map[string]interface{} {
	if rep := s.state.report(); rep != nil {
		return map[string]interface{}{
			"type":     "capture_status",
			"finished": true,
			"report":   rep,
		}
	}
	return map[string]interface{}{
		"type":     "capture_progress",
		"snapshot": s.state.Session.Snapshot(),
	}
}

// runProgressLoop broadcasts progress every interval until done closes,
// then sends the final status.
func (s *statusServer) runProgressLoop(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			s.broadcastJSON(s.statusMessage())
			return
		case <-ticker.C:
			s.broadcastJSON(s.statusMessage())
		}
	}
}

func (s *statusServer) broadcastJSON(msg interface{}) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- msg:
		default:
		}
	}
}

// runServer serves the status API on addr until the returned server is
// shut down.
func runServer(addr string, s *statusServer) *http.Server {
	srv := &http.Server{Addr: addr, Handler: s.routes()}
	go func() {
		glog.Infof("Status server listening on http://%s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Errorf("Status server: %v", err)
		}
	}()
	return srv
}
