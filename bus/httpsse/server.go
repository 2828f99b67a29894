// Package httpsse implements bus.Bus over HTTP: subscribers open a
// long-lived Server-Sent-Events stream to receive frames and POST to
// publish them. It gives the module a deployable shape (one coordinator
// process, N tab-like peers reachable over the network) beyond the
// in-process bus/local transport used by the test suite.
//
// It differs from bus/local on contract item (ii): the server publishes
// every POSTed frame through one shared hub member per channel, so a
// Conn's own frames come back to it on its SSE stream. The Broker and the
// Coordinator discard frames carrying their own tab id.
//
// The server side is a thin HTTP/SSE skin over bus/local.Hub: the
// gorilla/mux router and gorilla/sessions cookie provide transport-level
// reconnect identity only — a tab's own TabID and Pending Calls are
// unaffected by a bus reconnect, since this module never promises
// reliable exactly-once delivery across the bus either way.
package httpsse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	lru "github.com/hashicorp/golang-lru"

	"github.com/shaxpir/sharedb-sub001/bus"
	"github.com/shaxpir/sharedb-sub001/bus/local"
	"github.com/shaxpir/sharedb-sub001/internal/logging"
	"github.com/shaxpir/sharedb-sub001/protocol"
)

var log = logging.For("bus.httpsse")

const cookieName = "sbx-bus-conn"
const heartbeatInterval = 25 * time.Second

// Server hosts one or more named channels over HTTP and fans inbound
// frames out to every SSE subscriber of that channel via an in-process
// bus/local.Hub.
type Server struct {
	hub    *local.Hub
	store  sessions.Store
	router *mux.Router

	mu       sync.Mutex
	pubConns map[string]bus.Conn // one publish-only local.Conn per channel
	dedup    *lru.Cache          // (tabID,seq) -> struct{}, drops retried POSTs
}

// NewServer builds a Server whose cookies are signed with secret. Pass a
// fresh random secret per deployment; it authenticates the reconnect
// cookie only, not application data.
func NewServer(secret []byte) *Server {
	cache, _ := lru.New(4096)
	s := &Server{
		hub:      local.New(),
		store:    sessions.NewCookieStore(secret),
		pubConns: make(map[string]bus.Conn),
		dedup:    cache,
	}
	r := mux.NewRouter()
	r.HandleFunc("/bus/{channel}", s.handleSubscribe).Methods(http.MethodGet)
	r.HandleFunc("/bus/{channel}/publish", s.handlePublish).Methods(http.MethodPost)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) publishConn(channel string) (bus.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.pubConns[channel]; ok {
		return conn, nil
	}
	conn, err := s.hub.Join(channel)
	if err != nil {
		return nil, err
	}
	s.pubConns[channel] = conn
	return conn, nil
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]

	var frame protocol.Frame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		http.Error(w, "invalid frame", http.StatusBadRequest)
		return
	}

	dedupKey := fmt.Sprintf("%s:%d", frame.TabID, frame.SeqNo)
	if frame.SeqNo != 0 {
		if _, seen := s.dedup.Get(dedupKey); seen {
			w.WriteHeader(http.StatusOK) // already delivered; ack idempotently
			return
		}
		s.dedup.Add(dedupKey, struct{}{})
	}

	conn, err := s.publishConn(channel)
	if err != nil {
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := conn.Post(frame); err != nil {
		log.WithField("channel", channel).WithError(err).Warn("publish failed")
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess, _ := s.store.Get(r, cookieName)
	connID, _ := sess.Values["connID"].(string)
	if connID == "" {
		connID = fmt.Sprintf("%d", time.Now().UnixNano())
		sess.Values["connID"] = connID
		_ = sess.Save(r, w)
	}

	conn, err := s.hub.Join(channel)
	if err != nil {
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}
	defer conn.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case frame, ok := <-conn.Messages():
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				log.WithError(err).Warn("dropping unserializable frame")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// Close shuts down the backing hub.
func (s *Server) Close() error {
	return s.hub.Close()
}

// parseSSEFrame reads one "data: <json>\n\n" event off r, skipping
// comment/heartbeat lines. Used by the client.
func parseSSEFrame(r *bufio.Reader) (protocol.Frame, error) {
	var frame protocol.Frame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return frame, err
		}
		switch {
		case len(line) == 0 || line == "\n":
			continue
		case line[0] == ':':
			continue
		case len(line) > 6 && line[:6] == "data: ":
			payload := line[6 : len(line)-1]
			if err := json.Unmarshal([]byte(payload), &frame); err != nil {
				return frame, err
			}
			return frame, nil
		}
	}
}
