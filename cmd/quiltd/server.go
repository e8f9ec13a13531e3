package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/quiltmesh/quilt/internal/document"
	"github.com/quiltmesh/quilt/internal/pubsub"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

type server struct {
	dir      *document.Directory
	upgrader websocket.Upgrader
}

func newServer(dir *document.Directory) *server {
	return &server{
		dir: dir,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/docs", s.handleListDocs).Methods(http.MethodGet)
	r.HandleFunc("/docs/{name}/ws", s.handleWS).Methods(http.MethodGet)
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleListDocs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Docs []string `json:"docs"`
	}{Docs: s.dir.Names()})
}

// handleWS upgrades the connection and attaches it to the named document as
// one subscriber. The read loop feeds inbound protocol frames to the
// coordinator; the write pump drains replies and broadcasts back out.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	d, err := s.dir.EnsureStarted(name)
	if err != nil {
		log.Printf("quiltd: start %q: %v", name, err)
		http.Error(w, "document unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("quiltd: upgrade %q: %v", name, err)
		return
	}

	sub := pubsub.NewSubscriber()
	if err := d.Observe(r.Context(), sub); err != nil {
		_ = conn.Close()
		return
	}

	go s.writePump(conn, d, sub)
	s.readPump(conn, d, sub)
}

// readPump feeds inbound frames to the coordinator until the connection dies.
// Addressed replies go through the subscriber queue so the write pump stays
// the connection's only writer.
func (s *server) readPump(conn *websocket.Conn, d *document.Doc, sub *pubsub.Subscriber) {
	defer func() {
		sub.Close()
		_ = d.Unobserve(context.Background(), sub.ID)
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("quiltd: %q read: %v", d.Name(), err)
			}
			return
		}

		replies, err := d.Process(context.Background(), data, sub)
		if err != nil {
			if errors.Is(err, document.ErrStopped) {
				return
			}
			// A bad frame from one client never takes the connection down
			log.Printf("quiltd: %q dropping frame from %s: %v", d.Name(), sub.ID, err)
			continue
		}
		for _, reply := range replies {
			if err := sub.Send(reply); err != nil {
				return
			}
		}
	}
}

// writePump owns all writes on the connection: subscriber deliveries, pings,
// and the close frame when the subscriber or document goes away
func (s *server) writePump(conn *websocket.Conn, d *document.Doc, sub *pubsub.Subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case payload := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-d.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "document closed"))
			return
		}
	}
}
