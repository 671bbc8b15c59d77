// Package signaling provides a demo rendezvous transport carrying the
// opaque key/value pairs a session.Connection exchanges out of band (see
// session.Params.SendSignaling / Connection.OnSignalingMessage). It is
// not part of the connection core — the core only ever sees key/value
// strings — but some such transport is needed to run two Connections
// against each other, so this package adapts the teacher's local
// websocket signaling server (internal/signaling/local.go) from
// carrying SDP offers/ICE candidates to carrying this transport's
// generic {key, value} messages.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/lanthing-oss/rtc2/internal/logging"
)

var log = logging.DefaultLogger.WithTag("signaling")

// Message is one {key, value} pair exchanged between two peers.
type Message struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Conn is a bidirectional message pipe over one websocket connection. It
// satisfies the shape session.Connection needs: a way to send a (key,
// value) pair out, and a way to receive one in.
type Conn struct {
	ws *websocket.Conn

	mu sync.Mutex
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes one message. Safe for concurrent use; gorilla/websocket
// requires callers to serialize writes themselves.
func (c *Conn) Send(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteJSON(Message{Key: key, Value: value}); err != nil {
		return errors.Wrap(err, "signaling: send")
	}
	return nil
}

// Recv blocks for the next inbound message.
func (c *Conn) Recv() (key, value string, err error) {
	var m Message
	if err := c.ws.ReadJSON(&m); err != nil {
		return "", "", errors.Wrap(err, "signaling: recv")
	}
	return m.Key, m.Value, nil
}

// Close closes the underlying websocket connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Room pairs exactly two peers under a shared room id and relays every
// message one sends to the other, the same two-party rendezvous model
// the teacher's local signaling server used for a browser and a single
// device.
type Room struct {
	mu    sync.Mutex
	conns []*Conn
}

func newRoom() *Room {
	return &Room{}
}

func (r *Room) join(c *Conn) (peer *Conn, isFirst bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, c)
	if len(r.conns) == 1 {
		return nil, true
	}
	return r.conns[0], false
}

// Server is a minimal HTTP+websocket rendezvous server: peers connect to
// /ws/{room} and every message one sends is relayed verbatim to the
// other peer in the same room.
type Server struct {
	httpServer *http.Server

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewServer constructs a Server listening on addr (e.g. ":8000").
func NewServer(addr string) *Server {
	s := &Server{
		rooms: make(map[string]*Room),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.handleWebsocket)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// ListenAndServe blocks serving websocket rendezvous connections until
// Shutdown is called or a fatal error occurs.
func (s *Server) ListenAndServe() error {
	log.Info("signaling server listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) roomFor(id string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		r = newRoom()
		s.rooms[id] = r
	}
	return r
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Path[len("/ws/"):]
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade: %v", err)
		return
	}
	conn := newConn(ws)
	defer conn.Close()

	room := s.roomFor(roomID)
	peer, isFirst := room.join(conn)
	if isFirst {
		log.Debug("room %s: first peer connected, waiting for second", roomID)
	} else {
		log.Debug("room %s: second peer connected, relaying", roomID)
	}

	for {
		key, value, err := conn.Recv()
		if err != nil {
			log.Debug("room %s: peer disconnected: %v", roomID, err)
			return
		}

		s.mu.Lock()
		target := peer
		if target == nil {
			// The second peer may not have joined yet when the first one's
			// initial message arrives; look it up fresh each time until it
			// has.
			if len(room.conns) == 2 {
				if room.conns[0] == conn {
					target = room.conns[1]
				} else {
					target = room.conns[0]
				}
			}
		}
		s.mu.Unlock()

		if target == nil {
			log.Warn("room %s: dropping message, no peer yet", roomID)
			continue
		}
		if err := target.Send(key, value); err != nil {
			log.Warn("room %s: relay failed: %v", roomID, err)
		}
	}
}

// Dial connects to a Server's room as a peer.
func Dial(url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "signaling: dial")
	}
	return newConn(ws), nil
}

// RoomURL builds the websocket URL for a given server address and room.
func RoomURL(addr, room string) string {
	return fmt.Sprintf("ws://%s/ws/%s", addr, room)
}
