// README: Websocket live feed; fans ride events out to subscribers of that ride.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"cabcore/internal/modules/coordination"
	"cabcore/internal/modules/ride"
	"cabcore/internal/types"
)

const (
	liveSendBuffer = 32
	livePingPeriod = 30 * time.Second
	livePongWait   = 60 * time.Second
	liveWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type subscriber struct {
	send chan []byte
}

// LiveHandler is both the websocket endpoint and a coordination.Publisher.
type LiveHandler struct {
	rides *ride.Service
	log   logrus.FieldLogger

	mu   sync.Mutex
	subs map[types.ID]map[*subscriber]struct{}
}

var _ coordination.Publisher = (*LiveHandler)(nil)

func NewLiveHandler(rides *ride.Service, log logrus.FieldLogger) *LiveHandler {
	return &LiveHandler{
		rides: rides,
		log:   log,
		subs:  make(map[types.ID]map[*subscriber]struct{}),
	}
}

// Publish never blocks: a subscriber whose buffer is full is disconnected.
func (h *LiveHandler) Publish(_ context.Context, e coordination.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[e.RideID] {
		select {
		case s.send <- payload:
		default:
			h.log.WithFields(logrus.Fields{"ride_id": e.RideID, "event": e.Type}).Warn("live subscriber too slow, disconnecting")
			h.removeLocked(e.RideID, s)
		}
	}
	return nil
}

// Subscribers reports how many clients watch rideID.
func (h *LiveHandler) Subscribers(rideID types.ID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[rideID])
}

func (h *LiveHandler) Serve(c *gin.Context) {
	r, err := h.rides.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeRideError(c, err)
		return
	}
	if !canView(c, r) {
		writeRideError(c, errForbidden)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).WithField("ride_id", r.ID).Warn("websocket upgrade failed")
		return
	}

	s := &subscriber{send: make(chan []byte, liveSendBuffer)}
	h.add(r.ID, s)
	go h.writePump(conn, s)
	h.readPump(conn, r.ID, s)
}

func (h *LiveHandler) add(rideID types.ID, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[rideID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[rideID] = set
	}
	set[s] = struct{}{}
}

func (h *LiveHandler) remove(rideID types.ID, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(rideID, s)
}

func (h *LiveHandler) removeLocked(rideID types.ID, s *subscriber) {
	set, ok := h.subs[rideID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	close(s.send)
	if len(set) == 0 {
		delete(h.subs, rideID)
	}
}

// readPump discards client messages and unsubscribes once the peer goes away.
func (h *LiveHandler) readPump(conn *websocket.Conn, rideID types.ID, s *subscriber) {
	defer func() {
		h.remove(rideID, s)
		_ = conn.Close()
	}()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *LiveHandler) writePump(conn *websocket.Conn, s *subscriber) {
	ticker := time.NewTicker(livePingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
