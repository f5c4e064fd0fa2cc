package relay

import (
	"encoding/json"
	"sync"

	contribws "github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// cdpClient is one connected CDP client socket. Writes are serialized onto
// writeCh by a single per-socket writer goroutine — gofiber/contrib/websocket
// (like gorilla/websocket, whose API it mirrors) forbids concurrent writers
// on the same connection, so every outbound frame for this client funnels
// through one channel regardless of which component produced it.
type cdpClient struct {
	id      string
	conn    *contribws.Conn
	writeCh chan []byte
	closed  chan struct{}
	once    sync.Once
}

func (c *cdpClient) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// hub is the CDP Session Hub (C4): the set of live CDP client sockets plus
// broadcast/unicast dispatch with bounded per-socket backpressure.
type hub struct {
	mu       sync.RWMutex
	clients  map[string]*cdpClient
	queueCap int
	log      *zap.Logger
}

func newHub(queueCap int, log *zap.Logger) *hub {
	return &hub{
		clients:  make(map[string]*cdpClient),
		queueCap: queueCap,
		log:      log,
	}
}

// register adds a newly upgraded CDP client socket and starts its writer
// pump. Returns the client handle; the caller is responsible for running the
// read loop and calling unregister on exit.
func (h *hub) register(conn *contribws.Conn) *cdpClient {
	c := &cdpClient{
		id:      uuid.NewString(),
		conn:    conn,
		writeCh: make(chan []byte, h.queueCap),
		closed:  make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	go h.writePump(c)
	return c
}

func (h *hub) unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()

	if ok {
		c.close()
	}
}

func (h *hub) writePump(c *cdpClient) {
	for {
		select {
		case <-c.closed:
			return
		case msg, ok := <-c.writeCh:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(contribws.TextMessage, msg); err != nil {
				h.log.Debug("cdp client write failed", zap.String("client", c.id), zap.Error(err))
				h.unregister(c.id)
				return
			}
		}
	}
}

// enqueue pushes a frame onto the client's write queue. If the queue is
// already full — the client isn't draining fast enough — the socket is
// closed with code 1013 ("try again later") per the backpressure policy.
func (h *hub) enqueue(c *cdpClient, frame []byte) {
	select {
	case c.writeCh <- frame:
	default:
		h.log.Warn("cdp client backpressure exceeded, closing", zap.String("client", c.id))
		_ = c.conn.WriteMessage(contribws.CloseMessage,
			contribws.FormatCloseMessage(1013, "backpressure"))
		h.unregister(c.id)
	}
}

// broadcast sends a CDP event {method, params} to every connected client.
func (h *hub) broadcast(method string, params any) {
	frame, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		h.log.Error("broadcast marshal failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*cdpClient, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.enqueue(c, frame)
	}
}

// sendEvent unicasts a CDP event to exactly one client — used to replay the
// attached-target set to a newly connected or newly-subscribed client, and
// to answer Target.attachToTarget with an attach event scoped to the
// requester rather than a broadcast.
func (h *hub) sendEvent(clientID, method string, params any) {
	frame, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		h.log.Error("sendEvent marshal failed", zap.Error(err))
		return
	}
	h.unicast(clientID, frame)
}

// sendResult replies {id, result} to the originating client.
func (h *hub) sendResult(clientID string, id int64, result any) {
	frame, err := json.Marshal(map[string]any{"id": id, "result": result})
	if err != nil {
		h.log.Error("sendResult marshal failed", zap.Error(err))
		return
	}
	h.unicast(clientID, frame)
}

// sendError replies {id, error:{code,message}} to the originating client.
func (h *hub) sendError(clientID string, id int64, code int, message string) {
	frame, err := json.Marshal(map[string]any{
		"id":    id,
		"error": cdpError{Code: code, Message: message},
	})
	if err != nil {
		h.log.Error("sendError marshal failed", zap.Error(err))
		return
	}
	h.unicast(clientID, frame)
}

func (h *hub) unicast(clientID string, frame []byte) {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.enqueue(c, frame)
}

// closeAll tears down every connected CDP client — used by stopRelay.
func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*cdpClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*cdpClient)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
