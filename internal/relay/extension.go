package relay

import (
	"encoding/json"
	"sync"
	"time"

	contribws "github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"
)

// extensionCodeAlreadyConnected is the WS close code used to reject a second
// extension while one is already attached to the slot.
const extensionCodeAlreadyConnected = 4001

// extensionDisconnectObserver lets Instance learn when the extension link
// drops so it can fail pending attaches waiting on an event that will now
// never arrive, without extensionLink importing instance.go's concrete type.
type extensionDisconnectObserver interface {
	onExtensionLinkDisconnected()
}

// extensionLink is the Extension Link (C3): the single WebSocket slot to the
// browser extension, outbound RPC id allocation, and event demultiplexing.
type extensionLink struct {
	mu      sync.Mutex
	conn    *contribws.Conn
	writeCh chan []byte
	present bool

	nextID  int64
	pending map[int64]*pendingExtensionCall

	reg        *registry
	hub        *hub
	diag       *diagnosticsLog
	log        *zap.Logger
	cfg        Config
	disconnect extensionDisconnectObserver

	pingStop    chan struct{}
	missedPongs int
}

func newExtensionLink(reg *registry, h *hub, diag *diagnosticsLog, cfg Config, log *zap.Logger) *extensionLink {
	return &extensionLink{
		pending: make(map[int64]*pendingExtensionCall),
		reg:     reg,
		hub:     h,
		diag:    diag,
		cfg:     cfg,
		log:     log,
	}
}

// setDisconnectObserver installs the Instance-level hook release() calls on
// disconnect. Not guarded by e.mu — called once at construction, before the
// link is reachable from any other goroutine.
func (e *extensionLink) setDisconnectObserver(obs extensionDisconnectObserver) {
	e.disconnect = obs
}

// acquire attempts to claim the single extension slot. ok=false means a
// second extension tried to connect while one is live; the caller must close
// the new socket with extensionCodeAlreadyConnected.
func (e *extensionLink) acquire(conn *contribws.Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.present {
		return false
	}

	e.conn = conn
	e.present = true
	e.writeCh = make(chan []byte, e.cfg.WriteQueueCap)
	e.missedPongs = 0
	e.pingStop = make(chan struct{})
	return true
}

// run drives one extension connection's lifetime: write pump, ping loop, and
// read loop. Blocks until the connection drops, then releases the slot.
func (e *extensionLink) run(conn *contribws.Conn) {
	e.diag.Record("extension.connected", nil)
	go e.writePump(conn)
	go e.pingLoop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		e.handleInbound(msg)
	}

	e.release()
}

func (e *extensionLink) writePump(conn *contribws.Conn) {
	for msg := range e.currentWriteCh() {
		if err := conn.WriteMessage(contribws.TextMessage, msg); err != nil {
			e.log.Debug("extension write failed", zap.Error(err))
			_ = conn.Close()
			return
		}
	}
}

func (e *extensionLink) currentWriteCh() chan []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeCh
}

func (e *extensionLink) pingLoop() {
	ticker := time.NewTicker(e.cfg.PingInterval)
	defer ticker.Stop()

	stop := e.currentPingStop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			e.missedPongs++
			exceeded := e.missedPongs > e.cfg.MissedPongLimit
			e.mu.Unlock()

			if exceeded {
				e.log.Warn("extension missed pong limit, closing")
				e.forceClose()
				return
			}
			e.sendRaw(map[string]any{"method": "ping"})
		}
	}
}

func (e *extensionLink) currentPingStop() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pingStop
}

func (e *extensionLink) forceClose() {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// release frees the extension slot, fails every pending call, and clears the
// registry (§4.3, §4.2 onExtensionDisconnected).
func (e *extensionLink) release() {
	e.mu.Lock()
	if !e.present {
		e.mu.Unlock()
		return
	}
	e.present = false
	pending := e.pending
	e.pending = make(map[int64]*pendingExtensionCall)
	close(e.pingStop)
	close(e.writeCh)
	e.mu.Unlock()

	for _, p := range pending {
		p.resolve <- extensionCallResult{err: ErrExtensionUnavailable}
	}

	e.reg.onExtensionDisconnected()
	if e.disconnect != nil {
		e.disconnect.onExtensionLinkDisconnected()
	}
	e.diag.Record("extension.disconnected", nil)
}

func (e *extensionLink) isConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.present
}

// call issues an outbound RPC to the extension and blocks until the matching
// reply arrives, the timeout elapses, or the link is shut down.
func (e *extensionLink) call(method string, params any, timeout time.Duration) (rawJSON, error) {
	e.mu.Lock()
	if !e.present {
		e.mu.Unlock()
		return nil, ErrExtensionUnavailable
	}
	e.nextID++
	id := e.nextID
	p := &pendingExtensionCall{
		id:       id,
		method:   method,
		deadline: time.Now().Add(timeout),
		resolve:  make(chan extensionCallResult, 1),
	}
	e.pending[id] = p
	e.mu.Unlock()

	e.sendRaw(map[string]any{"id": id, "method": method, "params": params})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.resolve:
		return res.result, res.err
	case <-timer.C:
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, ErrTimeout
	}
}

// allocateCallID reserves the next outbound id without sending — used by the
// CDP router, which needs the id up front to record its id-remapping entry
// before the frame goes out.
func (e *extensionLink) allocateCallID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return e.nextID
}

// sendCommand forwards an already-built {id, method, params} frame for a
// call previously allocated via allocateCallID, registering it in the
// pending table so handleInbound can route the reply back.
func (e *extensionLink) sendCommand(id int64, method string, params any) (chan extensionCallResult, error) {
	e.mu.Lock()
	if !e.present {
		e.mu.Unlock()
		return nil, ErrExtensionUnavailable
	}
	p := &pendingExtensionCall{id: id, method: method, resolve: make(chan extensionCallResult, 1)}
	e.pending[id] = p
	e.mu.Unlock()

	e.sendRaw(map[string]any{"id": id, "method": method, "params": params})
	return p.resolve, nil
}

// cancelPending discards a pending call's table entry without resolving it —
// used when the caller gave up waiting (timeout) so a late reply from the
// extension is simply dropped as unknown rather than leaking forever.
func (e *extensionLink) cancelPending(id int64) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

func (e *extensionLink) sendRaw(v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		e.log.Error("extension sendRaw marshal failed", zap.Error(err))
		return
	}

	e.mu.Lock()
	ch := e.writeCh
	present := e.present
	e.mu.Unlock()

	if !present {
		return
	}
	select {
	case ch <- frame:
	default:
		e.log.Warn("extension write queue full, dropping frame")
	}
}

// extensionInbound is the open-shape envelope used to sniff which of the
// extension's message kinds arrived before decoding its params strictly.
type extensionInbound struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

func (e *extensionLink) handleInbound(raw []byte) {
	var msg extensionInbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		e.log.Debug("dropping malformed extension frame", zap.Error(err))
		return
	}

	switch {
	case msg.ID != nil:
		e.handleReply(*msg.ID, msg.Result, msg.Error)
	case msg.Method == "pong":
		e.mu.Lock()
		e.missedPongs = 0
		e.mu.Unlock()
	case msg.Method == "forwardCDPEvent":
		e.handleForwardedEvent(msg.Params)
	case msg.Method == "tabsDiscovered":
		e.handleTabsDiscovered(msg.Params)
	case msg.Method == "tabUpdated":
		e.handleTabUpdated(msg.Params)
	case msg.Method == "tabRemoved":
		e.handleTabRemoved(msg.Params)
	default:
		e.log.Debug("dropping unknown extension message", zap.String("method", msg.Method))
	}
}

func (e *extensionLink) handleReply(id int64, result rawJSON, errObj *cdpError) {
	e.mu.Lock()
	p, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()

	if !ok {
		e.log.Debug("dropping reply for unknown extension call id", zap.Int64("id", id))
		return
	}

	var err error
	if errObj != nil {
		err = &extensionRPCError{code: errObj.Code, message: errObj.Message}
	}
	p.resolve <- extensionCallResult{result: result, err: err}
}

type extensionRPCError struct {
	code    int
	message string
}

func (e *extensionRPCError) Error() string { return e.message }

type forwardedCDPEvent struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId,omitempty"`
}

// targetLifecycleMethods are handled by the registry, which performs its own
// canonical rebroadcast; every other forwarded event is relayed verbatim.
var targetLifecycleMethods = map[string]bool{
	"Target.attachedToTarget":   true,
	"Target.detachedFromTarget": true,
	"Target.targetInfoChanged":  true,
}

func (e *extensionLink) handleForwardedEvent(raw json.RawMessage) {
	var ev forwardedCDPEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		e.log.Debug("dropping malformed forwardCDPEvent", zap.Error(err))
		return
	}

	if targetLifecycleMethods[ev.Method] {
		e.dispatchLifecycleEvent(ev)
		return
	}

	var params any
	if len(ev.Params) > 0 {
		_ = json.Unmarshal(ev.Params, &params)
	}
	e.hub.broadcast(ev.Method, params)
}

func (e *extensionLink) dispatchLifecycleEvent(ev forwardedCDPEvent) {
	switch ev.Method {
	case "Target.attachedToTarget":
		var p struct {
			SessionID          string `json:"sessionId"`
			WaitingForDebugger bool   `json:"waitingForDebugger"`
			TargetInfo         struct {
				TargetID string `json:"targetId"`
				Title    string `json:"title"`
				URL      string `json:"url"`
			} `json:"targetInfo"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			e.log.Debug("dropping malformed attachedToTarget", zap.Error(err))
			return
		}
		e.reg.onAttachedToTarget(p.SessionID, p.TargetInfo.TargetID, p.TargetInfo.Title, p.TargetInfo.URL, p.WaitingForDebugger)

	case "Target.detachedFromTarget":
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			e.log.Debug("dropping malformed detachedFromTarget", zap.Error(err))
			return
		}
		e.reg.onDetachedFromTarget(p.SessionID)

	case "Target.targetInfoChanged":
		var p struct {
			TargetInfo struct {
				TargetID string `json:"targetId"`
				Title    string `json:"title"`
				URL      string `json:"url"`
			} `json:"targetInfo"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			e.log.Debug("dropping malformed targetInfoChanged", zap.Error(err))
			return
		}
		e.reg.onTargetInfoChanged(p.TargetInfo.TargetID, p.TargetInfo.Title, p.TargetInfo.URL)
	}
}

func (e *extensionLink) handleTabsDiscovered(raw json.RawMessage) {
	var p struct {
		Tabs []struct {
			TabID  int64  `json:"tabId"`
			Title  string `json:"title"`
			URL    string `json:"url"`
			Active bool   `json:"active"`
		} `json:"tabs"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		e.log.Debug("dropping malformed tabsDiscovered", zap.Error(err))
		return
	}

	tabs := make([]DiscoveredTab, 0, len(p.Tabs))
	for _, t := range p.Tabs {
		tabs = append(tabs, DiscoveredTab{TabID: t.TabID, Title: t.Title, URL: t.URL, Active: t.Active})
	}
	e.reg.onTabsDiscovered(tabs)
}

func (e *extensionLink) handleTabUpdated(raw json.RawMessage) {
	var p struct {
		TabID  int64   `json:"tabId"`
		Title  *string `json:"title,omitempty"`
		URL    *string `json:"url,omitempty"`
		Active *bool   `json:"active,omitempty"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		e.log.Debug("dropping malformed tabUpdated", zap.Error(err))
		return
	}
	e.reg.onTabUpdated(p.TabID, p.Title, p.URL, p.Active)
}

func (e *extensionLink) handleTabRemoved(raw json.RawMessage) {
	var p struct {
		TabID int64 `json:"tabId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		e.log.Debug("dropping malformed tabRemoved", zap.Error(err))
		return
	}
	e.reg.onTabRemoved(p.TabID)
}
