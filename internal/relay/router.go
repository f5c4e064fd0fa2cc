package relay

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// clientFrame is the inbound shape from a CDP client: {id, method, params?,
// sessionId?}. Params is kept as RawMessage so forwarded commands pass their
// payload through untouched.
type clientFrame struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// router is the CDP Router (C5): it synthesizes replies for the small
// Target.* subset this relay understands and forwards everything else to
// the extension, remapping ids along the way.
type router struct {
	reg *registry
	ext *extensionLink
	hub *hub
	cfg Config
	log *zap.Logger
}

func newRouter(reg *registry, ext *extensionLink, h *hub, cfg Config, log *zap.Logger) *router {
	return &router{reg: reg, ext: ext, hub: h, cfg: cfg, log: log}
}

// handleClientFrame dispatches one inbound frame from clientID. Per §7, a
// panic anywhere in the dispatch is recovered and turned into a generic
// error reply to the originating client only — it never reaches the hub's
// read loop for that client, let alone any other client.
func (rt *router) handleClientFrame(clientID string, raw []byte) {
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		rt.log.Debug("dropping malformed cdp client frame", zap.Error(err))
		return
	}

	defer rt.recoverDispatch(clientID, frame.ID)

	switch frame.Method {
	case "Target.setDiscoverTargets":
		rt.hub.sendResult(clientID, frame.ID, struct{}{})
		rt.replayAttachedTo(clientID)

	case "Target.setAutoAttach":
		rt.hub.sendResult(clientID, frame.ID, struct{}{})

	case "Target.getTargets":
		rt.handleGetTargets(clientID, frame.ID)

	case "Target.attachToTarget":
		rt.handleAttachToTarget(clientID, frame)

	default:
		rt.forward(clientID, frame)
	}
}

func (rt *router) recoverDispatch(clientID string, id int64) {
	if r := recover(); r != nil {
		rt.log.Error("router dispatch panicked", zap.Any("panic", r), zap.String("client", clientID))
		rt.hub.sendError(clientID, id, cdpCodeInternal, "internal error")
	}
}

// replayAttachedTo seeds a single client's model with the current attached
// set — used both on fresh connect (§4.4) and in response to
// Target.setDiscoverTargets (§4.5).
func (rt *router) replayAttachedTo(clientID string) {
	for _, t := range rt.reg.attachedTargets() {
		rt.hub.sendEvent(clientID, "Target.attachedToTarget", attachedToTargetParams(t))
	}
}

func (rt *router) handleGetTargets(clientID string, id int64) {
	attached := rt.reg.attachedTargets()
	infos := make([]map[string]any, 0, len(attached))
	for _, t := range attached {
		infos = append(infos, targetInfoOf(t))
	}
	rt.hub.sendResult(clientID, id, map[string]any{"targetInfos": infos})
}

func (rt *router) handleAttachToTarget(clientID string, frame clientFrame) {
	var params struct {
		TargetID string `json:"targetId"`
		Flatten  bool   `json:"flatten,omitempty"`
	}
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		rt.hub.sendError(clientID, frame.ID, cdpCodeInvalidParams, "invalid params")
		return
	}

	t, ok := rt.reg.attachedByTargetID(params.TargetID)
	if !ok {
		rt.hub.sendError(clientID, frame.ID, cdpCodeInvalidParams, "No such target")
		return
	}

	rt.hub.sendResult(clientID, frame.ID, map[string]any{"sessionId": t.SessionID})
	rt.hub.sendEvent(clientID, "Target.attachedToTarget", attachedToTargetParams(t))
}

// forward sends every frame the router doesn't synthesize a reply for on to
// the extension as forwardCDPCommand, remapping the relay-assigned outbound
// id back to the client's original id once the reply arrives. A sessionId
// the registry doesn't recognize is answered locally with SessionNotFound —
// the chosen resolution for the spec's session-lookup open question, rather
// than forwarding and letting the extension reject it.
func (rt *router) forward(clientID string, frame clientFrame) {
	if frame.SessionID != "" {
		if _, ok := rt.reg.attachedBySessionID(frame.SessionID); !ok {
			rt.hub.sendError(clientID, frame.ID, cdpCodeSessionNotFound, "Session not found")
			return
		}
	}

	relayID := rt.ext.allocateCallID()
	resolve, err := rt.ext.sendCommand(relayID, "forwardCDPCommand", map[string]any{
		"sessionId": frame.SessionID,
		"method":    frame.Method,
		"params":    frame.Params,
	})
	if err != nil {
		rt.hub.sendError(clientID, frame.ID, cdpCodeInternal, "extension unavailable")
		return
	}

	go rt.awaitForwarded(clientID, frame.ID, relayID, resolve)
}

func (rt *router) awaitForwarded(clientID string, originalID, relayID int64, resolve chan extensionCallResult) {
	timer := time.NewTimer(rt.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case res := <-resolve:
		if res.err != nil {
			rt.hub.sendError(clientID, originalID, cdpCodeInternal, res.err.Error())
			return
		}
		var result any
		if len(res.result) > 0 {
			if err := json.Unmarshal(res.result, &result); err != nil {
				rt.hub.sendError(clientID, originalID, cdpCodeInternal, "malformed extension reply")
				return
			}
		}
		rt.hub.sendResult(clientID, originalID, result)

	case <-timer.C:
		rt.ext.cancelPending(relayID)
		rt.hub.sendError(clientID, originalID, cdpCodeInternal, "extension timed out")
	}
}
