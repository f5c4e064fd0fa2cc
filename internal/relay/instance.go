package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const recentAttachEventTTL = 30 * time.Second

type recentAttachEvent struct {
	result attachResult
	at     time.Time
}

// Instance is one running relay bound to a single cdpUrl: the bundle of
// components the supervisor creates, hands out, and eventually tears down.
type Instance struct {
	CdpURL string
	Host   string
	Port   int
	Token  string

	cfg  Config
	reg  *registry
	hub  *hub
	ext  *extensionLink
	rt   *router
	diag *diagnosticsLog
	log  *zap.Logger

	shutdown shutdownCtx
	eg       *errgroup.Group

	mu                    sync.Mutex
	pendingAttachByTarget map[string]*pendingAttach
	recentAttachEvents    map[string]recentAttachEvent

	srv *httpServer
}

func newInstance(cdpURL, host string, port int, cfg Config, log *zap.Logger) (*Instance, error) {
	token, err := mintToken()
	if err != nil {
		return nil, fmt.Errorf("relay: mint token: %w", err)
	}

	diag := newDiagnosticsLog()
	h := newHub(cfg.WriteQueueCap, log)
	reg := newRegistry(h, diag, log)
	ext := newExtensionLink(reg, h, diag, cfg, log)
	rt := newRouter(reg, ext, h, cfg, log)
	sc := newShutdownCtx()
	eg, _ := errgroup.WithContext(sc.ctx)

	inst := &Instance{
		CdpURL:                cdpURL,
		Host:                  host,
		Port:                  port,
		Token:                 token,
		cfg:                   cfg,
		reg:                   reg,
		hub:                   h,
		ext:                   ext,
		rt:                    rt,
		diag:                  diag,
		log:                   log,
		shutdown:              sc,
		eg:                    eg,
		pendingAttachByTarget: make(map[string]*pendingAttach),
		recentAttachEvents:    make(map[string]recentAttachEvent),
	}
	reg.setAttachObserver(inst)
	ext.setDisconnectObserver(inst)
	return inst, nil
}

// onTargetAttached implements attachObserver. It resolves any /json/attach
// waiter registered for targetID, or — if the RPC reply for that attach
// hasn't come back yet — remembers the event briefly so the RPC side can
// pick it up when it does (§3 PendingAttach: "whichever arrives first is
// remembered, second completes the promise").
func (inst *Instance) onTargetAttached(sessionID, targetID string) {
	inst.mu.Lock()
	inst.pruneRecentAttachEventsLocked()

	if pa, ok := inst.pendingAttachByTarget[targetID]; ok {
		delete(inst.pendingAttachByTarget, targetID)
		inst.mu.Unlock()
		inst.diag.Record("attach.resolved", map[string]any{"tabId": pa.tabID, "targetId": targetID, "sessionId": sessionID})
		pa.resultChan <- attachResult{targetID: targetID, sessionID: sessionID}
		return
	}

	inst.recentAttachEvents[targetID] = recentAttachEvent{
		result: attachResult{targetID: targetID, sessionID: sessionID},
		at:     time.Now(),
	}
	inst.mu.Unlock()
}

func (inst *Instance) pruneRecentAttachEventsLocked() {
	if len(inst.recentAttachEvents) == 0 {
		return
	}
	cutoff := time.Now().Add(-recentAttachEventTTL)
	for k, v := range inst.recentAttachEvents {
		if v.at.Before(cutoff) {
			delete(inst.recentAttachEvents, k)
		}
	}
}

type attachReplyDecode struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
}

// attachDiscoveredTab implements the POST /json/attach/dtab-<id> flow
// (§4.6): issue attachDiscoveredTab to the extension, then wait for the
// matching Target.attachedToTarget event, whichever order they arrive in.
func (inst *Instance) attachDiscoveredTab(tabID int64) (targetID, sessionID string, err error) {
	deadline := time.Now().Add(inst.cfg.AttachTimeout)

	raw, callErr := inst.ext.call("attachDiscoveredTab", map[string]any{"tabId": tabID}, inst.cfg.AttachTimeout)
	if callErr != nil {
		return "", "", callErr
	}

	var reply attachReplyDecode
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", "", fmt.Errorf("%w: malformed attachDiscoveredTab reply", ErrBadRequest)
	}

	inst.mu.Lock()
	inst.pruneRecentAttachEventsLocked()
	if ev, ok := inst.recentAttachEvents[reply.TargetID]; ok {
		delete(inst.recentAttachEvents, reply.TargetID)
		inst.mu.Unlock()
		inst.diag.Record("attach.resolved", map[string]any{"tabId": tabID, "targetId": ev.result.targetID, "sessionId": ev.result.sessionID})
		return ev.result.targetID, ev.result.sessionID, nil
	}

	pa := &pendingAttach{
		tabID:      tabID,
		deadline:   deadline,
		sessionID:  reply.SessionID,
		targetID:   reply.TargetID,
		resultChan: make(chan attachResult, 1),
	}
	inst.pendingAttachByTarget[reply.TargetID] = pa
	inst.mu.Unlock()

	remaining := time.Until(deadline)
	if remaining <= 0 {
		inst.dropPendingAttach(reply.TargetID)
		inst.diag.Record("attach.timeout", map[string]any{"tabId": tabID, "targetId": reply.TargetID})
		return "", "", ErrTimeout
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case res := <-pa.resultChan:
		if res.err != nil {
			return "", "", res.err
		}
		return res.targetID, res.sessionID, nil
	case <-timer.C:
		inst.dropPendingAttach(reply.TargetID)
		inst.diag.Record("attach.timeout", map[string]any{"tabId": tabID, "targetId": reply.TargetID})
		return "", "", ErrTimeout
	case <-inst.shutdown.ctx.Done():
		inst.mu.Lock()
		_, stillPending := inst.pendingAttachByTarget[reply.TargetID]
		delete(inst.pendingAttachByTarget, reply.TargetID)
		inst.mu.Unlock()
		if stillPending {
			inst.diag.Record("attach.failed", map[string]any{"tabId": tabID, "targetId": reply.TargetID, "reason": ErrShutdown.Error()})
		}
		return "", "", ErrShutdown
	}
}

func (inst *Instance) dropPendingAttach(targetID string) {
	inst.mu.Lock()
	delete(inst.pendingAttachByTarget, targetID)
	inst.mu.Unlock()
}

// healthSnapshot backs GET /health — counts only, no titles/URLs/tokens.
type healthSnapshot struct {
	Status             string `json:"status"`
	ExtensionConnected bool   `json:"extensionConnected"`
	AttachedCount      int    `json:"attachedCount"`
	DiscoveredCount    int    `json:"discoveredCount"`
	CdpClientCount     int    `json:"cdpClientCount"`
}

func (inst *Instance) health() healthSnapshot {
	attachedCount, discoveredCount := inst.reg.counts()
	return healthSnapshot{
		Status:             "ok",
		ExtensionConnected: inst.ext.isConnected(),
		AttachedCount:      attachedCount,
		DiscoveredCount:    discoveredCount,
		CdpClientCount:     inst.hub.count(),
	}
}

// wsURLFor builds the token-bearing /cdp URL advertised in /json/version and
// /json/list rows.
func (inst *Instance) wsURLFor(string) string {
	return fmt.Sprintf("ws://%s:%d/cdp?token=%s", inst.Host, inst.Port, inst.Token)
}

func (inst *Instance) close() {
	inst.shutdown.cancel()
	inst.hub.closeAll()
	inst.ext.forceClose()
	inst.failAllPendingAttaches(ErrShutdown)
}

// onExtensionLinkDisconnected implements extensionDisconnectObserver. Per
// §4.2, losing the extension must fail every attach still waiting on its
// matching Target.attachedToTarget event — otherwise a disconnect mid-attach
// just sits until AttachTimeout instead of failing immediately.
func (inst *Instance) onExtensionLinkDisconnected() {
	inst.failAllPendingAttaches(ErrExtensionUnavailable)
}

func (inst *Instance) failAllPendingAttaches(err error) {
	inst.mu.Lock()
	pending := inst.pendingAttachByTarget
	inst.pendingAttachByTarget = make(map[string]*pendingAttach)
	inst.mu.Unlock()

	for targetID, pa := range pending {
		inst.diag.Record("attach.failed", map[string]any{"tabId": pa.tabID, "targetId": targetID, "reason": err.Error()})
		pa.resultChan <- attachResult{err: err}
	}
}
