package relay

import (
	"sync"

	"go.uber.org/zap"
)

// broadcaster is the slice of the CDP Session Hub the registry needs: the
// ability to push a synthetic CDP event to every connected client. Declared
// here (consumer side) so registry.go has no import-time dependency on
// hub.go's concrete type.
type broadcaster interface {
	broadcast(method string, params any)
}

// attachObserver lets the Instance's pending-attach waiters learn about a
// freshly observed Target.attachedToTarget without the registry depending on
// instance.go's concrete type.
type attachObserver interface {
	onTargetAttached(sessionID, targetID string)
}

// registry is the Target Registry (C2): the authoritative, mutex-guarded map
// of attached sessions and discovered tabs for one Instance.
type registry struct {
	mu sync.Mutex

	attachedBySession map[string]*AttachedTarget
	discovered        map[int64]*DiscoveredTab

	hub       broadcaster
	attachObs attachObserver
	diag      *diagnosticsLog
	log       *zap.Logger
}

func newRegistry(hub broadcaster, diag *diagnosticsLog, log *zap.Logger) *registry {
	return &registry{
		attachedBySession: make(map[string]*AttachedTarget),
		discovered:        make(map[int64]*DiscoveredTab),
		hub:               hub,
		diag:              diag,
		log:               log,
	}
}

func (r *registry) setAttachObserver(obs attachObserver) {
	r.mu.Lock()
	r.attachObs = obs
	r.mu.Unlock()
}

// onAttachedToTarget implements the §4.2 insertion rule, including the
// "same sessionId, different targetId" detach-then-reinsert behavior and the
// "same sessionId, same targetId" idempotent refresh.
func (r *registry) onAttachedToTarget(sessionID, targetID, title, url string, waitingForDebugger bool) {
	r.mu.Lock()

	if existing, ok := r.attachedBySession[sessionID]; ok {
		if existing.TargetID == targetID {
			// Refresh only — no detach, no rebroadcast churn beyond the
			// incoming event itself below.
			existing.Title = title
			existing.URL = url
			existing.WaitingForDebugger = waitingForDebugger
			r.mu.Unlock()
			r.hub.broadcast("Target.attachedToTarget", attachedToTargetParams(existing))
			r.recordLocked("attached.refresh", sessionID, targetID)
			return
		}

		// sessionId reused for a different targetId: detach the old target
		// first, then insert and rebroadcast the new one.
		delete(r.attachedBySession, sessionID)
		oldTargetID := existing.TargetID
		r.mu.Unlock()

		r.hub.broadcast("Target.detachedFromTarget", map[string]any{
			"sessionId": sessionID,
			"targetId":  oldTargetID,
		})
		r.diag.Record("target.detached", map[string]any{"sessionId": sessionID, "targetId": oldTargetID, "reason": "sessionId reused"})

		r.mu.Lock()
	}

	target := &AttachedTarget{
		TargetID:           targetID,
		SessionID:          sessionID,
		Type:               "page",
		Title:              title,
		URL:                url,
		WaitingForDebugger: waitingForDebugger,
	}
	r.attachedBySession[sessionID] = target
	obs := r.attachObs
	r.mu.Unlock()

	r.hub.broadcast("Target.attachedToTarget", attachedToTargetParams(target))
	r.recordLocked("attached", sessionID, targetID)

	if obs != nil {
		obs.onTargetAttached(sessionID, targetID)
	}
}

func (r *registry) onDetachedFromTarget(sessionID string) {
	r.mu.Lock()
	target, ok := r.attachedBySession[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.attachedBySession, sessionID)
	targetID := target.TargetID
	r.mu.Unlock()

	r.hub.broadcast("Target.detachedFromTarget", map[string]any{
		"sessionId": sessionID,
		"targetId":  targetID,
	})
	r.recordLocked("detached", sessionID, targetID)
}

func (r *registry) onTargetInfoChanged(targetID, title, url string) {
	r.mu.Lock()
	var found *AttachedTarget
	for _, t := range r.attachedBySession {
		if t.TargetID == targetID {
			t.Title = title
			t.URL = url
			found = t
			break
		}
	}
	r.mu.Unlock()

	if found == nil {
		return
	}
	r.hub.broadcast("Target.targetInfoChanged", map[string]any{
		"targetInfo": targetInfoOf(found),
	})
	r.recordLocked("targetInfoChanged", found.SessionID, targetID)
}

// onTabsDiscovered replaces the discovered-tab set atomically.
func (r *registry) onTabsDiscovered(tabs []DiscoveredTab) {
	fresh := make(map[int64]*DiscoveredTab, len(tabs))
	for i := range tabs {
		t := tabs[i]
		fresh[t.TabID] = &t
	}

	r.mu.Lock()
	r.discovered = fresh
	r.mu.Unlock()

	r.diag.Record("tabs.discovered", map[string]any{"count": len(tabs)})
}

func (r *registry) onTabUpdated(tabID int64, title, url *string, active *bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.discovered[tabID]
	if !ok {
		t = &DiscoveredTab{TabID: tabID}
		r.discovered[tabID] = t
	}
	if title != nil {
		t.Title = *title
	}
	if url != nil {
		t.URL = *url
	}
	if active != nil {
		t.Active = *active
	}
}

func (r *registry) onTabRemoved(tabID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.discovered, tabID)
}

// TargetEntry is the row shape /json/list renders.
type TargetEntry struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
}

// list returns the registry's union view: every attached target, then every
// discovered tab whose normalized URL isn't already represented by an
// attached target.
func (r *registry) list(wsURLFor func(sessionID string) string) []TargetEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	attachedURLs := make(map[string]struct{}, len(r.attachedBySession))
	entries := make([]TargetEntry, 0, len(r.attachedBySession)+len(r.discovered))

	for _, t := range r.attachedBySession {
		attachedURLs[normalizeURL(t.URL)] = struct{}{}
		entries = append(entries, TargetEntry{
			ID:                   t.TargetID,
			Type:                 "page",
			Title:                t.Title,
			URL:                  t.URL,
			WebSocketDebuggerURL: wsURLFor(t.SessionID),
		})
	}

	for _, d := range r.discovered {
		if _, dup := attachedURLs[normalizeURL(d.URL)]; dup {
			continue
		}
		entries = append(entries, TargetEntry{
			ID:    d.syntheticTargetID(),
			Type:  "page",
			Title: d.Title,
			URL:   d.URL,
			// No webSocketDebuggerUrl/faviconUrl for discovered rows — only
			// attached rows are debuggable (spec open question, resolved).
		})
	}

	return entries
}

func (r *registry) attachedBySessionID(sessionID string) (*AttachedTarget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.attachedBySession[sessionID]
	return t, ok
}

func (r *registry) attachedByTargetID(targetID string) (*AttachedTarget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.attachedBySession {
		if t.TargetID == targetID {
			return t, true
		}
	}
	return nil, false
}

// counts reports the raw size of both sets, used by /health — independent
// of the dedup applied by list() since /health reports on registry state,
// not the rendered /json/list view.
func (r *registry) counts() (attached, discovered int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attachedBySession), len(r.discovered)
}

func (r *registry) discoveredTab(tabID int64) (*DiscoveredTab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.discovered[tabID]
	return t, ok
}

// attachedTargets returns a snapshot, used to seed newly connected CDP
// clients (§4.4) and to answer Target.getTargets (§4.5).
func (r *registry) attachedTargets() []*AttachedTarget {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*AttachedTarget, 0, len(r.attachedBySession))
	for _, t := range r.attachedBySession {
		copyT := *t
		out = append(out, &copyT)
	}
	return out
}

// onExtensionDisconnected clears both sets; pending attachments are failed
// elsewhere (the extension link owns the pending-call table, the Instance
// owns pending attaches) since the registry doesn't track either.
func (r *registry) onExtensionDisconnected() {
	r.mu.Lock()
	r.attachedBySession = make(map[string]*AttachedTarget)
	r.discovered = make(map[int64]*DiscoveredTab)
	r.mu.Unlock()

	r.diag.Record("extension.disconnected.registry_cleared", nil)
}

func (r *registry) recordLocked(kind, sessionID, targetID string) {
	r.diag.Record(kind, map[string]any{"sessionId": sessionID, "targetId": targetID})
}

func attachedToTargetParams(t *AttachedTarget) map[string]any {
	return map[string]any{
		"sessionId":          t.SessionID,
		"targetInfo":         targetInfoOf(t),
		"waitingForDebugger": t.WaitingForDebugger,
	}
}

func targetInfoOf(t *AttachedTarget) map[string]any {
	return map[string]any{
		"targetId": t.TargetID,
		"type":     "page",
		"title":    t.Title,
		"url":      t.URL,
		"attached": true,
	}
}
