package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func marshalHelper(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testInstance(t *testing.T) *Instance {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AttachTimeout = time.Second
	inst, err := newInstance("ws://127.0.0.1:9222/devtools/browser/abc", "127.0.0.1", 0, cfg, zap.NewNop())
	require.NoError(t, err)

	inst.ext.mu.Lock()
	inst.ext.present = true
	inst.ext.writeCh = make(chan []byte, 8)
	inst.ext.mu.Unlock()

	t.Cleanup(inst.close)
	return inst
}

// drainExtCall reads the outbound extension call frame and reports its id.
func drainExtCall(t *testing.T, inst *Instance) int64 {
	t.Helper()
	select {
	case raw := <-inst.ext.writeCh:
		var frame struct {
			ID int64 `json:"id"`
		}
		require.NoError(t, json.Unmarshal(raw, &frame))
		return frame.ID
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for attachDiscoveredTab call")
		return 0
	}
}

func TestInstance_AttachDiscoveredTab_RPCReplyArrivesBeforeEvent(t *testing.T) {
	inst := testInstance(t)

	resultCh := make(chan struct {
		targetID, sessionID string
		err                 error
	}, 1)
	go func() {
		targetID, sessionID, err := inst.attachDiscoveredTab(300)
		resultCh <- struct {
			targetID, sessionID string
			err                 error
		}{targetID, sessionID, err}
	}()

	id := drainExtCall(t, inst)
	inst.ext.handleInbound(marshalHelper(t, map[string]any{
		"id":     id,
		"result": map[string]any{"sessionId": "cb-1", "targetId": "real-300"},
	}))

	// Event arrives after the RPC reply.
	inst.onTargetAttached("cb-1", "real-300")

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		require.Equal(t, "real-300", res.targetID)
		require.Equal(t, "cb-1", res.sessionID)
	case <-time.After(time.Second):
		t.Fatal("attachDiscoveredTab never resolved")
	}
}

func TestInstance_AttachDiscoveredTab_EventArrivesBeforeRPCReply(t *testing.T) {
	inst := testInstance(t)

	resultCh := make(chan struct {
		targetID, sessionID string
		err                 error
	}, 1)
	go func() {
		targetID, sessionID, err := inst.attachDiscoveredTab(400)
		resultCh <- struct {
			targetID, sessionID string
			err                 error
		}{targetID, sessionID, err}
	}()

	id := drainExtCall(t, inst)

	// The attach event beats the RPC reply back to the relay.
	inst.onTargetAttached("cb-2", "real-400")

	inst.ext.handleInbound(marshalHelper(t, map[string]any{
		"id":     id,
		"result": map[string]any{"sessionId": "cb-2", "targetId": "real-400"},
	}))

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		require.Equal(t, "real-400", res.targetID)
		require.Equal(t, "cb-2", res.sessionID)
	case <-time.After(time.Second):
		t.Fatal("attachDiscoveredTab never resolved")
	}
}

func TestInstance_AttachDiscoveredTab_ExtensionRPCFails(t *testing.T) {
	inst := testInstance(t)

	resultCh := make(chan error, 1)
	go func() {
		_, _, err := inst.attachDiscoveredTab(500)
		resultCh <- err
	}()

	id := drainExtCall(t, inst)
	inst.ext.handleInbound(marshalHelper(t, map[string]any{
		"id":    id,
		"error": map[string]any{"code": -32000, "message": "no such tab"},
	}))

	select {
	case err := <-resultCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("attachDiscoveredTab never resolved")
	}
}

func TestInstance_AttachDiscoveredTab_TimesOutIfEventNeverArrives(t *testing.T) {
	inst := testInstance(t)
	inst.cfg.AttachTimeout = 50 * time.Millisecond

	resultCh := make(chan error, 1)
	go func() {
		_, _, err := inst.attachDiscoveredTab(600)
		resultCh <- err
	}()

	id := drainExtCall(t, inst)
	inst.ext.handleInbound(marshalHelper(t, map[string]any{
		"id":     id,
		"result": map[string]any{"sessionId": "cb-3", "targetId": "real-600"},
	}))
	// No onTargetAttached call — the event never shows up.

	select {
	case err := <-resultCh:
		require.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("attachDiscoveredTab never timed out")
	}
}

func TestInstance_HealthReflectsRegistryAndHubState(t *testing.T) {
	inst := testInstance(t)
	inst.reg.onAttachedToTarget("sess-1", "t1", "Example", "https://example.com", false)
	inst.reg.onTabsDiscovered([]DiscoveredTab{{TabID: 1, Title: "A", URL: "https://a.example"}})
	insertFakeClient(inst.hub, "client-1")
	t.Cleanup(func() {
		inst.hub.mu.Lock()
		delete(inst.hub.clients, "client-1")
		inst.hub.mu.Unlock()
	})

	snap := inst.health()
	require.Equal(t, "ok", snap.Status)
	require.True(t, snap.ExtensionConnected)
	require.Equal(t, 1, snap.AttachedCount)
	require.Equal(t, 1, snap.DiscoveredCount)
	require.Equal(t, 1, snap.CdpClientCount)
}

func TestInstance_CloseFailsPendingAttachesWithShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AttachTimeout = 5 * time.Second
	inst, err := newInstance("ws://127.0.0.1:9222/devtools/browser/abc", "127.0.0.1", 0, cfg, zap.NewNop())
	require.NoError(t, err)
	inst.ext.mu.Lock()
	inst.ext.present = true
	inst.ext.writeCh = make(chan []byte, 8)
	inst.ext.mu.Unlock()

	resultCh := make(chan error, 1)
	go func() {
		_, _, err := inst.attachDiscoveredTab(700)
		resultCh <- err
	}()

	id := drainExtCall(t, inst)
	inst.ext.handleInbound(marshalHelper(t, map[string]any{
		"id":     id,
		"result": map[string]any{"sessionId": "cb-4", "targetId": "real-700"},
	}))

	require.Eventually(t, func() bool {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		_, ok := inst.pendingAttachByTarget["real-700"]
		return ok
	}, time.Second, time.Millisecond)

	inst.close()

	select {
	case err := <-resultCh:
		require.ErrorIs(t, err, ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("pending attach was never failed by close")
	}
}

func TestInstance_ExtensionDisconnectFailsPendingAttachWithExtensionUnavailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AttachTimeout = 5 * time.Second
	inst, err := newInstance("ws://127.0.0.1:9222/devtools/browser/abc", "127.0.0.1", 0, cfg, zap.NewNop())
	require.NoError(t, err)
	inst.ext.mu.Lock()
	inst.ext.present = true
	inst.ext.writeCh = make(chan []byte, 8)
	inst.ext.pingStop = make(chan struct{})
	inst.ext.mu.Unlock()
	t.Cleanup(inst.close)

	resultCh := make(chan error, 1)
	go func() {
		_, _, err := inst.attachDiscoveredTab(800)
		resultCh <- err
	}()

	id := drainExtCall(t, inst)
	inst.ext.handleInbound(marshalHelper(t, map[string]any{
		"id":     id,
		"result": map[string]any{"sessionId": "cb-5", "targetId": "real-800"},
	}))

	// Registered as a pendingAttach waiting on the attach event, which will
	// now never arrive because the extension is about to drop.
	require.Eventually(t, func() bool {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		_, ok := inst.pendingAttachByTarget["real-800"]
		return ok
	}, time.Second, time.Millisecond)

	// Simulate the extension socket dropping — not a relay shutdown, so the
	// outer shutdown context stays live and must not be what resolves this.
	inst.ext.release()

	select {
	case err := <-resultCh:
		require.ErrorIs(t, err, ErrExtensionUnavailable)
	case <-time.After(time.Second):
		t.Fatal("pending attach was never failed by extension disconnect")
	}
}
