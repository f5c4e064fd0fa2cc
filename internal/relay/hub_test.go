package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// insertFakeClient registers a client directly in the hub's table without a
// real socket — broadcast/unicast only ever touch writeCh on the success
// path, so this is enough to observe dispatch without a live connection.
func insertFakeClient(h *hub, id string) *cdpClient {
	c := &cdpClient{id: id, writeCh: make(chan []byte, h.queueCap), closed: make(chan struct{})}
	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()
	return c
}

func drainFrame(t *testing.T, ch chan []byte) map[string]any {
	t.Helper()
	select {
	case raw := <-ch:
		var out map[string]any
		require.NoError(t, json.Unmarshal(raw, &out))
		return out
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	h := newHub(8, zap.NewNop())
	a := insertFakeClient(h, "a")
	b := insertFakeClient(h, "b")

	h.broadcast("Network.requestWillBeSent", map[string]any{"requestId": "1"})

	for _, c := range []*cdpClient{a, b} {
		frame := drainFrame(t, c.writeCh)
		require.Equal(t, "Network.requestWillBeSent", frame["method"])
	}
}

func TestHub_UnicastOnlyReachesTargetClient(t *testing.T) {
	h := newHub(8, zap.NewNop())
	a := insertFakeClient(h, "a")
	b := insertFakeClient(h, "b")

	h.sendResult("a", 7, map[string]any{"ok": true})

	frame := drainFrame(t, a.writeCh)
	require.Equal(t, float64(7), frame["id"])

	select {
	case <-b.writeCh:
		t.Fatal("unicast leaked to a client it wasn't addressed to")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_UnicastToUnknownClientIsNoop(t *testing.T) {
	h := newHub(8, zap.NewNop())
	require.NotPanics(t, func() {
		h.sendResult("does-not-exist", 1, map[string]any{})
	})
}

func TestHub_SendErrorShapesCDPErrorObject(t *testing.T) {
	h := newHub(8, zap.NewNop())
	a := insertFakeClient(h, "a")

	h.sendError("a", 3, cdpCodeSessionNotFound, "No session with given id")

	frame := drainFrame(t, a.writeCh)
	errObj, ok := frame["error"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(cdpCodeSessionNotFound), errObj["code"])
	require.Equal(t, "No session with given id", errObj["message"])
}

func TestHub_CountReflectsRegisteredClients(t *testing.T) {
	h := newHub(8, zap.NewNop())
	require.Equal(t, 0, h.count())
	insertFakeClient(h, "a")
	insertFakeClient(h, "b")
	require.Equal(t, 2, h.count())
}

func TestHub_EnqueueWithinCapacityNeverBlocksOrDrops(t *testing.T) {
	h := newHub(4, zap.NewNop())
	c := insertFakeClient(h, "a")

	for i := 0; i < 4; i++ {
		h.broadcast("Target.targetInfoChanged", map[string]any{"i": i})
	}

	require.Len(t, c.writeCh, 4)
}
