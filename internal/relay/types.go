package relay

import (
	"context"
	"strconv"
	"time"
)

// AttachedTarget is a tab the extension has hooked into. It is the
// authoritative record behind every "page" row the CDP router can route
// commands to.
type AttachedTarget struct {
	TargetID           string
	SessionID          string
	Type               string // always "page" — the only type this relay routes
	Title              string
	URL                string
	WaitingForDebugger bool
}

// DiscoveredTab is a tab the extension has reported but not attached to.
// Its synthetic target id is always "dtab-<TabID>".
type DiscoveredTab struct {
	TabID  int64
	Title  string
	URL    string
	Active bool
}

func (d DiscoveredTab) syntheticTargetID() string {
	return dtabPrefix + strconv.FormatInt(d.TabID, 10)
}

const dtabPrefix = "dtab-"

// pendingAttach tracks one in-flight POST /json/attach/dtab-<id> call that is
// still waiting on its Target.attachedToTarget event — the extension's RPC
// result already arrived (otherwise attachDiscoveredTab would never have
// registered it), so resolution here is solely the event side of the race;
// the other order is handled by Instance.recentAttachEvents instead.
type pendingAttach struct {
	tabID    int64
	deadline time.Time

	sessionID string
	targetID  string

	resultChan chan attachResult
}

type attachResult struct {
	targetID  string
	sessionID string
	err       error
}

// pendingExtensionCall tracks one outstanding relay->extension RPC.
type pendingExtensionCall struct {
	id       int64
	method   string
	deadline time.Time
	resolve  chan extensionCallResult
}

type extensionCallResult struct {
	result rawJSON
	err    error
}

// rawJSON is an alias used to keep dynamic, schema-less CDP/extension payload
// fragments intact while routing them — per design notes, inbound JSON is
// treated as an open object and unknown fields are passed through verbatim.
type rawJSON = []byte

// Config is the set of knobs ensureRelay accepts beyond the cdpUrl it is
// keyed by.
type Config struct {
	Host            string
	Port            int // 0 = pick an ephemeral port
	PingInterval    time.Duration
	MissedPongLimit int
	AttachTimeout   time.Duration
	CallTimeout     time.Duration
	WriteQueueCap   int
}

// DefaultConfig returns the relay's out-of-the-box tuning, matching the
// defaults named in the spec (10s attach timeout, bounded write queues).
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            0,
		PingInterval:    15 * time.Second,
		MissedPongLimit: 3,
		AttachTimeout:   10 * time.Second,
		CallTimeout:     10 * time.Second,
		WriteQueueCap:   256,
	}
}

// shutdownCtx is threaded through long-lived goroutines so stopRelay can
// cancel suspension points without each component inventing its own
// cancellation channel.
type shutdownCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newShutdownCtx() shutdownCtx {
	ctx, cancel := context.WithCancel(context.Background())
	return shutdownCtx{ctx: ctx, cancel: cancel}
}
