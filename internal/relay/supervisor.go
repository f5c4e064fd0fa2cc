package relay

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// supervisorState is the process-wide singleton the spec asks for: a private,
// mutex-guarded map rather than hidden package-init state, so its lifetime is
// explicit and testable (each test can spin up its own Instances without
// touching this map if it talks to the package's constructors directly).
type supervisorState struct {
	mu        sync.Mutex
	instances map[string]*Instance
	log       *zap.Logger
}

var supervisor = &supervisorState{
	instances: make(map[string]*Instance),
	log:       zap.NewNop(),
}

// SetLogger installs the *zap.Logger every future Instance is constructed
// with. Call once at process startup; defaults to a no-op logger so the
// package is usable without one.
func SetLogger(log *zap.Logger) {
	supervisor.mu.Lock()
	defer supervisor.mu.Unlock()
	supervisor.log = log
}

// EnsureRelay is the Relay Supervisor's ensureRelay(cdpUrl): idempotent
// get-or-create keyed by cdpUrl. The host and port to bind are parsed out of
// cdpUrl itself — it names where this relay should listen, not a real
// browser debugger endpoint.
func EnsureRelay(cdpURL string, cfg Config) (*Instance, error) {
	supervisor.mu.Lock()
	defer supervisor.mu.Unlock()

	if inst, ok := supervisor.instances[cdpURL]; ok {
		return inst, nil
	}

	host, port, err := parseBindAddr(cdpURL, cfg)
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}

	inst, err := newInstance(cdpURL, host, port, cfg, supervisor.log.With(zap.String("cdpUrl", cdpURL)))
	if err != nil {
		return nil, err
	}

	if err := inst.start(); err != nil {
		return nil, fmt.Errorf("relay: start %s: %w", cdpURL, err)
	}

	supervisor.instances[cdpURL] = inst
	return inst, nil
}

// StopRelay is stopRelay(cdpUrl): tears down and removes the Instance. A
// cdpUrl with no running Instance is a no-op, matching the idempotent spirit
// of EnsureRelay.
func StopRelay(cdpURL string) error {
	supervisor.mu.Lock()
	inst, ok := supervisor.instances[cdpURL]
	if ok {
		delete(supervisor.instances, cdpURL)
	}
	supervisor.mu.Unlock()

	if !ok {
		return nil
	}
	return inst.stop()
}

// LookupRelay returns the running Instance for cdpUrl, if any — used by the
// `relayd token` debug command and by tests.
func LookupRelay(cdpURL string) (*Instance, bool) {
	supervisor.mu.Lock()
	defer supervisor.mu.Unlock()
	inst, ok := supervisor.instances[cdpURL]
	return inst, ok
}

// GetRelayAuthHeaders is the Relay Supervisor's getRelayAuthHeaders(cdpUrl)
// (§4.1): it surfaces the bearer token of the running Instance for cdpUrl as
// a ready-to-use header set, for in-process callers that need to make their
// own authenticated request against the relay (e.g. the CLI's `token`
// command, or a Playwright-style ConnectOverCDP caller) without reaching
// into Instance internals themselves. Returns nil, same as a missing-header
// map, when no relay is running for cdpUrl — callers that need to
// distinguish "not running" from "running, unauthenticated" should call
// LookupRelay directly.
func GetRelayAuthHeaders(cdpURL string) map[string]string {
	inst, ok := LookupRelay(cdpURL)
	if !ok {
		return nil
	}
	return map[string]string{
		"Authorization": "Bearer " + inst.Token,
	}
}

func parseBindAddr(cdpURL string, cfg Config) (host string, port int, err error) {
	u, err := url.Parse(cdpURL)
	if err != nil {
		return "", 0, fmt.Errorf("parse cdpUrl: %w", err)
	}

	host = u.Hostname()
	if host == "" {
		host = cfg.Host
	}

	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("parse cdpUrl port: %w", err)
		}
		return host, port, nil
	}

	return host, cfg.Port, nil
}

func (inst *Instance) start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(inst.Host, strconv.Itoa(inst.Port)))
	if err != nil {
		return err
	}
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		inst.Port = tcpAddr.Port
	}

	inst.srv = newHTTPServer(inst)

	inst.eg.Go(func() error {
		if err := inst.srv.app.Listener(ln); err != nil {
			inst.log.Debug("http listener stopped", zap.Error(err))
		}
		return nil
	})

	inst.diag.Record("relay.started", map[string]any{"host": inst.Host, "port": inst.Port})
	return nil
}

func (inst *Instance) stop() error {
	inst.close()
	shutdownErr := inst.srv.shutdown()
	_ = inst.eg.Wait()
	inst.diag.Record("relay.stopped", nil)
	return shutdownErr
}
