// Copyright 2025 Toolmux Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmux/toolmux/internal/common"
	"github.com/toolmux/toolmux/internal/config"
	"github.com/toolmux/toolmux/internal/index"
)

const (
	// connectRetries is how many extra attempts a failed connect gets before
	// the downstream enters cooldown.
	connectRetries = 2
	retryBackoff   = 250 * time.Millisecond

	probeInterval     = 30 * time.Second
	probeTimeout      = 5 * time.Second
	probeFailureLimit = 3

	cooldownMin = 10 * time.Second
	cooldownMax = 10 * time.Minute

	shutdownGrace = 2 * time.Second
	shutdownTotal = 5 * time.Second
)

// Manager owns at most one live connection per downstream name. It serializes
// connection establishment per name, applies cooldown after repeated failures
// and probes live connections in the background.
type Manager struct {
	profile *config.Profile

	// dial builds transports for new connections. Tests swap it for in-memory
	// transports backed by an in-process server.
	dial transportFunc

	mu         sync.Mutex
	entries    map[string]*managedEntry
	clientInfo *mcp.Implementation

	inflight sync.WaitGroup
}

// managedEntry tracks one downstream's connection and failure state. Its
// mutex is held across connect attempts, which is what makes concurrent
// acquires share a single spawn.
type managedEntry struct {
	mu            sync.Mutex
	conn          *DownstreamConnection
	probeFailures int
	cooldownUntil time.Time
	cooldownStep  time.Duration
}

// NewManager creates a manager for a profile. No connections are opened.
func NewManager(profile *config.Profile) *Manager {
	return &Manager{
		profile: profile,
		dial:    createTransport,
		entries: make(map[string]*managedEntry),
	}
}

// SetClientInfo records the upstream client identity. Connections opened
// afterwards forward it verbatim in their downstream initialize.
func (m *Manager) SetClientInfo(info *mcp.Implementation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientInfo = info
}

func (m *Manager) getClientInfo() *mcp.Implementation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientInfo
}

func (m *Manager) entry(name string) *managedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		e = &managedEntry{}
		m.entries[name] = e
	}
	return e
}

// Acquire returns a live connection for a configured downstream, opening one
// if necessary. Downstreams in cooldown fail fast with a retry hint.
func (m *Manager) Acquire(ctx context.Context, name string) (*DownstreamConnection, error) {
	spec := m.profile.Downstreams.Get(name)
	if spec == nil {
		return nil, common.NotFoundf("downstream %q is not configured in profile %s", name, m.profile.Name)
	}

	e := m.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()

	if remaining := time.Until(e.cooldownUntil); remaining > 0 {
		return nil, common.Unavailablef(remaining, "downstream %q is cooling down after repeated failures", name)
	}
	if e.conn != nil && e.conn.IsConnected() {
		return e.conn, nil
	}

	conn := NewDownstreamConnection(name, spec, m.getClientInfo(), m.dial)
	var lastErr error
	for attempt := 0; attempt <= connectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * retryBackoff):
			case <-ctx.Done():
				return nil, common.Timeoutf("connect to %q cancelled: %v", name, ctx.Err())
			}
		}
		if lastErr = conn.Connect(ctx); lastErr == nil {
			e.conn = conn
			e.probeFailures = 0
			e.cooldownStep = 0
			return conn, nil
		}
		common.LogWarn("Connect attempt %d to %s failed: %v", attempt+1, name, lastErr)
	}

	retryAfter := m.enterCooldownLocked(e)
	return nil, common.Unavailablef(retryAfter, "downstream %q is unreachable: %v", name, lastErr)
}

// enterCooldownLocked closes the entry's connection and starts or extends its
// cooldown. Steps grow exponentially from 10s to 10min with up to 20% jitter.
// Jitter only ever extends the step, so the reported retry hint is never below
// the base cooldown. Caller holds e.mu.
func (m *Manager) enterCooldownLocked(e *managedEntry) time.Duration {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	if e.cooldownStep == 0 {
		e.cooldownStep = cooldownMin
	} else {
		e.cooldownStep *= 2
		if e.cooldownStep > cooldownMax {
			e.cooldownStep = cooldownMax
		}
	}
	jittered := e.cooldownStep + time.Duration(rand.Float64()*0.2*float64(e.cooldownStep))
	e.cooldownUntil = time.Now().Add(jittered)
	e.probeFailures = 0
	return jittered
}

// Call forwards one tools/call to a downstream, applying the per-downstream
// deadline and retrying transient transport failures.
func (m *Manager) Call(ctx context.Context, name, tool string, args map[string]any, meta mcp.Meta) (*mcp.CallToolResult, error) {
	m.inflight.Add(1)
	defer m.inflight.Done()

	spec := m.profile.Downstreams.Get(name)
	if spec == nil {
		return nil, common.NotFoundf("downstream %q is not configured in profile %s", name, m.profile.Name)
	}

	callCtx, cancel := context.WithTimeout(ctx, common.GetSecondsFromInt(spec.CallTimeoutSeconds()))
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= connectRetries; attempt++ {
		conn, err := m.Acquire(callCtx, name)
		if err != nil {
			return nil, err
		}
		result, err := conn.CallTool(callCtx, tool, args, meta)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			return nil, common.Timeoutf("call to %s:%s exceeded its %ds deadline", name, tool, spec.CallTimeoutSeconds())
		}
		// The session may be dead; drop it so the next attempt reconnects.
		e := m.entry(name)
		e.mu.Lock()
		if e.conn == conn {
			conn.Close()
			e.conn = nil
		}
		e.mu.Unlock()
		common.LogWarn("Call to %s:%s failed (attempt %d): %v", name, tool, attempt+1, err)
	}
	return nil, common.Upstreamf(lastErr, "downstream %q failed to serve %s", name, tool)
}

// ListDownstreamTools connects (if needed) and lists a downstream's tools,
// for reconciliation.
func (m *Manager) ListDownstreamTools(ctx context.Context, name string) ([]index.ListedTool, error) {
	m.inflight.Add(1)
	defer m.inflight.Done()

	conn, err := m.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	tools, err := conn.ListTools(ctx)
	if err != nil {
		e := m.entry(name)
		e.mu.Lock()
		retryAfter := m.enterCooldownLocked(e)
		e.mu.Unlock()
		return nil, common.Unavailablef(retryAfter, "failed to list tools of %q: %v", name, err)
	}
	return tools, nil
}

// Run probes live connections until ctx is cancelled. Three consecutive probe
// failures close the connection and start a cooldown.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Manager) probeAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		e := m.entry(name)
		e.mu.Lock()
		conn := e.conn
		e.mu.Unlock()
		if conn == nil || !conn.IsConnected() {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := conn.Ping(probeCtx)
		cancel()

		e.mu.Lock()
		if err != nil {
			e.probeFailures++
			common.LogWarn("Health probe of %s failed (%d/%d): %v", name, e.probeFailures, probeFailureLimit, err)
			if e.probeFailures >= probeFailureLimit {
				common.LogError("Downstream %s failed %d consecutive probes, entering cooldown", name, probeFailureLimit)
				m.enterCooldownLocked(e)
			}
		} else {
			common.LogDebug("Health probe of %s ok", name)
			e.probeFailures = 0
		}
		e.mu.Unlock()
	}
}

// Shutdown drains in-flight calls for a short grace period, then closes all
// connections. It returns within the shutdown budget regardless.
func (m *Manager) Shutdown() error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		common.LogWarn("Shutdown grace period elapsed with calls still in flight")
	}

	deadline := time.Now().Add(shutdownTotal - shutdownGrace)
	m.mu.Lock()
	entries := make([]*managedEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		if time.Now().After(deadline) {
			return fmt.Errorf("shutdown budget exceeded before all connections closed")
		}
		e.mu.Lock()
		if e.conn != nil {
			e.conn.Close()
			e.conn = nil
		}
		e.mu.Unlock()
	}
	return nil
}
