// Package callback maps stable string names to caller-owned automation
// functions. Jobs reference callbacks by name so the reference survives
// persistence and process restarts.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shrey150/stagehand-jobs/pkg/core"
	"github.com/shrey150/stagehand-jobs/pkg/security"
)

// ConnectInfo is what a callback needs to attach to its session.
type ConnectInfo struct {
	SessionID  string `json:"sessionId"`
	ProviderID string `json:"providerId"`
	ConnectURL string `json:"connectUrl"`
	DebugURL   string `json:"debugUrl,omitempty"`
}

// Invocation carries one dispatch to a callback.
type Invocation struct {
	JobID   string          `json:"jobId"`
	Session ConnectInfo     `json:"session"`
	Params  json.RawMessage `json:"params"`
}

// Reporter is the completion channel for dispatched callbacks. A callback
// MUST, on every code path including its own internal errors, invoke
// exactly one of the two report operations for its job; failing to do so
// leaves the job running until the timeout watchdog fires.
type Reporter interface {
	ReportSuccess(ctx context.Context, jobID string, result json.RawMessage, usage *core.SessionUsage) error
	ReportFailure(ctx context.Context, jobID string, errMsg string) error
}

// Func is a registered automation callback. The dispatcher does not await
// a return value; the outcome arrives through the Reporter.
type Func func(ctx context.Context, rep Reporter, inv Invocation)

// Registry holds named callbacks.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Func
}

// NewRegistry creates an empty callback registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Func)}
}

// Register binds a name to a callback. Names must be alphanumeric
// (starting with a letter), max 255 chars.
func (r *Registry) Register(name string, fn Func) error {
	if err := security.ValidateCallbackName(name); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("jobs: callback for %q cannot be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = fn
	return nil
}

// Lookup returns the callback registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}
