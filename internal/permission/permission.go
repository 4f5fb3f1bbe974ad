// Package permission implements the permission broker (C4): validating
// session/request_permission calls, auto-resolving them under the
// default policy, or suspending them for an interactive client decision
// with a bounded timeout. The pending-request/resolve-once/timeout-race
// pattern is grounded on the corpus's HTTP API server, which brokers
// permission outcomes across a client boundary the same way: a map of
// pending requests each holding a channel, resolved at most once via
// sync.Once, raced against a timer and the request's own context.
package permission

import (
	"context"
	"sync"
	"time"

	"github.com/m4xw311/acpadapter/internal/applog"
	"github.com/m4xw311/acpadapter/internal/failure"
)

// Policy selects how requests are resolved when no interactive client
// decision is available.
type Policy string

const (
	PolicyAuto        Policy = "auto"
	PolicyInteractive Policy = "interactive"
)

// Outcome is the resolution of a permission request.
type Outcome string

const (
	OutcomeAllowed   Outcome = "allowed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCancelled Outcome = "cancelled"
)

// Option is one of the choices offered to the client for a given request.
type Option struct {
	ID   string `json:"optionId"`
	Kind string `json:"kind"`
}

// Kind values recognized on Option.Kind. Anything else is a validation
// error (§8 property: unknown option kind -> -32602).
const (
	KindAllowOnce   = "allow_once"
	KindAllowAlways = "allow_always"
	KindRejectOnce  = "reject_once"
	KindRejectAlways = "reject_always"
)

var validOptionKinds = map[string]bool{
	KindAllowOnce:    true,
	KindAllowAlways:  true,
	KindRejectOnce:   true,
	KindRejectAlways: true,
}

// ToolKind classifies the action being gated, used by the default policy
// table to decide auto-allow vs auto-reject.
type ToolKind string

// safeKinds are auto-allowed under the default policy; the mutating kinds
// (edit/delete/move/execute) are auto-rejected, and any other kind takes
// the request's first option. Grounded on SPEC_FULL.md §4.4's tool kind
// taxonomy (read/search/think/fetch vs edit/delete/execute/move).
var safeKinds = map[ToolKind]bool{
	"read":   true,
	"search": true,
	"think":  true,
	"fetch":  true,
}

// IsSafe reports whether kind is auto-allowed by the default policy.
func IsSafe(kind ToolKind) bool {
	return safeKinds[kind]
}

// Request is one pending permission decision.
type Request struct {
	SessionID string
	ToolCall  string
	Kind      ToolKind
	Options   []Option
}

// Result is the resolved decision, including which option (if any) the
// client picked.
type Result struct {
	Outcome  Outcome
	OptionID string
}

type pending struct {
	req  Request
	ch   chan Result
	once sync.Once
}

func (p *pending) resolve(res Result) {
	p.once.Do(func() {
		p.ch <- res
	})
}

// Broker brokers permission decisions for in-flight tool calls.
type Broker struct {
	policy Policy
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pending
}

// New constructs a Broker. timeout bounds how long an interactive request
// waits for a client decision before auto-rejecting (default 5 minutes
// per SPEC_FULL.md §4.4).
func New(policy Policy, timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Broker{policy: policy, timeout: timeout, pending: make(map[string]*pending)}
}

// Validate checks a request's shape before it is ever brokered: missing
// session, missing tool call, no options, or an unrecognized option kind
// are all -32602 validation errors, never silently coerced.
func Validate(req Request) error {
	if req.SessionID == "" {
		return failure.Newf(failure.KindValidation, "permission request missing sessionId")
	}
	if req.ToolCall == "" {
		return failure.Newf(failure.KindValidation, "permission request missing toolCall")
	}
	if len(req.Options) == 0 {
		return failure.Newf(failure.KindValidation, "permission request has no options")
	}
	for _, opt := range req.Options {
		if !validOptionKinds[opt.Kind] {
			return failure.Newf(failure.KindValidation, "permission option %q has unknown kind %q", opt.ID, opt.Kind)
		}
	}
	return nil
}

// Request brokers req to a decision. Under PolicyAuto it resolves
// immediately using the safe/mutating split. Under PolicyInteractive it
// registers a pending entry, keyed by requestID, and blocks until the
// client resolves it (via Resolve), the timeout elapses, or ctx is
// cancelled (which resolves as OutcomeCancelled, matching cancellation of
// the owning session).
func (b *Broker) Request(ctx context.Context, requestID string, req Request) (Result, error) {
	if err := Validate(req); err != nil {
		return Result{}, err
	}

	log := applog.WithSession(req.SessionID)

	if b.policy != PolicyInteractive {
		return b.autoResolve(req), nil
	}

	p := &pending{req: req, ch: make(chan Result, 1)}
	b.mu.Lock()
	b.pending[requestID] = p
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res := <-p.ch:
		return res, nil
	case <-timer.C:
		log.Warn("permission request timed out, auto-rejecting", "requestId", requestID)
		p.resolve(Result{Outcome: OutcomeRejected})
		return Result{Outcome: OutcomeRejected}, nil
	case <-ctx.Done():
		p.resolve(Result{Outcome: OutcomeCancelled})
		select {
		case res := <-p.ch:
			return res, nil
		default:
			return Result{Outcome: OutcomeCancelled}, ctx.Err()
		}
	}
}

func (b *Broker) autoResolve(req Request) Result {
	if IsSafe(req.Kind) {
		for _, opt := range req.Options {
			if opt.Kind == KindAllowOnce || opt.Kind == KindAllowAlways {
				return Result{Outcome: OutcomeAllowed, OptionID: opt.ID}
			}
		}
	}
	mutating := req.Kind == "edit" || req.Kind == "delete" || req.Kind == "move" || req.Kind == "execute"
	if !IsSafe(req.Kind) && !mutating {
		first := req.Options[0]
		if first.Kind == KindAllowOnce || first.Kind == KindAllowAlways {
			return Result{Outcome: OutcomeAllowed, OptionID: first.ID}
		}
		return Result{Outcome: OutcomeRejected, OptionID: first.ID}
	}
	for _, opt := range req.Options {
		if opt.Kind == KindRejectOnce || opt.Kind == KindRejectAlways {
			return Result{Outcome: OutcomeRejected, OptionID: opt.ID}
		}
	}
	return Result{Outcome: OutcomeRejected}
}

// Resolve delivers a client's decision for a pending interactive request.
// Returns false if requestID has no pending entry (already resolved,
// timed out, or unknown).
func (b *Broker) Resolve(requestID string, optionID string) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return false
	}

	outcome := OutcomeRejected
	for _, opt := range p.req.Options {
		if opt.ID == optionID && (opt.Kind == KindAllowOnce || opt.Kind == KindAllowAlways) {
			outcome = OutcomeAllowed
			break
		}
	}
	p.resolve(Result{Outcome: outcome, OptionID: optionID})
	return true
}

// CancelSession resolves every pending request belonging to sessionID as
// cancelled, used when session/cancel fans out across components.
func (b *Broker) CancelSession(sessionID string) {
	b.mu.Lock()
	var matched []*pending
	for _, p := range b.pending {
		if p.req.SessionID == sessionID {
			matched = append(matched, p)
		}
	}
	b.mu.Unlock()

	for _, p := range matched {
		p.resolve(Result{Outcome: OutcomeCancelled})
	}
}
