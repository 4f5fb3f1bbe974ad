// Package extension implements the namespaced custom-method registry
// (C3): adapters may expose methods and notifications outside the base
// protocol as long as they're namespaced "_namespace/method", and they're
// advertised to the client during initialize via the _meta field rather
// than a fixed capability list. Grounded on the upstream assistant's own
// acp package, which dispatches on a flat method string; this registry
// generalizes that into an explicit namespace-validated table so the mux
// (C2) can fall through to it for anything it doesn't recognize natively.
package extension

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/m4xw311/acpadapter/internal/failure"
)

// MethodHandler answers one extension request.
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler answers one extension notification.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// Registry holds every registered extension method/notification, grouped
// by namespace for capability advertisement.
type Registry struct {
	mu            sync.RWMutex
	methods       map[string]MethodHandler
	notifications map[string]NotificationHandler
	namespaces    map[string]map[string]bool
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		methods:       make(map[string]MethodHandler),
		notifications: make(map[string]NotificationHandler),
		namespaces:    make(map[string]map[string]bool),
	}
}

// namespaceAndName splits "_namespace/method" and validates the leading
// underscore that marks a method as an extension rather than a base
// protocol method.
func namespaceAndName(method string) (namespace, name string, err error) {
	if !strings.HasPrefix(method, "_") {
		return "", "", failure.Newf(failure.KindValidation, "extension method %q must start with '_'", method)
	}
	parts := strings.SplitN(method[1:], "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", failure.Newf(failure.KindValidation, "extension method %q must be of the form _namespace/method", method)
	}
	return parts[0], parts[1], nil
}

func (r *Registry) track(namespace, method string) {
	if r.namespaces[namespace] == nil {
		r.namespaces[namespace] = make(map[string]bool)
	}
	r.namespaces[namespace][method] = true
}

// RegisterMethod registers an extension request handler. Returns an error
// if method is not validly namespaced.
func (r *Registry) RegisterMethod(method string, h MethodHandler) error {
	namespace, _, err := namespaceAndName(method)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method] = h
	r.track(namespace, method)
	return nil
}

// RegisterNotification registers an extension notification handler.
func (r *Registry) RegisterNotification(method string, h NotificationHandler) error {
	namespace, _, err := namespaceAndName(method)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications[method] = h
	r.track(namespace, method)
	return nil
}

// Dispatch satisfies rpc.UnknownMethodHandler: it is consulted by the mux
// for any method it has no native handler for.
func (r *Registry) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, bool, error) {
	r.mu.RLock()
	h, ok := r.methods[method]
	r.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	result, err := h(ctx, params)
	return result, true, err
}

// DispatchNotification satisfies rpc.UnknownNotificationHandler.
func (r *Registry) DispatchNotification(ctx context.Context, method string, params json.RawMessage) bool {
	r.mu.RLock()
	h, ok := r.notifications[method]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	h(ctx, params)
	return true
}

// Capabilities returns the advertised extension surface grouped by
// namespace, suitable for embedding in initialize's _meta field:
//
//	{"_meta": {"namespace": ["method", ...], ...}}
func (r *Registry) Capabilities() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.namespaces))
	for ns, methods := range r.namespaces {
		names := make([]string, 0, len(methods))
		for m := range methods {
			names = append(names, m)
		}
		out[ns] = names
	}
	return out
}
