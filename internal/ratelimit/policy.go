package ratelimit

import (
	"fmt"
	"time"
)

// EndpointClass names a category of metered routes sharing one policy.
// The enumeration is closed: classes absent from the policy table are
// unmetered on purpose, not by omission.
type EndpointClass string

const (
	ClassLogin                EndpointClass = "login"
	ClassRegister             EndpointClass = "register"
	ClassVerifyEmail          EndpointClass = "verify_email"
	ClassPasswordResetRequest EndpointClass = "password_reset_request"
	ClassPasswordResetConfirm EndpointClass = "password_reset_confirm"
)

// Policy is a token-bucket policy: at most Capacity tokens, gaining
// RefillTokens every RefillInterval (discrete refill, not a continuous drip).
type Policy struct {
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
}

func (p Policy) validate(class EndpointClass) error {
	if p.Capacity <= 0 {
		return fmt.Errorf("policy for %q: capacity must be positive, got %d", class, p.Capacity)
	}
	if p.RefillTokens <= 0 {
		return fmt.Errorf("policy for %q: refill tokens must be positive, got %d", class, p.RefillTokens)
	}
	if p.RefillInterval <= 0 {
		return fmt.Errorf("policy for %q: refill interval must be positive, got %v", class, p.RefillInterval)
	}
	return nil
}

// RouteTable maps (method, path) pairs to endpoint classes. Metering is keyed
// on both: a GET to a path whose POST is metered must pass freely.
type RouteTable struct {
	routes map[routeKey]EndpointClass
}

type routeKey struct {
	method string
	path   string
}

func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[routeKey]EndpointClass)}
}

// Register binds one method+path to a class. Later registrations of the same
// pair win, matching how deployments override defaults.
func (t *RouteTable) Register(method, path string, class EndpointClass) *RouteTable {
	t.routes[routeKey{method: method, path: path}] = class
	return t
}

// Classify resolves an inbound request to its endpoint class. The second
// return is false for unregistered pairs, which the middleware admits
// without touching bucket state.
func (t *RouteTable) Classify(method, path string) (EndpointClass, bool) {
	class, ok := t.routes[routeKey{method: method, path: path}]
	return class, ok
}
