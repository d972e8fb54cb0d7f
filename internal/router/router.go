// Package router maps agent roles and task kinds to provider/model settings.
package router

import (
	"errors"
	"fmt"
	"sort"
)

type Role string

const (
	RolePlanner  Role = "planner"
	RoleCoder    Role = "coder"
	RoleReviewer Role = "reviewer"

	RoleReasoning         Role = "reasoning"
	RoleToolOrchestration Role = "tool_orchestration"
	RoleCodeGeneration    Role = "code_generation"
	RoleCodeReview        Role = "code_review"
	RoleQuickAnswer       Role = "quick_answer"
)

type Params struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Route is the provider/model selection for one role.
type Route struct {
	Role     Role   `json:"role"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Params   Params `json:"params"`
}

// ConfigurationError reports setup that makes the engine unusable. It is
// raised while wiring, never during a run.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// Router is an immutable role table with a mandatory default entry.
type Router struct {
	routes      map[Role]Route
	defaultRole Role
}

// New copies routes and checks that defaultRole has an entry.
func New(routes map[Role]Route, defaultRole Role) (*Router, error) {
	if defaultRole == "" {
		return nil, configErrorf("no default role set")
	}
	if _, ok := routes[defaultRole]; !ok {
		return nil, configErrorf("default role %q has no route", defaultRole)
	}

	r := &Router{routes: make(map[Role]Route, len(routes)), defaultRole: defaultRole}
	for role, route := range routes {
		if route.Provider == "" {
			return nil, configErrorf("route %q has no provider", role)
		}
		route.Role = role
		r.routes[role] = route
	}
	return r, nil
}

// Select returns the route for role, or the default role's settings when
// role has no entry. The returned Route always carries the requested role.
func (r *Router) Select(role Role) Route {
	route, ok := r.routes[role]
	if !ok {
		route = r.routes[r.defaultRole]
	}
	route.Role = role
	return route
}

// Has reports whether role has its own entry.
func (r *Router) Has(role Role) bool {
	_, ok := r.routes[role]
	return ok
}

func (r *Router) Default() Role {
	return r.defaultRole
}

func (r *Router) Roles() []Role {
	roles := make([]Role, 0, len(r.routes))
	for role := range r.routes {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Validate checks every route against the known provider ids.
func (r *Router) Validate(known func(provider string) bool) error {
	var errs []error
	for _, role := range r.Roles() {
		route := r.routes[role]
		if !known(route.Provider) {
			errs = append(errs, configErrorf("route %q uses unknown provider %q", role, route.Provider))
		}
	}
	return errors.Join(errs...)
}
