package agent

import (
	"fmt"
	"sort"

	"quill/internal/llm"
	"quill/internal/router"
)

// ClientSource resolves provider ids to clients. *llm.Registry implements it.
type ClientSource interface {
	Client(providerID string) (llm.Client, error)
}

// Factory builds role-scoped Loops from the router, the provider registry
// and the shared tool registry.
type Factory struct {
	router   *router.Router
	clients  ClientSource
	tools    *Registry
	profiles map[router.Role]*AgentProfile
	opts     []LoopOption
}

// NewFactory returns a factory. opts apply to every Loop it builds, before
// any per-call options.
func NewFactory(rt *router.Router, clients ClientSource, tools *Registry, profiles map[router.Role]*AgentProfile, opts ...LoopOption) *Factory {
	return &Factory{
		router:   rt,
		clients:  clients,
		tools:    tools,
		profiles: profiles,
		opts:     opts,
	}
}

// Build creates a fresh Loop for role. Missing profiles and unknown
// providers are configuration errors.
func (f *Factory) Build(role router.Role, opts ...LoopOption) (*Loop, error) {
	profile, ok := f.profiles[role]
	if !ok {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("no agent profile for role %q", role)}
	}

	route := f.router.Select(role)
	client, err := f.clients.Client(route.Provider)
	if err != nil {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("role %q: provider %q: %v", role, route.Provider, err)}
	}

	loopOpts := []LoopOption{
		WithRoute(route),
		WithName(string(role)),
		WithMaxIterations(profile.MaxIterations),
	}
	if profile.SystemPrompt != "" {
		loopOpts = append(loopOpts, WithSystemPrompt(profile.SystemPrompt))
	}
	loopOpts = append(loopOpts, f.opts...)
	loopOpts = append(loopOpts, opts...)

	return NewLoop(client, f.tools.Scope(profile.Tools), loopOpts...), nil
}

func (f *Factory) Router() *router.Router { return f.router }

func (f *Factory) Tools() *Registry { return f.tools }

// Roles returns the roles with a profile, sorted.
func (f *Factory) Roles() []router.Role {
	roles := make([]router.Role, 0, len(f.profiles))
	for role := range f.profiles {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}
