package llm

import (
	"fmt"
	"os"
	"sort"
	"sync"
)

// Provider kinds understood by Registry.
const (
	KindOpenAI           = "openai"
	KindOpenAICompatible = "openai-compatible"
	KindAnthropic        = "anthropic"
	KindGemini           = "gemini"
	KindOllama           = "ollama"
	KindDeepSeek         = "deepseek"
	KindMistral          = "mistral"
	KindLlamaCpp         = "llamacpp"
	KindLlamaFile        = "llamafile"
)

type ProviderConfig struct {
	Kind      string `toml:"kind" yaml:"kind"`
	BaseURL   string `toml:"base_url" yaml:"base_url"`
	APIKey    string `toml:"api_key" yaml:"api_key"`
	APIKeyEnv string `toml:"api_key_env" yaml:"api_key_env"`
	Model     string `toml:"model" yaml:"model"`
	// SingleShot serves tool-bearing requests without streaming.
	SingleShot *bool `toml:"single_shot" yaml:"single_shot"`
}

var builtinProviders = map[string]ProviderConfig{
	"openai":     {Kind: KindOpenAI, APIKeyEnv: "OPENAI_API_KEY", Model: "gpt-4o"},
	"anthropic":  {Kind: KindAnthropic, APIKeyEnv: "ANTHROPIC_API_KEY", Model: "claude-sonnet-4-5-20250929"},
	"groq":       {Kind: KindOpenAICompatible, BaseURL: "https://api.groq.com/openai/v1/", APIKeyEnv: "GROQ_API_KEY", Model: "llama-3.3-70b-versatile"},
	"together":   {Kind: KindOpenAICompatible, BaseURL: "https://api.together.xyz/v1/", APIKeyEnv: "TOGETHER_API_KEY", Model: "deepseek-r1-distill-llama-70b"},
	"openrouter": {Kind: KindOpenAICompatible, BaseURL: "https://openrouter.ai/api/v1/", APIKeyEnv: "OPENROUTER_API_KEY", Model: "anthropic/claude-sonnet-4-5"},
	"lmstudio":   {Kind: KindOpenAICompatible, BaseURL: "http://localhost:1234/v1/", Model: "local-model"},
	"ollama":     {Kind: KindOllama, BaseURL: "http://localhost:11434", Model: "qwen2.5-coder:14b"},
	"gemini":     {Kind: KindGemini, APIKeyEnv: "GEMINI_API_KEY", Model: "gemini-2.0-flash"},
	"deepseek":   {Kind: KindDeepSeek, APIKeyEnv: "DEEPSEEK_API_KEY", Model: "deepseek-chat"},
	"mistral":    {Kind: KindMistral, APIKeyEnv: "MISTRAL_API_KEY", Model: "mistral-large-latest"},
}

// BuiltinProvider returns the default settings for a well-known provider id.
func BuiltinProvider(id string) (ProviderConfig, bool) {
	pc, ok := builtinProviders[id]
	return pc, ok
}

// Registry maps provider ids to clients. Clients are built on first use and
// shared by every loop that selects the same provider.
type Registry struct {
	mu        sync.Mutex
	providers map[string]ProviderConfig
	clients   map[string]Client
}

// NewRegistry overlays configured providers on the built-in table. Empty
// fields in a configured entry inherit the built-in value for the same id.
func NewRegistry(configured map[string]ProviderConfig) *Registry {
	providers := make(map[string]ProviderConfig, len(builtinProviders)+len(configured))
	for id, pc := range builtinProviders {
		providers[id] = pc
	}
	for id, pc := range configured {
		providers[id] = merge(providers[id], pc)
	}
	return &Registry{providers: providers, clients: make(map[string]Client)}
}

func merge(base, over ProviderConfig) ProviderConfig {
	if over.Kind != "" {
		base.Kind = over.Kind
	}
	if over.BaseURL != "" {
		base.BaseURL = over.BaseURL
	}
	if over.APIKey != "" {
		base.APIKey = over.APIKey
	}
	if over.APIKeyEnv != "" {
		base.APIKeyEnv = over.APIKeyEnv
	}
	if over.Model != "" {
		base.Model = over.Model
	}
	if over.SingleShot != nil {
		base.SingleShot = over.SingleShot
	}
	return base
}

// Register installs a prebuilt client under id, replacing any cached one.
func (r *Registry) Register(id string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = c
	if _, ok := r.providers[id]; !ok {
		r.providers[id] = ProviderConfig{Kind: "custom"}
	}
}

func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.providers[id]
	return ok
}

// Config returns the effective settings for id.
func (r *Registry) Config(id string) (ProviderConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.providers[id]
	return pc, ok
}

func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Client(id string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[id]; ok {
		return c, nil
	}
	pc, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", id)
	}
	c, err := build(id, pc)
	if err != nil {
		return nil, err
	}
	r.clients[id] = c
	return c, nil
}

func build(id string, pc ProviderConfig) (Client, error) {
	key := pc.APIKey
	if key == "" && pc.APIKeyEnv != "" {
		key = os.Getenv(pc.APIKeyEnv)
	}

	switch pc.Kind {
	case KindOpenAI:
		return NewOpenAI(id, pc.BaseURL, key, pc.Model), nil
	case KindOpenAICompatible:
		if pc.BaseURL == "" {
			return nil, fmt.Errorf("provider %q: base_url is required for %s", id, pc.Kind)
		}
		return NewChat(id, pc.BaseURL, key, pc.Model), nil
	case KindAnthropic:
		return NewAnthropic(id, pc.BaseURL, key, pc.Model), nil
	case KindGemini, KindOllama, KindDeepSeek, KindMistral, KindLlamaCpp, KindLlamaFile:
		singleShot := pc.Kind == KindOllama
		if pc.SingleShot != nil {
			singleShot = *pc.SingleShot
		}
		return NewAnyLLM(id, pc.Kind, pc.BaseURL, key, pc.Model, singleShot)
	default:
		return nil, fmt.Errorf("provider %q: unsupported kind %q", id, pc.Kind)
	}
}
