package registry

// Provider names as stored on accounts and used for routing.
const (
	ProviderAntigravity = "antigravity"
	ProviderIflow       = "iflow"
	ProviderOpenRouter  = "openrouter"
)

// defaultModels is the built-in model table, used when no models.yaml
// is present. Provider order is preference order for auto-routing.
func defaultModels() []Model {
	return []Model{
		{
			Name:      "gemini-3-pro",
			Aliases:   []string{"gemini-3-pro-high", "gemini-pro", "gpt-4"},
			Providers: []string{ProviderAntigravity},
			Capability: Capability{
				ContextLength: 1_048_576, MaxOutput: 65_536,
				Reasoning: true, Tools: true, Vision: true,
				InputPrice: 2.0, OutputPrice: 12.0,
			},
		},
		{
			Name:      "gemini-3-flash",
			Aliases:   []string{"gemini-flash", "gpt-4o-mini"},
			Providers: []string{ProviderAntigravity},
			Capability: Capability{
				ContextLength: 1_048_576, MaxOutput: 65_536,
				Tools: true, Vision: true,
				InputPrice: 0.3, OutputPrice: 2.5,
			},
		},
		{
			Name:      "glm-4.7",
			Aliases:   []string{"glm-4.7-chat", "glm4.7"},
			Providers: []string{ProviderIflow, ProviderOpenRouter},
			Capability: Capability{
				ContextLength: 204_800, MaxOutput: 131_072,
				Reasoning: true, Tools: true,
				InputPrice: 0.6, OutputPrice: 2.2,
			},
		},
		{
			Name:      "qwen3-max",
			Aliases:   []string{"qwen-max", "qwen3-max-preview"},
			Providers: []string{ProviderIflow},
			Capability: Capability{
				ContextLength: 262_144, MaxOutput: 65_536,
				Tools: true,
				InputPrice: 1.2, OutputPrice: 6.0,
			},
		},
		{
			Name:      "qwen3-coder",
			Aliases:   []string{"qwen3-coder-plus"},
			Providers: []string{ProviderIflow, ProviderOpenRouter},
			Capability: Capability{
				ContextLength: 262_144, MaxOutput: 65_536,
				Tools: true,
				InputPrice: 0.9, OutputPrice: 4.5,
			},
		},
		{
			Name:      "deepseek-v3.2",
			Aliases:   []string{"deepseek-chat", "deepseek-v3"},
			Providers: []string{ProviderIflow, ProviderOpenRouter},
			Capability: Capability{
				ContextLength: 131_072, MaxOutput: 65_536,
				Reasoning: true, Tools: true,
				InputPrice: 0.28, OutputPrice: 0.42,
			},
		},
		{
			Name:      "kimi-k2",
			Aliases:   []string{"kimi-k2-instruct"},
			Providers: []string{ProviderOpenRouter},
			Capability: Capability{
				ContextLength: 131_072, MaxOutput: 32_768,
				Tools: true,
				InputPrice: 0.6, OutputPrice: 2.5,
			},
		},
	}
}
