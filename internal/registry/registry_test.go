package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	return New([]Model{
		{Name: "glm-4.7", Aliases: []string{"glm4.7", "GLM-4.7-Chat"}, Providers: []string{"iflow", "openrouter"}},
		{Name: "qwen3-max", Providers: []string{"iflow"}},
		{Name: "gemini-3-pro", Aliases: []string{"gpt-4"}, Providers: []string{"antigravity"}},
	})
}

func TestResolveAliasIdempotent(t *testing.T) {
	r := testRegistry()

	for _, name := range []string{"glm4.7", "GLM-4.7-Chat", "glm-4.7", "gpt-4", "totally-unknown"} {
		once := r.Resolve(name)
		twice := r.Resolve(once)
		assert.Equal(t, once, twice, "Resolve must be idempotent for %q", name)
	}
	assert.Equal(t, "glm-4.7", r.Resolve("glm4.7"))
	assert.Equal(t, "glm-4.7", r.Resolve("  GLM-4.7-Chat  "))
}

func TestUnknownModelPassesThrough(t *testing.T) {
	r := testRegistry()

	assert.Equal(t, "made-up-model", r.Resolve("made-up-model"))
	assert.False(t, r.IsSupported("made-up-model"))
	assert.Nil(t, r.ProvidersFor("made-up-model"))
	assert.False(t, r.IsSupportedBy("made-up-model", "iflow"))

	// Malformed input never panics or errors, only answers false/empty.
	assert.Equal(t, "", r.Resolve(""))
	assert.False(t, r.IsSupported(""))
}

func TestIsSupportedByMatchesProvidersFor(t *testing.T) {
	r := testRegistry()

	models := []string{"glm-4.7", "glm4.7", "qwen3-max", "gpt-4", "unknown"}
	providers := []string{"iflow", "openrouter", "antigravity", "nope"}
	for _, m := range models {
		set := map[string]bool{}
		for _, p := range r.ProvidersFor(r.Resolve(m)) {
			set[p] = true
		}
		for _, p := range providers {
			assert.Equal(t, set[p], r.IsSupportedBy(m, p),
				"IsSupportedBy(%q,%q) must equal membership in ProvidersFor", m, p)
		}
	}
}

func TestProvidersForOrderStable(t *testing.T) {
	r := testRegistry()
	require.Equal(t, []string{"iflow", "openrouter"}, r.ProvidersFor("glm-4.7"))

	// Returned slice is a copy; mutating it does not corrupt the registry.
	got := r.ProvidersFor("glm-4.7")
	got[0] = "mutated"
	require.Equal(t, []string{"iflow", "openrouter"}, r.ProvidersFor("glm-4.7"))
}

func TestFilterCatalogDropsUnmappedModels(t *testing.T) {
	r := testRegistry()

	// Upstream /models churn: new IDs the gateway has no mapping for
	// must never leak through.
	upstream := []string{"glm-4.7", "glm4.7", "qwen3-max", "glm-5-experimental", "some-new-model"}
	got := r.FilterCatalog("iflow", upstream)
	assert.Equal(t, []string{"glm-4.7", "glm-4.7", "qwen3-max"}, got)

	assert.Empty(t, r.FilterCatalog("openrouter", []string{"qwen3-max"}))
}

func TestDefaultsLoad(t *testing.T) {
	r := New(defaultModels())
	require.True(t, r.IsSupported("glm-4.7"))
	require.True(t, r.IsSupportedBy("qwen3-max", "iflow"))
	require.False(t, r.IsSupportedBy("qwen3-max", "antigravity"))
	require.True(t, r.IsSupportedBy("gpt-4", "antigravity"), "gpt-4 aliases to gemini-3-pro")

	caps, ok := r.Capabilities("glm4.7")
	require.True(t, ok)
	assert.True(t, caps.Reasoning)
}
