package llm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// cacheFilename is the model discovery cache inside the chorus home
// directory.
const cacheFilename = "available_models.json"

// ProviderStatus records one provider's discovery outcome.
type ProviderStatus struct {
	Valid  bool     `json:"valid"`
	Models []string `json:"models"`
}

// ModelCache is the on-disk shape of the discovery cache.
type ModelCache struct {
	LastUpdated string                    `json:"last_updated"`
	Providers   map[string]ProviderStatus `json:"providers"`
}

// ReadModelCache reads the cached discovery results from home. A missing
// or unreadable cache is a miss, not an error.
func ReadModelCache(home string) *ModelCache {
	data, err := os.ReadFile(filepath.Join(home, cacheFilename))
	if err != nil {
		return nil
	}
	var cache ModelCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil
	}
	return &cache
}

// WriteModelCache writes discovery results to home, creating the
// directory if needed.
func WriteModelCache(home string, cache *ModelCache) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(home, cacheFilename), data, 0o644)
}

// CachedModels returns a flat, sorted, deduplicated list of every model
// from providers whose key validated. Empty when no cache exists.
func CachedModels(home string) []string {
	cache := ReadModelCache(home)
	if cache == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, status := range cache.Providers {
		if !status.Valid {
			continue
		}
		for _, m := range status.Models {
			seen[m] = struct{}{}
		}
	}
	result := make([]string, 0, len(seen))
	for m := range seen {
		result = append(result, m)
	}
	sort.Strings(result)
	return result
}

// ValidateAndDiscover pings each source, lists its models when the key
// validates, writes the cache to home, and returns the results. A source
// whose ListModels fails still appears with Valid true and no models.
func ValidateAndDiscover(ctx context.Context, home string, sources ...ModelSource) (*ModelCache, error) {
	providers := make(map[string]ProviderStatus, len(sources))

	for _, src := range sources {
		status := ProviderStatus{Models: []string{}}
		if err := src.Ping(ctx); err == nil {
			status.Valid = true
			if ids, err := src.ListModels(ctx); err == nil {
				status.Models = ids
			}
		}
		providers[src.Name()] = status
	}

	cache := &ModelCache{
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
		Providers:   providers,
	}
	if err := WriteModelCache(home, cache); err != nil {
		return nil, err
	}
	return cache, nil
}

// DiscoverFromKeys builds sources for whichever keys are non-empty and
// runs ValidateAndDiscover. The usual entry point for startup and for the
// key validation command.
func DiscoverFromKeys(ctx context.Context, home, anthropicKey, openaiKey string) (*ModelCache, error) {
	var sources []ModelSource
	if anthropicKey != "" {
		provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: anthropicKey})
		if err != nil {
			return nil, err
		}
		sources = append(sources, provider)
	}
	if openaiKey != "" {
		sources = append(sources, NewOpenAIProvider(OpenAIConfig{APIKey: openaiKey}))
	}
	return ValidateAndDiscover(ctx, home, sources...)
}
