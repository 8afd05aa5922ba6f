// Package app assembles the collaborators cmd/queryd-worker needs from a
// loaded types.Config: the provider registry and the tool registry.
// Grounded on the teacher's cmd/opencode/commands/serve.go, which performs
// the equivalent assembly inline before starting its HTTP server.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/querymt/querymt/internal/provider"
	"github.com/querymt/querymt/pkg/types"
)

// BuildProviders constructs a provider.Registry from cfg, instantiating
// every provider section cfg declares. The id prefix picks the kind:
// "anthropic"/"claude" and "ark"/"volc" select those providers, and every
// other id is built as an OpenAI-compatible provider. A provider whose
// constructor fails is left out, its error collected into the returned
// slice rather than aborting the whole registry.
func BuildProviders(ctx context.Context, cfg *types.Config) (*provider.Registry, []error) {
	registry := provider.NewRegistry(cfg)
	var errs []error

	for id, pc := range cfg.Provider {
		p, err := buildProvider(ctx, id, pc)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %q: %w", id, err))
			continue
		}
		registry.Register(p)
	}
	return registry, errs
}

func buildProvider(ctx context.Context, id string, pc types.ProviderConfig) (provider.Provider, error) {
	switch {
	case strings.HasPrefix(id, "anthropic") || strings.HasPrefix(id, "claude"):
		return provider.NewAnthropicProvider(ctx, &provider.AnthropicConfig{
			ID:      id,
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
		})
	case strings.HasPrefix(id, "ark") || strings.HasPrefix(id, "volc"):
		return provider.NewArkProvider(ctx, &provider.ArkConfig{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
		})
	default:
		return provider.NewOpenAIProvider(ctx, &provider.OpenAIConfig{
			ID:      id,
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
		})
	}
}

// SplitModel parses a teacher-style "provider/model" reference, per
// types.Config.Model's doc comment.
func SplitModel(ref string) (providerID, modelID string) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 {
		return "", ref
	}
	return parts[0], parts[1]
}
