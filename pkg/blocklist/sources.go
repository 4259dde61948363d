package blocklist

import (
	"fmt"
	"sort"
	"strings"
)

// BuildSources converts list configuration into sources. Sources are ordered
// by id so that fetch order, and with it comment order, is stable. Disabled
// entries are kept with Enabled unset so that a store can mirror them.
func BuildSources(catalog map[string]ListDefinition, configs map[string]ListConfig, custom []string) []Source {
	sources := make([]Source, 0)

	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		cfg := configs[id]
		location := cfg.URL
		if location == "" {
			if def, ok := catalog[id]; ok {
				location = def.URL
			}
		}
		if location == "" {
			continue
		}
		sources = append(sources, Source{
			ID:      id,
			URL:     location,
			Enabled: cfg.Enabled,
			Auth: AuthConfig{
				Username: cfg.Username,
				Password: cfg.Password,
				Token:    cfg.Token,
				Header:   cfg.Header,
				Scheme:   cfg.Scheme,
			},
		})
	}

	for i, entry := range custom {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		sources = append(sources, Source{
			ID:      fmt.Sprintf("custom_%d", i+1),
			URL:     trimmed,
			Enabled: true,
		})
	}

	return sources
}
