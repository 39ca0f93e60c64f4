// Package builtin lists the backends compiled into batchman.
package builtin

import (
	"slices"

	"github.com/germanamz/batchman/pkg/provider"
	"github.com/germanamz/batchman/pkg/providers/anthropic"
	"github.com/germanamz/batchman/pkg/providers/exxa"
	"github.com/germanamz/batchman/pkg/providers/openai"
)

type entry struct {
	name   string
	loader provider.Loader
}

var all = []entry{
	{openai.Name, openai.Loader},
	{anthropic.Name, anthropic.Loader},
	{exxa.Name, exxa.Loader},
}

// Names returns the names of every compiled-in backend.
func Names() []string {
	names := make([]string, 0, len(all))
	for _, e := range all {
		names = append(names, e.name)
	}

	return names
}

// Loaders returns the discovery loaders of every compiled-in backend whose
// name is not in disabled.
func Loaders(disabled []string) []provider.Loader {
	loaders := make([]provider.Loader, 0, len(all))
	for _, e := range all {
		if slices.Contains(disabled, e.name) {
			continue
		}
		loaders = append(loaders, e.loader)
	}

	return loaders
}
