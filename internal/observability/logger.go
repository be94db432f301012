package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component derives a child of the global logger tagged with the component
// and node names.
func Component(component, node string) zerolog.Logger {
	ctx := log.Logger.With().Str("component", component)
	if node != "" {
		ctx = ctx.Str("node", node)
	}
	return ctx.Logger()
}
