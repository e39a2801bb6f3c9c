package cmd

import (
	"fmt"
	"log/slog"

	"github.com/hawkdelights/cake-orders/engine"
	"github.com/hawkdelights/cake-orders/extract"
)

// NewEngine builds the extraction engine from the shared CLI settings. An
// empty specsPath selects the built-in field specs.
func NewEngine(timezone, specsPath string, layouts []string, logger *slog.Logger) (*engine.Engine, error) {
	opts := engine.Options{
		Timezone: timezone,
		Layouts:  layouts,
		Logger:   logger,
	}
	if specsPath != "" {
		specs, err := extract.LoadSpecs(specsPath)
		if err != nil {
			return nil, fmt.Errorf("load field specs: %w", err)
		}
		opts.Specs = specs
	}
	return engine.New(opts)
}
