package provider

import (
	"fmt"

	"go.uber.org/zap"
)

// Builder constructs a Provider for one worker. logPath is the configured
// PROVIDER_LOG_PATH, passed through for builders that need a file target.
type Builder func(logPath string, log *zap.Logger) Provider

// Builders is the registry PROVIDER_BUILDER selects from. A deployment
// wiring a custom downstream provider registers it here under a new name
// before calling Build.
var Builders = map[string]Builder{
	"file_logging": func(logPath string, log *zap.Logger) Provider {
		return NewFileLoggingProvider(logPath, log)
	},
	"static": func(_ string, _ *zap.Logger) Provider {
		return NewStaticProvider("test", "test", OK)
	},
}

// Build resolves name against Builders.
func Build(name, logPath string, log *zap.Logger) (Provider, error) {
	b, ok := Builders[name]
	if !ok {
		return nil, fmt.Errorf("provider: unknown builder %q", name)
	}
	return b(logPath, log), nil
}
