package vector

import (
	"fmt"

	"github.com/simworld/simworld/pkg/config"
)

// New builds the provider selected by cfg.
func New(cfg *config.VectorConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "chromem":
		return NewChromemProvider(ChromemConfig{
			PersistPath: cfg.PersistPath,
		})
	case "qdrant":
		return NewQdrantProvider(QdrantConfig{
			Host:   cfg.QdrantHost,
			Port:   cfg.QdrantPort,
			APIKey: cfg.QdrantAPIKey,
			UseTLS: cfg.QdrantUseTLS,
		})
	default:
		return nil, fmt.Errorf("unknown vector provider: %s", cfg.Provider)
	}
}
