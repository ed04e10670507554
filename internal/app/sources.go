package app

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/source"
	"github.com/nhle/messaging-manager/internal/source/email"
	"github.com/nhle/messaging-manager/internal/source/telegram"
)

// buildRegistry creates an adapter for each enabled source. Sources that
// fail to resolve are logged and skipped so the others still run.
func buildRegistry(
	cfg *model.AppConfig,
	lookup func(key string) (string, error),
	logger *zap.Logger,
) *source.Registry {
	registry := source.NewRegistry()
	lookback := time.Duration(cfg.Processing.LookbackHours) * time.Hour

	for _, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}

		adapter, err := newAdapter(src, cfg.MediaDir, lookback, lookup, logger)
		if err != nil {
			logger.Warn("skipping source",
				zap.String("service", src.Name),
				zap.String("type", src.Type),
				zap.Error(err),
			)
			continue
		}

		if err := registry.Register(adapter); err != nil {
			logger.Warn("skipping source", zap.String("service", src.Name), zap.Error(err))
		}
	}

	return registry
}

func newAdapter(
	src model.SourceConfig,
	mediaDir string,
	lookback time.Duration,
	lookup func(key string) (string, error),
	logger *zap.Logger,
) (source.Adapter, error) {
	switch src.Type {
	case email.TypeName:
		cfg, err := email.ConfigFromSource(src, mediaDir, lookback, lookup)
		if err != nil {
			return nil, err
		}
		return email.NewAdapter(cfg, logger.Named("email")), nil

	case telegram.TypeName:
		cfg, err := telegram.ConfigFromSource(src, mediaDir, lookup)
		if err != nil {
			return nil, err
		}
		return telegram.NewAdapter(cfg, logger.Named("telegram")), nil

	default:
		return nil, fmt.Errorf("unknown source type %q", src.Type)
	}
}

// describeSource returns the descriptor of src without resolving its
// credentials.
func describeSource(src model.SourceConfig) (source.Descriptor, error) {
	d := source.Descriptor{ServiceName: src.Name, Type: src.Type}
	switch src.Type {
	case email.TypeName:
		auth := src.Config["auth"]
		if auth == "" {
			auth = email.AuthPassword
		}
		d.RequiredInitFields = email.RequiredFields(auth)
	case telegram.TypeName:
		d.RequiredInitFields = telegram.RequiredFields()
	default:
		return d, fmt.Errorf("unknown source type %q", src.Type)
	}
	return d, nil
}
