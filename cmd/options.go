package cmd

import (
	"go.uber.org/zap"

	"github.com/kxc663/translation-client/internal/config"
	"github.com/kxc663/translation-client/internal/poll"
)

func clientOptions(cfg config.ClientConfig, logger *zap.Logger) poll.Options {
	return poll.Options{
		Endpoint:         cfg.Endpoint,
		Timeout:          cfg.Timeout,
		InitialInterval:  cfg.InitialInterval,
		MaxInterval:      cfg.MaxInterval,
		RequestTimeout:   cfg.RequestTimeout,
		TransportRetries: cfg.TransportRetries,
		Logger:           logger,
	}
}
