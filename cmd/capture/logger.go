package main

import (
	"go.uber.org/zap"

	"github.com/flowcheck/capture-service/internal/config"
	"github.com/flowcheck/capture-service/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
