//go:build no_automation

package main

import (
	"log/slog"

	"knx-gateway/internal/gateway"
	"knx-gateway/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *gateway.Gateway, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
