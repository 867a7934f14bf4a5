//go:build !no_automation

package main

import (
	"log/slog"

	"knx-gateway/internal/automation"
	"knx-gateway/internal/gateway"
	"knx-gateway/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(gw *gateway.Gateway, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(gw, scriptMgr, logger)
	engine.Start()

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return &autoStopper{engine: engine}, opts
}
