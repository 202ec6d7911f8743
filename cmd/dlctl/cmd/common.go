// Package cmd holds the dlctl subcommands.
package cmd

import (
	"github.com/templui/downloadgroups/internal/app"
	"github.com/templui/downloadgroups/internal/config"
	"github.com/templui/downloadgroups/internal/logger"
)

// load reads the environment and initializes logging the way the server does.
func load() *config.Config {
	cfg := config.Load()
	logger.Init(cfg.IsDevelopment(), cfg.LogLevel, cfg.SentryDSN)
	return cfg
}

// withApp runs fn against a fully wired app without starting workers.
func withApp(fn func(a *app.App) error) error {
	a, err := app.New(load())
	if err != nil {
		return err
	}
	defer a.Close()
	defer logger.Flush()
	return fn(a)
}
