package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the server entrypoint used by `carchat serve`.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
