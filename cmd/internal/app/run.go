package app

import (
	"context"
)

// Run is the entrypoint used by `aegis serve`. It returns an error instead
// of calling os.Exit to keep defers effective.
func Run(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log, err := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cc, err := LoadComponentConfig()
	if err != nil {
		log.Errorw("config.invalid", "err", err)
		return err
	}

	a, err := New(ctx, cfg, cc, log)
	if err != nil {
		log.Errorw("app.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}
