package cli

import (
	"context"

	"trainctl/internal/app"
	"trainctl/internal/config"
)

// Env opens the process App on first use so that commands which fail flag
// parsing never touch the database.
type Env struct {
	ConfigPath string
	app        *app.App
}

func (e *Env) Open(ctx context.Context) (*app.App, error) {
	if e.app != nil {
		return e.app, nil
	}
	cfg, err := config.Load(e.ConfigPath)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.app = a
	return a, nil
}

func (e *Env) Close() error {
	if e.app == nil {
		return nil
	}
	err := e.app.Close()
	e.app = nil
	return err
}
