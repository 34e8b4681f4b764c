package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/lysyi3m/recall-comb/internal/bootstrap"
	"github.com/lysyi3m/recall-comb/internal/cfg"
	"github.com/lysyi3m/recall-comb/internal/logging"
)

type commandContext struct {
	dbDriver    string
	dbPath      string
	agenciesDir string
	debug       bool

	configOnce sync.Once
	config     *cfg.Cfg
	configErr  error

	app *bootstrap.App
}

func newCommandContext() *commandContext {
	return &commandContext{}
}

// ensureConfig reads the environment and .env once; command line flags
// belong to cobra so go-flags only sees the environment.
func (c *commandContext) ensureConfig() (*cfg.Cfg, error) {
	c.configOnce.Do(func() {
		if c.dbDriver != "" {
			os.Setenv("DB_DRIVER", c.dbDriver)
		}
		config, err := cfg.Load([]string{})
		if err != nil {
			c.configErr = err
			return
		}
		if c.dbPath != "" {
			config.DBPath = c.dbPath
		}
		if c.agenciesDir != "" {
			config.AgenciesDir = c.agenciesDir
		}
		config.Debug = config.Debug || c.debug
		logging.Setup(config.Debug)
		c.config = config
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureApp(ctx context.Context, opts bootstrap.Options) (*bootstrap.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	config, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	app, err := bootstrap.New(ctx, config, opts)
	if err != nil {
		return nil, err
	}
	c.app = app
	return app, nil
}

func (c *commandContext) close() {
	if c.app != nil {
		c.app.Close()
		c.app = nil
	}
}

// withLock runs fn while holding the process-wide ingestion lock, so two
// recallctl runs never write the catalog at the same time.
func (c *commandContext) withLock(lockPath string, fn func() error) error {
	if lockPath == "" {
		lockPath = filepath.Join(os.TempDir(), "recallctl.lock")
	}
	lock := flock.New(lockPath)

	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another recallctl ingest or dedup is already running")
	}
	defer lock.Unlock()

	return fn()
}
