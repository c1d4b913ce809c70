package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/zatekoja/plantid/backend/pkg/config"
	"github.com/zatekoja/plantid/backend/pkg/secrets"
)

const closeTimeout = 10 * time.Second

type commandContext struct {
	loadConfig func() (*config.Config, error)
}

func newCommandContext() *commandContext {
	return &commandContext{loadConfig: loadConfigWithSecrets}
}

// loadConfigWithSecrets exports provider credentials from Vault, when enabled,
// before reading the environment.
func loadConfigWithSecrets() (*config.Config, error) {
	vault := secrets.LoadVaultConfigFromEnv()
	ctx, cancel := context.WithTimeout(context.Background(), vault.Timeout)
	defer cancel()
	if _, err := secrets.ApplyVaultSecrets(ctx, vault, nil); err != nil {
		return nil, err
	}
	return config.Load()
}

// withApp builds the orchestrator for one command and tears it down afterwards
func (c *commandContext) withApp(cmd *cobra.Command, fn func(*app) error) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		a.Close(closeCtx)
	}()
	return fn(a)
}
