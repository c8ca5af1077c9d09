package main

import (
	"fmt"

	"github.com/kalambet/council/internal/client"
	"github.com/kalambet/council/internal/config"
)

// newAPIClient builds a client for the configured server. Tests replace it.
var newAPIClient = func() (*client.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Client.Token == "" {
		return nil, fmt.Errorf("no session token configured. " +
			"Run `council user create <name> --save` or set COUNCIL_TOKEN")
	}
	return client.New(cfg.Client.ServerURL, cfg.Client.Token), nil
}
