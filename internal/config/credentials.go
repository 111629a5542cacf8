package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// credentials mirrors the optional credentials.toml overlay:
//
//	[jira]
//	username = "svc-sync"
//	password = "..."
//
//	[lark]
//	app_id = "cli_..."
//	app_secret = "..."
type credentials struct {
	JIRA struct {
		Username string `toml:"username"`
		Password string `toml:"password"`
	} `toml:"jira"`
	Lark struct {
		AppID     string `toml:"app_id"`
		AppSecret string `toml:"app_secret"`
	} `toml:"lark"`
}

// loadCredentials overlays secrets from the TOML file onto the config.
// Missing overlay files are only an error when explicitly configured.
func (c *Config) loadCredentials() error {
	path := c.credentialsPath()
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to read credentials file %s: %w", path, err)
	}

	var creds credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return fmt.Errorf("failed to parse credentials file %s: %w", path, err)
	}

	if creds.JIRA.Username != "" {
		c.JIRA.Username = creds.JIRA.Username
	}
	if creds.JIRA.Password != "" {
		c.JIRA.Password = creds.JIRA.Password
	}
	if creds.Lark.AppID != "" {
		c.Lark.AppID = creds.Lark.AppID
	}
	if creds.Lark.AppSecret != "" {
		c.Lark.AppSecret = creds.Lark.AppSecret
	}
	return nil
}
