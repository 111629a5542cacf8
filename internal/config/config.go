// Package config loads and validates the sync system configuration.
//
// The main configuration is a YAML file (config.yaml by default) loaded
// through viper. Secrets can be kept out of it: when a credentials.toml
// sits next to the config file (or global.credentials_file points at one),
// its values overlay the JIRA and Lark credential fields so the YAML can be
// committed to version control.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultSyncInterval applies when neither the table nor the team sets one.
const DefaultSyncInterval = 300 * time.Second

// Config is the full system configuration.
type Config struct {
	Global      Global               `mapstructure:"global"`
	JIRA        JIRA                 `mapstructure:"jira"`
	Lark        Lark                 `mapstructure:"lark"`
	UserMapping UserMapping          `mapstructure:"user_mapping"`
	LinkRules   map[string]LinkRule  `mapstructure:"issue_link_rules"`
	Dashboard   Dashboard            `mapstructure:"dashboard"`
	Teams       map[string]Team      `mapstructure:"teams"`

	// path is the absolute path the config was loaded from.
	path string
}

// Global holds system-wide settings.
type Global struct {
	// SchemaFile is the field-mapping schema path (default schema.yaml).
	SchemaFile string `mapstructure:"schema_file"`

	// DataDir holds the SQLite state databases (default data).
	DataDir string `mapstructure:"data_dir"`

	// CredentialsFile optionally points at a TOML secrets overlay.
	CredentialsFile string `mapstructure:"credentials_file"`

	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	// DefaultSyncInterval is the fallback cycle interval.
	DefaultSyncInterval time.Duration `mapstructure:"default_sync_interval"`
}

// JIRA holds source connection settings.
type JIRA struct {
	ServerURL string `mapstructure:"server_url"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// Lark holds sink connection settings.
type Lark struct {
	AppID     string `mapstructure:"app_id"`
	AppSecret string `mapstructure:"app_secret"`

	// BaseURL defaults to the international endpoint.
	BaseURL string `mapstructure:"base_url"`
}

// UserMapping configures the user cache and offline resolver.
type UserMapping struct {
	Enabled *bool  `mapstructure:"enabled"`
	CacheDB string `mapstructure:"cache_db"`

	// EmailDomains are tried in order when resolving a username offline.
	EmailDomains []string `mapstructure:"email_domains"`
}

// IsEnabled defaults to true when unset.
func (u UserMapping) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// LinkRule filters which linked issues surface for a given project prefix.
type LinkRule struct {
	Enabled *bool `mapstructure:"enabled"`

	// DisplayLinkPrefixes limits linked keys to these project prefixes.
	// Empty means show all.
	DisplayLinkPrefixes []string `mapstructure:"display_link_prefixes"`
}

// IsEnabled defaults to true when unset.
func (r LinkRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Dashboard configures the optional WebSocket status server.
type Dashboard struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Team groups the sink tables that share a wiki space.
type Team struct {
	Enabled      *bool            `mapstructure:"enabled"`
	DisplayName  string           `mapstructure:"display_name"`
	WikiToken    string           `mapstructure:"wiki_token"`
	SyncInterval time.Duration    `mapstructure:"sync_interval"`
	Tables       map[string]Table `mapstructure:"tables"`
}

// IsEnabled defaults to true when unset.
func (t Team) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Table describes one sink table and the JQL that feeds it.
type Table struct {
	Enabled  *bool  `mapstructure:"enabled"`
	Name     string `mapstructure:"name"`
	TableID  string `mapstructure:"table_id"`
	JQLQuery string `mapstructure:"jql_query"`

	// TicketField is the sink column holding the issue key
	// (default "Issue Key").
	TicketField string `mapstructure:"ticket_field"`

	// ExcludedFields lists source fields skipped for this table on top
	// of the schema's own exclusion list.
	ExcludedFields []string `mapstructure:"excluded_fields"`

	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

// IsEnabled defaults to true when unset.
func (t Table) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// TableRef is a table plus the key it was registered under.
type TableRef struct {
	Key string
	Table
}

// Load reads, overlays and validates the configuration at path.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(abs)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", abs, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.path = abs
	cfg.applyDefaults()

	if err := cfg.loadCredentials(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in optional settings.
func (c *Config) applyDefaults() {
	if c.Global.SchemaFile == "" {
		c.Global.SchemaFile = "schema.yaml"
	}
	if c.Global.DataDir == "" {
		c.Global.DataDir = "data"
	}
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = "info"
	}
	if c.Global.DefaultSyncInterval <= 0 {
		c.Global.DefaultSyncInterval = DefaultSyncInterval
	}
	if c.Lark.BaseURL == "" {
		c.Lark.BaseURL = "https://open.larksuite.com"
	}
	if c.UserMapping.CacheDB == "" {
		c.UserMapping.CacheDB = "user_mappings.db"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8787
	}
	for name, team := range c.Teams {
		for key, table := range team.Tables {
			if table.TicketField == "" {
				table.TicketField = "Issue Key"
				team.Tables[key] = table
			}
		}
		c.Teams[name] = team
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.JIRA.ServerURL == "" {
		errs = append(errs, errors.New("jira.server_url is required"))
	}
	if c.JIRA.Username == "" {
		errs = append(errs, errors.New("jira.username is required"))
	}
	if c.JIRA.Password == "" {
		errs = append(errs, errors.New("jira.password is required"))
	}
	if c.Lark.AppID == "" {
		errs = append(errs, errors.New("lark.app_id is required"))
	}
	if c.Lark.AppSecret == "" {
		errs = append(errs, errors.New("lark.app_secret is required"))
	}
	if len(c.Teams) == 0 {
		errs = append(errs, errors.New("at least one team must be configured"))
	}

	for name, team := range c.Teams {
		if !team.IsEnabled() {
			continue
		}
		if team.WikiToken == "" {
			errs = append(errs, fmt.Errorf("team %s: wiki_token is required", name))
		}
		for key, table := range team.Tables {
			if !table.IsEnabled() {
				continue
			}
			if table.Name == "" {
				errs = append(errs, fmt.Errorf("team %s table %s: name is required", name, key))
			}
			if table.TableID == "" {
				errs = append(errs, fmt.Errorf("team %s table %s: table_id is required", name, key))
			}
			if strings.TrimSpace(table.JQLQuery) == "" {
				errs = append(errs, fmt.Errorf("team %s table %s: jql_query is required", name, key))
			}
		}
	}

	return errors.Join(errs...)
}

// Path returns the absolute path the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// EnabledTeams returns enabled team names in stable order.
func (c *Config) EnabledTeams() []string {
	var names []string
	for name, team := range c.Teams {
		if team.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Team returns the named team if it exists and is enabled.
func (c *Config) Team(name string) (Team, bool) {
	team, ok := c.Teams[name]
	if !ok || !team.IsEnabled() {
		return Team{}, false
	}
	return team, true
}

// EnabledTables returns the enabled tables of a team in stable key order.
func (c *Config) EnabledTables(teamName string) []TableRef {
	team, ok := c.Team(teamName)
	if !ok {
		return nil
	}

	keys := make([]string, 0, len(team.Tables))
	for key, table := range team.Tables {
		if table.IsEnabled() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	refs := make([]TableRef, 0, len(keys))
	for _, key := range keys {
		refs = append(refs, TableRef{Key: key, Table: team.Tables[key]})
	}
	return refs
}

// TableByKey returns one enabled table of a team.
func (c *Config) TableByKey(teamName, tableKey string) (TableRef, bool) {
	team, ok := c.Team(teamName)
	if !ok {
		return TableRef{}, false
	}
	table, ok := team.Tables[tableKey]
	if !ok || !table.IsEnabled() {
		return TableRef{}, false
	}
	if table.TicketField == "" {
		table.TicketField = "Issue Key"
	}
	return TableRef{Key: tableKey, Table: table}, true
}

// SyncInterval resolves the cycle interval for a table:
// table override > team override > global default.
func (c *Config) SyncInterval(teamName, tableKey string) time.Duration {
	if ref, ok := c.TableByKey(teamName, tableKey); ok && ref.SyncInterval > 0 {
		return ref.SyncInterval
	}
	if team, ok := c.Team(teamName); ok && team.SyncInterval > 0 {
		return team.SyncInterval
	}
	return c.Global.DefaultSyncInterval
}

// UserCachePath is the user mapping database location under the data dir.
func (c *Config) UserCachePath() string {
	if filepath.IsAbs(c.UserMapping.CacheDB) {
		return c.UserMapping.CacheDB
	}
	return filepath.Join(c.Global.DataDir, c.UserMapping.CacheDB)
}

// MetricsPath is the metrics database location under the data dir.
func (c *Config) MetricsPath() string {
	return filepath.Join(c.Global.DataDir, "sync_metrics.db")
}

// ProcessingLogPath is the per-table processing log location.
func (c *Config) ProcessingLogPath(tableID string) string {
	return filepath.Join(c.Global.DataDir, "processing_log_"+tableID+".db")
}

// LockPath is the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Global.DataDir, "jlsync.lock")
}

// SchemaPath resolves the schema file relative to the config file.
func (c *Config) SchemaPath() string {
	if filepath.IsAbs(c.Global.SchemaFile) {
		return c.Global.SchemaFile
	}
	if c.path == "" {
		return c.Global.SchemaFile
	}
	return filepath.Join(filepath.Dir(c.path), c.Global.SchemaFile)
}

// credentialsPath returns the overlay file location, empty if none exists.
func (c *Config) credentialsPath() string {
	path := c.Global.CredentialsFile
	if path == "" {
		if c.path == "" {
			return ""
		}
		path = filepath.Join(filepath.Dir(c.path), "credentials.toml")
	} else if !filepath.IsAbs(path) && c.path != "" {
		path = filepath.Join(filepath.Dir(c.path), path)
	}
	if _, err := os.Stat(path); err != nil {
		if c.Global.CredentialsFile != "" {
			// An explicitly configured overlay must exist.
			return path
		}
		return ""
	}
	return path
}
