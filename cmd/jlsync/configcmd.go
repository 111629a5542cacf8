package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bitbridge-tools/jlsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or bootstrap the configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file and report every problem",
	Run:   runConfigValidate,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Run:   runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively write a starter configuration file",
	Run:   runConfigInit,
}

func init() {
	configCmd.AddCommand(configValidateCmd, configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("%v", err)
	}

	teams := cfg.EnabledTeams()
	tables := 0
	for _, team := range teams {
		tables += len(cfg.EnabledTables(team))
	}
	fmt.Printf("%s is valid: %d teams, %d tables\n", cfg.Path(), len(teams), tables)
}

func runConfigShow(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("%v", err)
	}

	masked := *cfg
	masked.JIRA.Password = mask(cfg.JIRA.Password)
	masked.Lark.AppSecret = mask(cfg.Lark.AppSecret)

	out, err := yaml.Marshal(masked)
	if err != nil {
		fatalf("%v", err)
	}
	os.Stdout.Write(out)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func runConfigInit(cmd *cobra.Command, args []string) {
	if _, err := os.Stat(configPath); err == nil {
		fatalf("%s already exists, refusing to overwrite", configPath)
	}

	var (
		jiraURL, jiraUser, jiraPass string
		larkAppID, larkSecret       string
		teamName, wikiToken         string
		tableName, tableID, jql     string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("JIRA server URL").
				Placeholder("https://jira.example.com").Value(&jiraURL),
			huh.NewInput().Title("JIRA username").Value(&jiraUser),
			huh.NewInput().Title("JIRA password / API token").
				EchoMode(huh.EchoModePassword).Value(&jiraPass),
		),
		huh.NewGroup(
			huh.NewInput().Title("Lark app ID").Value(&larkAppID),
			huh.NewInput().Title("Lark app secret").
				EchoMode(huh.EchoModePassword).Value(&larkSecret),
		),
		huh.NewGroup(
			huh.NewInput().Title("First team name").Placeholder("platform").Value(&teamName),
			huh.NewInput().Title("Team wiki token").Value(&wikiToken),
			huh.NewInput().Title("First table name").Placeholder("Bugs").Value(&tableName),
			huh.NewInput().Title("Lark table ID").Placeholder("tblXXXX").Value(&tableID),
			huh.NewInput().Title("JQL query").
				Placeholder(`project = TP AND type = Bug`).Value(&jql),
		),
	)
	if err := form.Run(); err != nil {
		fatalf("%v", err)
	}

	cfg := map[string]any{
		"global": map[string]any{
			"schema_file":           "schema.yaml",
			"data_dir":              "data",
			"log_level":             "info",
			"default_sync_interval": "300s",
		},
		"jira": map[string]any{
			"server_url": jiraURL,
			"username":   jiraUser,
			"password":   jiraPass,
		},
		"lark": map[string]any{
			"app_id":     larkAppID,
			"app_secret": larkSecret,
		},
		"user_mapping": map[string]any{
			"enabled":       true,
			"email_domains": []string{"example.com"},
		},
		"teams": map[string]any{
			teamName: map[string]any{
				"wiki_token": wikiToken,
				"tables": map[string]any{
					"main": map[string]any{
						"name":      tableName,
						"table_id":  tableID,
						"jql_query": jql,
					},
				},
			},
		},
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		fatalf("%v", err)
	}
	if err := os.WriteFile(configPath, out, 0o600); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("wrote %s\n", configPath)
	fmt.Println("next: create schema.yaml with your field mappings, then run `jlsync config validate`")
}
