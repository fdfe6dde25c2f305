package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/recfleet"
)

// GlobalFlags holds persistent flags shared by all CLI commands.
type GlobalFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// RuleFlags holds flags for rule add.
type RuleFlags struct {
	Name              string
	Description       string
	MatchExpression   string
	EventSpecifier    string
	MaxAgeSeconds     int
	MaxSizeBytes      int64
	ArchivalPeriod    int
	PreservedArchives int
	Archiver          bool
}

// CredentialFlags holds flags for credential add.
type CredentialFlags struct {
	MatchExpression string
	Username        string
	Password        string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "recfleet",
		Short: "JVM fleet recording orchestrator",
		Long: `Recfleet discovers JVM targets, matches them against declarative rules,
and drives flight recorder recording and archival on every match.

Examples:
  recfleet serve --config=recfleet.toml
  recfleet rule add --name=demo --match-expression='target.alias == "demo.Main"' --event-specifier=template=Continuous
  recfleet rule list
  recfleet credential add --match-expression='target.alias != ""' --username=admin --password=secret
  recfleet target list`,
	}
	root.PersistentFlags().StringVar(&globalFlags.APIUrl, "api-url", "", "daemon URL (default http://localhost:8090)")
	root.PersistentFlags().DurationVar(&globalFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		createServeCommand(),
		createRuleCommand(globalFlags),
		createCredentialCommand(globalFlags),
		createTargetCommand(globalFlags),
	)
	return root
}

func createServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recfleet daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := recfleet.LoadConfig(configPath)
			if err != nil {
				return err
			}
			d, err := recfleet.New(cfg)
			if err != nil {
				return err
			}
			if err := d.Start(); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return d.Stop(ctx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "recfleet.toml", "path to TOML config file")
	return cmd
}

func createRuleCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage automation rules",
	}

	ruleFlags := &RuleFlags{}
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a rule on the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(globalFlags.APIUrl, globalFlags.APITimeout)
			return c.AddRule(recfleet.Rule{
				Name:                  ruleFlags.Name,
				Description:           ruleFlags.Description,
				MatchExpression:       ruleFlags.MatchExpression,
				EventSpecifier:        ruleFlags.EventSpecifier,
				MaxAgeSeconds:         ruleFlags.MaxAgeSeconds,
				MaxSizeBytes:          ruleFlags.MaxSizeBytes,
				ArchivalPeriodSeconds: ruleFlags.ArchivalPeriod,
				PreservedArchives:     ruleFlags.PreservedArchives,
				Archiver:              ruleFlags.Archiver,
			})
		},
	}
	add.Flags().StringVar(&ruleFlags.Name, "name", "", "rule name (required)")
	add.Flags().StringVar(&ruleFlags.Description, "description", "", "human-readable description")
	add.Flags().StringVar(&ruleFlags.MatchExpression, "match-expression", "", "target match expression (required)")
	add.Flags().StringVar(&ruleFlags.EventSpecifier, "event-specifier", "", "template=NAME[,type=TYPE] (required)")
	add.Flags().IntVar(&ruleFlags.MaxAgeSeconds, "max-age", 0, "recording data max age in seconds (0 = unbounded)")
	add.Flags().Int64Var(&ruleFlags.MaxSizeBytes, "max-size", 0, "recording max size in bytes (0 = unbounded)")
	add.Flags().IntVar(&ruleFlags.ArchivalPeriod, "archival-period", 0, "seconds between periodic archivals (0 = disabled)")
	add.Flags().IntVar(&ruleFlags.PreservedArchives, "preserved-archives", 0, "archived copies to retain (0 = disabled)")
	add.Flags().BoolVar(&ruleFlags.Archiver, "archiver", false, "one-shot snapshot instead of continuous recording")
	for _, f := range []string{"name", "match-expression", "event-specifier"} {
		if err := add.MarkFlagRequired(f); err != nil {
			panic(err)
		}
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(globalFlags.APIUrl, globalFlags.APITimeout)
			rules, err := c.ListRules()
			if err != nil {
				return err
			}
			return printJSON(cmd, rules)
		},
	}

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(globalFlags.APIUrl, globalFlags.APITimeout)
			return c.RemoveRule(args[0])
		},
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func createCredentialCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage stored target credentials",
	}

	credFlags := &CredentialFlags{}
	add := &cobra.Command{
		Use:   "add",
		Short: "Store credentials for matching targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(globalFlags.APIUrl, globalFlags.APITimeout)
			id, err := c.AddCredential(credFlags.MatchExpression, credFlags.Username, credFlags.Password)
			if err != nil {
				return err
			}
			cmd.Printf("stored credential %d\n", id)
			return nil
		},
	}
	add.Flags().StringVar(&credFlags.MatchExpression, "match-expression", "", "target match expression (required)")
	add.Flags().StringVar(&credFlags.Username, "username", "", "username (required)")
	add.Flags().StringVar(&credFlags.Password, "password", "", "password (required)")
	for _, f := range []string{"match-expression", "username", "password"} {
		if err := add.MarkFlagRequired(f); err != nil {
			panic(err)
		}
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored credentials (passwords redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(globalFlags.APIUrl, globalFlags.APITimeout)
			creds, err := c.ListCredentials()
			if err != nil {
				return err
			}
			return printJSON(cmd, creds)
		},
	}

	var removeID int64
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Delete stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(globalFlags.APIUrl, globalFlags.APITimeout)
			return c.RemoveCredential(removeID)
		},
	}
	remove.Flags().Int64Var(&removeID, "id", 0, "credential id (required)")
	if err := remove.MarkFlagRequired("id"); err != nil {
		panic(err)
	}

	cmd.AddCommand(add, list, remove)
	return cmd
}

func createTargetCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Inspect discovered targets",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List discoverable targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewAPIClient(globalFlags.APIUrl, globalFlags.APITimeout)
			refs, err := c.ListTargets()
			if err != nil {
				return err
			}
			return printJSON(cmd, refs)
		},
	}
	cmd.AddCommand(list)
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
