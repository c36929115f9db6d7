package main

import (
	"fmt"

	"wecombot/internal/config"

	"github.com/spf13/cobra"
)

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"account"},
		Short:   "List and edit WeCom accounts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			def := config.DefaultAccount(cfg)
			for _, id := range config.ListAccountIDs(cfg) {
				d := config.DescribeAccount(config.ResolveAccount(cfg, id))
				marker := " "
				if id == def {
					marker = "*"
				}
				fmt.Printf("%s %-16s enabled=%-5t configured=%-5t path=%s\n", marker, d.AccountID, d.Enabled, d.Configured, d.WebhookPath)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [accountId]",
		Short: "Show an account's effective settings (secrets masked)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			id := config.DefaultAccount(cfg)
			if len(args) == 1 {
				id = args[0]
			}
			acct := config.ResolveAccount(config.Sanitize(cfg), id)
			return printJSON(struct {
				config.AccountDescription
				AllowFrom      []string                  `json:"allowFrom"`
				GroupAllowFrom []string                  `json:"groupAllowFrom"`
				RequireMention bool                      `json:"requireMention"`
				Settings       config.WeComAccountConfig `json:"settings"`
			}{
				AccountDescription: config.DescribeAccount(acct),
				AllowFrom:          config.ResolveAllowFrom(acct),
				GroupAllowFrom:     config.ResolveGroupAllowFrom(acct),
				RequireMention:     config.ResolveRequireMention(acct),
				Settings:           acct.Config,
			})
		},
	})

	cmd.AddCommand(accountEditCmd("enable", "Enable an account", func(cfg *config.Config, id string) *config.Config {
		return config.SetAccountEnabled(cfg, id, true)
	}))
	cmd.AddCommand(accountEditCmd("disable", "Disable an account", func(cfg *config.Config, id string) *config.Config {
		return config.SetAccountEnabled(cfg, id, false)
	}))
	cmd.AddCommand(accountEditCmd("delete", "Delete an account's settings", config.DeleteAccount))

	return cmd
}

// accountEditCmd builds a command that applies edit to the config file and
// saves the result.
func accountEditCmd(use, short string, edit func(*config.Config, string) *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <accountId>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := editConfig(func(cfg *config.Config) (*config.Config, error) {
				return edit(cfg, args[0]), nil
			})
			if err != nil {
				return err
			}
			logger.Info("account updated", "account", args[0], "action", use, "file", resolveConfigPath())
			return nil
		},
	}
}
