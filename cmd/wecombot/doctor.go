package main

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"wecombot/internal/channel"
	"wecombot/internal/config"
	"wecombot/internal/store"

	"github.com/spf13/cobra"
)

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-24s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-24s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-24s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, credentials, store and listener port",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wecombot doctor v%s\n\n", version)
			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", "not found at "+cfgPath)
				fmt.Println("\nRun 'wecombot init' to create a default configuration.")
				return fmt.Errorf("config missing")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", "valid")

			running := 0
			for _, id := range config.ListAccountIDs(cfg) {
				acct := config.ResolveAccount(cfg, id)
				name := "Account " + id
				switch {
				case !acct.Enabled:
					r.warn(name, "disabled")
				case !acct.Configured:
					r.warn(name, "token or encodingAESKey missing; webhook will not register")
				default:
					if err := channel.CheckCredentials(acct); err != nil {
						r.fail(name, err.Error())
						continue
					}
					running++
					r.pass(name, "webhook "+acct.WebhookPath())
				}
			}
			if running == 0 {
				r.fail("Accounts", "no account would start")
			}

			if cfg.Store.Enabled {
				st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
				if err != nil {
					r.fail("Status store", err.Error())
				} else {
					st.Close()
					r.pass("Status store", cfg.Store.DBPath)
				}
			} else {
				r.warn("Status store", "disabled; redelivered callbacks are only de-duplicated in memory")
			}

			addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
			if ln, err := net.Listen("tcp", addr); err != nil {
				r.warn("Listener", fmt.Sprintf("%s may be in use: %v", addr, err))
			} else {
				ln.Close()
				r.pass("Listener", addr+" available")
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}
