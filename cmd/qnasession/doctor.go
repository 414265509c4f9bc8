package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"qnasession/internal/config"
	"qnasession/internal/forward"
	"qnasession/internal/provider"
	"qnasession/internal/realtime"
	"qnasession/internal/store"
)

// checks tallies doctor results.
type checks struct {
	passed, failed, warned int
}

func (c *checks) pass(check, detail string) {
	printPass(check, detail)
	c.passed++
}

func (c *checks) fail(check, detail string) {
	printFail(check, detail)
	c.failed++
}

func (c *checks) warn(check, detail string) {
	printWarn(check, detail)
	c.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your qnasession setup",
		Long: `Verifies that the configuration, store, classifier credentials,
realtime endpoint and Kafka brokers are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("%s v%s\n", color.CyanString("qnasession doctor"), version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var c checks

			if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				c.warn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
			} else {
				c.pass("Config file", cfgPath)
			}

			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				c.fail("Config", err.Error())
				return summarize(c)
			}
			if err := config.Validate(cfg); err != nil {
				c.fail("Config validation", err.Error())
			} else {
				c.pass("Config validation", "valid")
			}

			doctorStore(&c, cfg)
			doctorClassifier(&c, cfg)
			doctorRealtime(&c, cfg)
			doctorKafka(&c, cfg)

			if cfg.API.Enabled {
				if err := checkPort(cfg.API.Host, cfg.API.Port); err != nil {
					c.warn("API port", fmt.Sprintf("%s may be in use: %v", cfg.API.Addr(), err))
				} else {
					c.pass("API port", cfg.API.Addr()+" available")
				}
			}

			return summarize(c)
		},
	}
}

func summarize(c checks) error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", c.passed, c.warned, c.failed)
	if c.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running qnasession.\n")
		return fmt.Errorf("%d check(s) failed", c.failed)
	}
	if c.warned > 0 {
		fmt.Printf("\nqnasession should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed.\n")
	}
	return nil
}

func doctorStore(c *checks, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		c.fail("Store", err.Error())
		return
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		c.fail("Store", fmt.Sprintf("ping: %v", err))
		return
	}
	detail := cfg.Store.Driver
	if cfg.Store.Driver == store.DriverSQLite {
		detail += " " + config.ExpandPath(cfg.Store.DBPath)
	}
	c.pass("Store", detail)
}

func doctorClassifier(c *checks, cfg *config.Config) {
	cc := cfg.Classifier
	switch {
	case !cfg.Clustering.Enabled:
		c.warn("Classifier", "clustering disabled")
	case cc.Mode == config.ModeKeywords:
		c.pass("Classifier", "keyword fallback")
	case !slices.Contains(provider.Names(), cc.Provider):
		c.fail("Classifier", fmt.Sprintf("unknown provider %q (available: %s)", cc.Provider, strings.Join(provider.Names(), ", ")))
	case cc.Mode == config.ModeLLM && (cc.APIKey == "" || !cc.Enabled):
		c.fail("Classifier", "mode llm but no usable provider; every room will be skipped")
	case cc.UseLLM():
		c.pass("Classifier", fmt.Sprintf("%s %s (key %s)", cc.Provider, cc.Model, config.MaskSecret(cc.APIKey)))
	default:
		c.warn("Classifier", "no API key, using keyword fallback")
	}
}

func doctorRealtime(c *checks, cfg *config.Config) {
	if !cfg.Realtime.Enabled {
		c.warn("Realtime", "disabled")
		return
	}
	if cfg.Realtime.AnonKey == "" {
		c.fail("Realtime", "anon key not set (SUPABASE_ANON_KEY)")
		return
	}
	if _, err := realtime.BuildURL(cfg.Realtime.ProjectURL, cfg.Realtime.AnonKey); err != nil {
		c.fail("Realtime", err.Error())
		return
	}
	c.pass("Realtime", fmt.Sprintf("%s (%d tables)", cfg.Realtime.ProjectURL, len(cfg.Realtime.Tables)))
}

func doctorKafka(c *checks, cfg *config.Config) {
	if !cfg.Kafka.Enabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := forward.Ping(ctx, cfg.Kafka.Brokers); err != nil {
		c.fail("Kafka", fmt.Sprintf("no broker reachable: %v", err))
		return
	}
	c.pass("Kafka", fmt.Sprintf("topic %s", cfg.Kafka.Topic))
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  %s %-20s %s\n", color.GreenString("[PASS]"), check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  %s %-20s %s\n", color.RedString("[FAIL]"), check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  %s %-20s %s\n", color.YellowString("[WARN]"), check, detail)
}
