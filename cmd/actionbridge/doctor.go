package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"actionbridge/internal/apiclient"
	"actionbridge/internal/config"
	"actionbridge/internal/memory"
	"actionbridge/internal/provider"
	"actionbridge/internal/tool"
)

const statusTimeout = 15 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your actionbridge installation",
		Long: `Verifies that the configuration, action catalogue, conversation store,
LLM providers and backend API are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("actionbridge doctor v%s\n", version)
			fmt.Printf("----------------------------------------\n\n")

			ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
			defer cancel()

			var r report

			// 1. Config file exists and validates
			if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'actionbridge init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			// 2. Action catalogue
			schemas, err := countActions(cfg)
			switch {
			case err != nil:
				r.fail("Catalog", err.Error())
			case schemas == 0:
				r.fail("Catalog", "no actions registered")
			default:
				r.pass("Catalog", fmt.Sprintf("%d action(s)", schemas))
			}

			// 3. Conversation store
			if store, err := memory.Open(ctx, cfg.Store, logger); err != nil {
				r.fail("Store", err.Error())
			} else {
				if err := store.Ping(ctx); err != nil {
					r.fail("Store", fmt.Sprintf("%s: %v", cfg.Store.Driver, err))
				} else {
					r.pass("Store", cfg.Store.Driver)
				}
				store.Close()
			}

			// 4. Providers
			health := providerHealth(ctx, cfg)
			if len(health) == 0 {
				r.fail("Providers", "no providers enabled")
			}
			for name, err := range health {
				switch {
				case err != nil && name == cfg.LLM.Provider:
					r.fail("Provider: "+name, err.Error())
				case err != nil:
					r.warn("Provider: "+name, err.Error())
				default:
					r.pass("Provider: "+name, "healthy")
				}
			}

			// 5. Backend API
			if err := backendHealth(ctx, cfg); err != nil {
				r.warn("Backend", fmt.Sprintf("%s: %v", cfg.API.BaseURL, err))
			} else {
				r.pass("Backend", cfg.API.BaseURL)
			}

			// 6. Metrics port
			if cfg.Metrics.Enabled {
				if err := checkPort(cfg.Metrics.Address); err != nil {
					r.warn("Metrics address", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Address, err))
				} else {
					r.pass("Metrics address", cfg.Metrics.Address+" available")
				}
			}

			// 7. Log file directory
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *report) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *report) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func (r *report) summary() error {
	fmt.Printf("\n----------------------------------------\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running actionbridge.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nactionbridge should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed.\n")
	}
	return nil
}

func countActions(cfg *config.Config) (int, error) {
	n := 0
	if cfg.Catalog.Builtin {
		builtin, err := tool.Builtin()
		if err != nil {
			return 0, err
		}
		n += len(tool.NewFilter(cfg.Catalog.Allow, cfg.Catalog.Deny).Apply(builtin))
	}
	if cfg.Catalog.Path != "" {
		loaded, err := tool.LoadCatalog(cfg.Catalog.Path, logger)
		if err != nil {
			return 0, err
		}
		n += len(tool.NewFilter(cfg.Catalog.Allow, cfg.Catalog.Deny).Apply(loaded))
	}
	return n, nil
}

func providerHealth(ctx context.Context, cfg *config.Config) map[string]error {
	return provider.NewFactory(cfg, logger).Check(ctx)
}

func backendHealth(ctx context.Context, cfg *config.Config) error {
	client, err := apiclient.New(apiclient.Config{
		BaseURL: cfg.API.BaseURL,
		APIKey:  cfg.API.APIKey,
		Timeout: cfg.API.Timeout(),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	return client.Ping(ctx)
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
