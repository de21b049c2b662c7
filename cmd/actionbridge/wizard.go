package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"actionbridge/internal/config"
)

// providerMeta describes a provider option for the wizard.
type providerMeta struct {
	Name         string
	NeedsKey     bool
	EnvVar       string
	DefaultModel string
}

var knownProviders = []providerMeta{
	{Name: "ollama", DefaultModel: "llama3.1:8b"},
	{Name: "openai", NeedsKey: true, EnvVar: "OPENAI_API_KEY", DefaultModel: "gpt-4o-mini"},
	{Name: "claude", NeedsKey: true, EnvVar: "ANTHROPIC_API_KEY", DefaultModel: "claude-sonnet-4-5"},
	{Name: "gemini", NeedsKey: true, EnvVar: "GEMINI_API_KEY", DefaultModel: "gemini-2.0-flash"},
}

var knownStores = []struct {
	ID   string
	Desc string
}{
	{"sqlite", "Embedded SQLite file"},
	{"mysql", "MySQL server"},
	{"redis", "Redis server"},
	{"memory", "In-memory, nothing survives a restart"},
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: provider, backend API, store, save config",
		Long:  "Guides you through the LLM provider (and API key if needed), the backend API base URL and the conversation store. Writes config to the path used by --config or default.",
		RunE:  runWizard,
	}
}

func runWizard(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Defaults()
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(def string) (string, error) {
		if def != "" {
			fmt.Fprintf(os.Stdout, " [%s]: ", def)
		} else {
			fmt.Fprint(os.Stdout, ": ")
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(line)
		if s == "" {
			return def, nil
		}
		return s, nil
	}
	choose := func(n int, def int) (int, error) {
		choice, err := prompt(fmt.Sprint(def))
		if err != nil {
			return 0, err
		}
		var idx int
		if k, _ := fmt.Sscanf(choice, "%d", &idx); k != 1 || idx < 1 || idx > n {
			idx = def
		}
		return idx, nil
	}

	// Step 1: Provider
	fmt.Println("\n--- Step 1: LLM provider ---")
	def := 1
	for i, p := range knownProviders {
		fmt.Fprintf(os.Stdout, "  %d) %s", i+1, p.Name)
		if p.NeedsKey {
			fmt.Fprintf(os.Stdout, " (set %s)", p.EnvVar)
		}
		fmt.Println()
		if p.Name == cfg.LLM.Provider {
			def = i + 1
		}
	}
	fmt.Fprintf(os.Stdout, "Choose provider (1-%d)", len(knownProviders))
	idx, err := choose(len(knownProviders), def)
	if err != nil {
		return err
	}
	prov := knownProviders[idx-1]
	cfg.LLM.Provider = prov.Name
	pc := cfg.Providers[prov.Name]
	pc.Enabled = true
	if pc.DefaultModel == "" {
		pc.DefaultModel = prov.DefaultModel
	}
	if prov.NeedsKey {
		fmt.Fprintf(os.Stdout, "API key: paste key or env var (e.g. ${%s})", prov.EnvVar)
		key, err := prompt("${" + prov.EnvVar + "}")
		if err != nil {
			return err
		}
		pc.APIKey = key
	}
	cfg.Providers[prov.Name] = pc
	fmt.Fprintf(os.Stdout, "  Using provider: %s\n", prov.Name)

	// Step 2: Backend
	fmt.Println("\n--- Step 2: Backend API ---")
	fmt.Fprint(os.Stdout, "Base URL of the API that actions call")
	base, err := prompt(cfg.API.BaseURL)
	if err != nil {
		return err
	}
	cfg.API.BaseURL = base

	// Step 3: Store
	fmt.Println("\n--- Step 3: Conversation store ---")
	def = 1
	for i, s := range knownStores {
		fmt.Fprintf(os.Stdout, "  %d) %s: %s\n", i+1, s.ID, s.Desc)
		if s.ID == cfg.Store.Driver {
			def = i + 1
		}
	}
	fmt.Fprintf(os.Stdout, "Choose store (1-%d)", len(knownStores))
	idx, err = choose(len(knownStores), def)
	if err != nil {
		return err
	}
	cfg.Store.Driver = knownStores[idx-1].ID
	switch cfg.Store.Driver {
	case "sqlite":
		fmt.Fprint(os.Stdout, "Database file")
		if cfg.Store.DBPath, err = prompt(cfg.Store.DBPath); err != nil {
			return err
		}
	case "mysql":
		fmt.Fprint(os.Stdout, "DSN (user:pass@tcp(host:3306)/db?parseTime=true)")
		if cfg.Store.DSN, err = prompt(cfg.Store.DSN); err != nil {
			return err
		}
	case "redis":
		fmt.Fprint(os.Stdout, "Redis address")
		if cfg.Store.Redis.Addr, err = prompt(cfg.Store.Redis.Addr); err != nil {
			return err
		}
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nConfig saved to %s\n", cfgPath)
	fmt.Println("Next: run 'actionbridge doctor', then 'actionbridge chat'.")
	return nil
}
