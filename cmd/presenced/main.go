package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dotsetgreg/presenced/pkg/bus"
	"github.com/dotsetgreg/presenced/pkg/channels"
	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/collab"
	"github.com/dotsetgreg/presenced/pkg/config"
	"github.com/dotsetgreg/presenced/pkg/decay"
	"github.com/dotsetgreg/presenced/pkg/dispatch"
	"github.com/dotsetgreg/presenced/pkg/impulse"
	"github.com/dotsetgreg/presenced/pkg/journal"
	"github.com/dotsetgreg/presenced/pkg/logger"
	"github.com/dotsetgreg/presenced/pkg/presence"
	"github.com/dotsetgreg/presenced/pkg/proactive"
	"github.com/dotsetgreg/presenced/pkg/providers"
	"github.com/dotsetgreg/presenced/pkg/scalar"
	"github.com/dotsetgreg/presenced/pkg/status"
	"github.com/dotsetgreg/presenced/pkg/store"
)

// set via -ldflags at release time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if p := os.Getenv("PRESENCED_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "presenced.json"
	}
	return filepath.Join(home, ".presenced", "config.json")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func runOnboard(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Created %s\n\n", configPath)
	fmt.Println("Next steps:")
	fmt.Println("  1. Set an API key: edit providers.openrouter.api_key in the")
	fmt.Println("     config, or export PRESENCED_PROVIDERS_OPENROUTER_API_KEY.")
	fmt.Println("  2. Optionally configure channels.discord (token, channel_id).")
	fmt.Println("  3. Start the scheduler: presenced run")
	return nil
}

// validateRuntimeConfig fails fast on the settings run cannot work
// without. Discord is optional; without it outbound messages go only to
// channels registered at runtime.
func validateRuntimeConfig(cfg *config.Config) error {
	if err := providers.ValidateProviderConfig(cfg); err != nil {
		return err
	}
	if cfg.GetAPIKey() == "" {
		return fmt.Errorf("no API key configured for provider %q (run `presenced onboard` and edit the config)", cfg.Agent.Provider)
	}
	if cfg.Channels.Discord.Token == "" {
		logger.WarnC("main", "Discord not configured; running without a persistent delivery channel")
	}
	return nil
}

func minutesProfile(p config.IntervalProfile) decay.IntervalProfile {
	return decay.IntervalProfile{
		Min: time.Duration(p.MinMinutes) * time.Minute,
		Max: time.Duration(p.MaxMinutes) * time.Minute,
	}
}

func hoursDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

func runDaemon(configPath string, debug, withConsole bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := validateRuntimeConfig(cfg); err != nil {
		return err
	}

	clk := clock.NewSystem(cfg.Location())
	st, err := store.NewFileStore(cfg.DataDir())
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	seed := time.Now().UnixNano()

	scalars, err := scalar.Load(st, scalar.DefaultDefinitions())
	if err != nil {
		return fmt.Errorf("load scalar state: %w", err)
	}
	impulses, err := impulse.Load(clk, st, rand.New(rand.NewSource(seed)),
		cfg.Impulse.BaseDailyCap, cfg.Impulse.MaxDailyCap)
	if err != nil {
		return fmt.Errorf("load impulse store: %w", err)
	}
	jnl, err := journal.New(cfg.JournalPath(), clk, cfg.Journal.RetentionDays, cfg.Journal.MaintenanceCron)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jnl.Close()

	provider, err := providers.NewProvider(cfg)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	llm := collab.NewLLMClient(provider, cfg.Agent.Model, cfg.LLMTimeout(),
		cfg.Agent.MaxTokens, cfg.Agent.Temperature)
	analyzer := collab.NewLLMAnalyzer(llm)
	sleeper := collab.NewStoreSleeper(st)
	conversation := collab.NewTrackedConversation(clk)
	activity := collab.StaticActivity{}

	eb := bus.NewEventBus()
	dispatcher := dispatch.NewDispatcher(clk, eb, llm, analyzer,
		collab.LoggedResearcher{}, sleeper, conversation, jnl, 2*time.Minute)

	gate, err := proactive.NewGate(clk, st, llm, llm, dispatcher, sleeper,
		activity, conversation, scalars, rand.New(rand.NewSource(seed+1)),
		proactive.Config{
			DailyCap:         cfg.Proactive.DailyCap,
			MinCooldown:      hoursDuration(cfg.Proactive.MinCooldownHours),
			CheckIntervalMin: hoursDuration(cfg.Proactive.CheckIntervalMinHours),
			CheckIntervalMax: hoursDuration(cfg.Proactive.CheckIntervalMaxHours),
		})
	if err != nil {
		return fmt.Errorf("load proactive ledger: %w", err)
	}

	decayLoop, err := decay.NewLoop(clk, st, scalars, impulses, analyzer, nil,
		conversation, gate, decay.Config{
			AnalysisInterval: time.Duration(cfg.Decay.AnalysisIntervalSeconds) * time.Second,
			Active:           minutesProfile(cfg.Decay.ActiveProfile),
			Moderate:         minutesProfile(cfg.Decay.ModerateProfile),
			Quiet:            minutesProfile(cfg.Decay.QuietProfile),
		})
	if err != nil {
		return fmt.Errorf("load decay ledger: %w", err)
	}

	ledger, err := presence.LoadLedger(clk, st, cfg.Presence.HistorySize)
	if err != nil {
		return fmt.Errorf("load presence ledger: %w", err)
	}
	presenceLoop := presence.NewLoop(clk, ledger, llm, dispatcher, sleeper,
		activity, conversation, scalars, impulses,
		rand.New(rand.NewSource(seed+2)), presence.LoopConfig{
			MinInterval: time.Duration(cfg.Presence.MinIntervalMinutes) * time.Minute,
			MaxInterval: time.Duration(cfg.Presence.MaxIntervalMinutes) * time.Minute,
		})
	presenceLoop.SetFireRecorder(jnl)

	manager, err := channels.NewManager(cfg, eb)
	if err != nil {
		return err
	}
	if withConsole {
		manager.RegisterChannel(newConsoleChannel(eb))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	// Inbound pump: observed user turns refresh the recent-activity
	// gates both loops consult.
	go func() {
		for {
			msg, ok := eb.ConsumeUserMessage(ctx)
			if !ok {
				return
			}
			conversation.NoteUserMessage(msg.Content)
			logger.DebugCF("main", "User activity observed", map[string]any{
				"channel": msg.Channel,
			})
		}
	}()

	decayLoop.Start(ctx)
	presenceLoop.Start(ctx)

	logger.InfoCF("main", "presenced running", map[string]any{
		"version":  version,
		"data_dir": cfg.DataDir(),
		"model":    cfg.Agent.Model,
		"timezone": cfg.Scheduler.Timezone,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.InfoC("main", "Shutting down")

	// Stop deciding first, then let in-flight effects finish, then tear
	// down delivery.
	presenceLoop.Stop()
	decayLoop.Stop()
	cancel()
	dispatcher.Drain()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	manager.StopAll(stopCtx)
	eb.Close()

	logger.InfoC("main", "Goodbye")
	return nil
}

func runStatus(configPath string, asJSON bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := store.NewFileStore(cfg.DataDir())
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	clk := clock.NewSystem(cfg.Location())

	doc, err := status.Collect(clk, st, cfg)
	if err != nil {
		return err
	}
	if asJSON {
		out, err := doc.JSON()
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}
	fmt.Print(doc.Render())
	return nil
}

func runConfigShow(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Printf("Config path: %s\n\n", configPath)
	fmt.Printf("  agent:      %s via %s\n", cfg.Agent.Model, cfg.Agent.Provider)
	fmt.Printf("  timezone:   %s\n", cfg.Scheduler.Timezone)
	fmt.Printf("  data dir:   %s\n", cfg.DataDir())
	fmt.Printf("  journal:    %s (retention %dd)\n", cfg.JournalPath(), cfg.Journal.RetentionDays)
	if cfg.Channels.Discord.Token != "" {
		fmt.Printf("  discord:    configured (channel %s)\n", cfg.Channels.Discord.ChannelID)
	} else {
		fmt.Println("  discord:    not configured")
	}
	fmt.Printf("  presence:   every %d-%dm\n", cfg.Presence.MinIntervalMinutes, cfg.Presence.MaxIntervalMinutes)
	fmt.Printf("  proactive:  cap %d/day, cooldown %.1fh\n", cfg.Proactive.DailyCap, cfg.Proactive.MinCooldownHours)
	fmt.Printf("  impulses:   %d-%d/day\n", cfg.Impulse.BaseDailyCap, cfg.Impulse.MaxDailyCap)
	return nil
}
