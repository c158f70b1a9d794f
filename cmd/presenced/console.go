package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/presenced/pkg/bus"
	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/collab"
	"github.com/dotsetgreg/presenced/pkg/impulse"
	"github.com/dotsetgreg/presenced/pkg/journal"
	"github.com/dotsetgreg/presenced/pkg/logger"
	"github.com/dotsetgreg/presenced/pkg/status"
	"github.com/dotsetgreg/presenced/pkg/store"
)

func historyPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".presenced", name)
}

// consoleChannel is a stdin/stdout delivery channel for running the
// scheduler without Discord: outbound messages print to the terminal
// and typed lines count as user turns.
type consoleChannel struct {
	eb      *bus.EventBus
	rl      *readline.Instance
	running atomic.Bool
	done    chan struct{}
}

func newConsoleChannel(eb *bus.EventBus) *consoleChannel {
	return &consoleChannel{eb: eb, done: make(chan struct{})}
}

func (c *consoleChannel) Name() string    { return "console" }
func (c *consoleChannel) IsRunning() bool { return c.running.Load() }

func (c *consoleChannel) Start(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     historyPath("console_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "detach",
	})
	if err != nil {
		return fmt.Errorf("open console: %w", err)
	}
	c.rl = rl
	c.running.Store(true)

	go c.readLoop()
	return nil
}

func (c *consoleChannel) readLoop() {
	defer close(c.done)
	for {
		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil { // io.EOF or closed
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		c.eb.PublishUserMessage(bus.UserMessage{
			Channel:    c.Name(),
			SenderID:   "console",
			Content:    line,
			ReceivedAt: time.Now(),
		})
	}
}

func (c *consoleChannel) Stop(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	_ = c.rl.Close()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		logger.WarnC("console", "Console reader did not stop cleanly")
	}
	return nil
}

func (c *consoleChannel) Deliver(ctx context.Context, msg bus.ProactiveMessage) error {
	if !c.running.Load() {
		return fmt.Errorf("console channel not running")
	}
	fmt.Fprintf(c.rl.Stdout(), "\nagent [%s] %s\n", msg.Kind, msg.Content)
	return nil
}

// runConsole is the offline inspection shell. It works on the persisted
// documents directly, so it can run beside or instead of the daemon.
func runConsole(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := store.NewFileStore(cfg.DataDir())
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	clk := clock.NewSystem(cfg.Location())

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "presenced> ",
		HistoryFile:     historyPath("inspect_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("open console: %w", err)
	}
	defer rl.Close()

	fmt.Println("presenced console. Type `help` for commands, `quit` to leave.")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit":
			return nil
		case "help":
			printConsoleHelp()
		case "status":
			doc, err := status.Collect(clk, st, cfg)
			if err != nil {
				fmt.Printf("status: %v\n", err)
				continue
			}
			if len(fields) > 1 && fields[1] == "json" {
				out, err := doc.JSON()
				if err != nil {
					fmt.Printf("status: %v\n", err)
					continue
				}
				fmt.Println(out)
			} else {
				fmt.Print(doc.Render())
			}
		case "impulses":
			listImpulses(clk, st, cfg.Impulse.BaseDailyCap, cfg.Impulse.MaxDailyCap)
		case "decisions":
			n := 10
			if len(fields) > 1 {
				if parsed, err := strconv.Atoi(fields[1]); err == nil && parsed > 0 {
					n = parsed
				}
			}
			listDecisions(cfg.JournalPath(), clk, cfg.Journal.RetentionDays, cfg.Journal.MaintenanceCron, n)
		case "outreaches":
			listOutreaches(cfg.JournalPath(), clk, cfg.Journal.RetentionDays, cfg.Journal.MaintenanceCron)
		case "seed":
			seedImpulse(clk, st, cfg.Impulse.BaseDailyCap, cfg.Impulse.MaxDailyCap, fields[1:])
		case "sleep", "wake":
			sleeper := collab.NewStoreSleeper(st)
			if err := sleeper.SetSleeping(fields[0] == "sleep"); err != nil {
				fmt.Printf("%s: %v\n", fields[0], err)
				continue
			}
			fmt.Printf("sleeping: %v\n", sleeper.IsSleeping())
		default:
			fmt.Printf("unknown command %q, try `help`\n", fields[0])
		}
	}
}

func printConsoleHelp() {
	fmt.Println(`commands:
  status [json]              persisted scheduler state
  impulses                   list stored impulses
  decisions [n]              recent journal entries (default 10)
  outreaches                 today's proactive outreaches
  seed <kind> <charge> [ctx] store an impulse, e.g. seed curiosity 0.6 tides
  sleep | wake               toggle the sleep flag
  quit                       leave the console`)
}

func listImpulses(clk clock.Clock, st store.Store, baseCap, maxCap int) {
	engine, err := impulse.Load(clk, st, rand.New(rand.NewSource(time.Now().UnixNano())), baseCap, maxCap)
	if err != nil {
		fmt.Printf("impulses: %v\n", err)
		return
	}
	snapshot := engine.Snapshot()
	if len(snapshot) == 0 {
		fmt.Println("no stored impulses")
		return
	}
	for _, imp := range snapshot {
		fmt.Printf("  [%s] %-18s charge %.2f  %s  (%s)\n",
			imp.Status, imp.Kind, imp.BaseCharge, clock.AgeDisplay(clk, imp.CreatedAt), imp.Context)
	}
	created, fired, active := engine.Counters()
	fmt.Printf("totals: %d created, %d fired, %d active\n", created, fired, active)
}

func listDecisions(path string, clk clock.Clock, retentionDays int, maintenanceCron string, n int) {
	jnl, err := journal.New(path, clk, retentionDays, maintenanceCron)
	if err != nil {
		fmt.Printf("journal: %v\n", err)
		return
	}
	defer jnl.Close()

	entries, err := jnl.RecentDecisions(n)
	if err != nil {
		fmt.Printf("journal: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("journal is empty")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("  %s  %-10s %s", e.CreatedAt.Format("Jan 02 15:04"), e.Kind, e.Action)
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		fmt.Println(line)
	}
}

func listOutreaches(path string, clk clock.Clock, retentionDays int, maintenanceCron string) {
	jnl, err := journal.New(path, clk, retentionDays, maintenanceCron)
	if err != nil {
		fmt.Printf("journal: %v\n", err)
		return
	}
	defer jnl.Close()

	entries, err := jnl.OutreachesOn(clk.Now())
	if err != nil {
		fmt.Printf("journal: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("no outreaches today")
		return
	}
	for _, e := range entries {
		fmt.Printf("  %s  %-22s %s\n", e.CreatedAt.In(clk.Location()).Format("15:04"), e.Action, e.Detail)
	}
}

func seedImpulse(clk clock.Clock, st store.Store, baseCap, maxCap int, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: seed <kind> <charge> [context...]")
		return
	}
	charge, err := strconv.ParseFloat(args[1], 64)
	if err != nil || charge < 0 || charge > 1 {
		fmt.Println("charge must be a number in [0,1]")
		return
	}

	engine, err := impulse.Load(clk, st, rand.New(rand.NewSource(time.Now().UnixNano())), baseCap, maxCap)
	if err != nil {
		fmt.Printf("impulses: %v\n", err)
		return
	}
	before := engine.ActiveCount()
	if err := engine.Store([]impulse.Impulse{{
		Kind:       impulse.Kind(args[0]),
		BaseCharge: charge,
		Context:    strings.Join(args[2:], " "),
	}}); err != nil {
		fmt.Printf("seed: %v\n", err)
		return
	}
	if engine.ActiveCount() == before {
		fmt.Printf("impulse rejected (unknown kind %q?)\n", args[0])
		return
	}
	fmt.Printf("stored %s impulse at charge %.2f\n", args[0], charge)
}
