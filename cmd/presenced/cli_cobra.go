package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "presenced",
		Short: "Autonomous behavior scheduler",
		Long: `presenced runs the autonomous behavior scheduler: a presence loop
that periodically decides whether the agent should act on its own, a
decay loop that drifts internal state between interactions, and a
proactive gate that paces unprompted outreach.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().String("config", "", "config file path (default ~/.presenced/config.json)")

	root.AddCommand(
		newOnboardCommand(),
		newRunCommand(),
		newStatusCommand(),
		newConsoleCommand(),
		newConfigCommand(),
		newVersionCommand(),
	)
	return root
}

func configPathFromFlags(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	return getConfigPath()
}

func newOnboardCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Create a starter config",
		Example: `  presenced onboard
  presenced onboard --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(configPathFromFlags(cmd), force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func newRunCommand() *cobra.Command {
	var (
		debug       bool
		withConsole bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler",
		Long: `Run starts the presence and decay loops and keeps them running
until interrupted. Outbound messages go to the configured channels;
pass --console to also print them to stdout and type as the user.`,
		Example: `  presenced run
  presenced run --debug --console`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPathFromFlags(cmd), debug, withConsole)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "log at debug level")
	cmd.Flags().BoolVar(&withConsole, "console", false, "attach an interactive console channel")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler state",
		Long: `Status reads the persisted ledgers and prints mood, scalar values,
loop timing and recent decisions. It works against a running scheduler
or a stopped one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(configPathFromFlags(cmd), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of the text layout")
	return cmd
}

func newConsoleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Inspect and poke the persisted state",
		Long: `Console opens an interactive shell over the state directory:
inspect status, list impulses and journal entries, seed an impulse, or
toggle sleep. It operates on the persisted documents directly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(configPathFromFlags(cmd))
		},
	}
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(configPathFromFlags(cmd))
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("presenced %s (%s)\n", version, commit)
		},
	}
}
