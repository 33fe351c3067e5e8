package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Crowdcompany/CrowdCompanyBot/pkg/config"
	"github.com/Crowdcompany/CrowdCompanyBot/pkg/memory"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func shellContext() context.Context {
	return context.Background()
}

func buildRootCommand() *cobra.Command {
	var (
		configPath  string
		debug       bool
		showVersion bool
	)

	root := &cobra.Command{
		Use:   "crowdmem",
		Short: "Hierarchical long-term conversation memory with tiered retention",
		Long: strings.TrimSpace(`crowdmem stores per-user conversation memory in daily buckets and
condenses it over time: daily into weekly, weekly into monthly, monthly
into yearly, with importance scoring deciding what survives each step.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "Path to config file")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	svc := func() (*memory.Service, *config.Config, error) {
		return buildService(configPath, debug)
	}

	root.AddCommand(newInitCommand(svc))
	root.AddCommand(newAppendCommand(svc))
	root.AddCommand(newContextCommand(svc))
	root.AddCommand(newCleanupCommand(svc))
	root.AddCommand(newProtectCommand(svc, true))
	root.AddCommand(newProtectCommand(svc, false))
	root.AddCommand(newSnapshotsCommand(svc))
	root.AddCommand(newRollbackCommand(svc))
	root.AddCommand(newStatusCommand(svc))
	root.AddCommand(newShellCommand(svc))
	root.AddCommand(newServeCommand(svc))
	root.AddCommand(&cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  crowdmem version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	})
	return root
}

type serviceFactory func() (*memory.Service, *config.Config, error)

func newInitCommand(build serviceFactory) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Bootstrap the memory layout for a user",
		Example: "  crowdmem init --user alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := build()
			if err != nil {
				return err
			}
			defer svc.Close()
			if err := svc.EnsureUser(user); err != nil {
				return err
			}
			fmt.Printf("memory initialized for %s\n", user)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "User ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newAppendCommand(build serviceFactory) *cobra.Command {
	var (
		user    string
		speaker string
	)
	cmd := &cobra.Command{
		Use:     "append [message]",
		Short:   "Record a conversation message in today's daily bucket",
		Example: "  crowdmem append --user alice \"remember that I prefer window seats\"",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := build()
			if err != nil {
				return err
			}
			defer svc.Close()
			entry, err := svc.AppendMessage(user, speaker, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Printf("recorded %s\n", entry.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "User ID")
	cmd.Flags().StringVarP(&speaker, "speaker", "s", "user", "Speaker label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newContextCommand(build serviceFactory) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "context [query]",
		Short: "Assemble the memory context for a model turn",
		Example: strings.Join([]string{
			"  crowdmem context --user alice",
			"  crowdmem context --user alice \"what did we discuss on 2026-08-12\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := build()
			if err != nil {
				return err
			}
			defer svc.Close()
			lc, err := svc.LoadContext(cmd.Context(), user, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Println(memory.FormatForModel(lc))
			fmt.Printf("-- %d tokens, loaded: %s\n", lc.TotalTokens, strings.Join(lc.Loaded, ", "))
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "User ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newCleanupCommand(build serviceFactory) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run the retention pipeline now",
		Long:  "Run scoring, soft trim, tier promotion and archive compression immediately, for one user or for everyone.",
		Example: strings.Join([]string{
			"  crowdmem cleanup --user alice",
			"  crowdmem cleanup",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := build()
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
			defer cancel()
			if user != "" {
				stats, err := svc.ForceCleanup(ctx, user)
				if err != nil {
					return err
				}
				fmt.Printf("trimmed=%d weekly=%d monthly=%d yearly=%d archived=%d compressed=%d\n",
					stats.SoftTrimmed, stats.WeeklySummaries, stats.MonthlySummaries,
					stats.YearlySummaries, stats.Archived, stats.Compressed)
				return nil
			}
			stats, err := svc.RunScheduledCleanup(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("users=%d errors=%d trimmed=%d weekly=%d monthly=%d yearly=%d compressed=%d\n",
				stats.ProcessedUsers, stats.Errors, stats.SoftTrimmed,
				stats.WeeklySummaries, stats.MonthlySummaries, stats.YearlySummaries, stats.Compressed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "User ID (omit to clean every user)")
	return cmd
}

func newProtectCommand(build serviceFactory, protect bool) *cobra.Command {
	use, short := "protect", "Pin an entry so it survives every cleanup verbatim"
	if !protect {
		use, short = "unprotect", "Release a pinned entry back to normal retention"
	}
	var user string
	cmd := &cobra.Command{
		Use:     use + " [entry-id]",
		Short:   short,
		Example: fmt.Sprintf("  crowdmem %s --user alice 2f1d...", use),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := build()
			if err != nil {
				return err
			}
			defer svc.Close()
			if protect {
				err = svc.Protect(user, args[0])
			} else {
				err = svc.Unprotect(user, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("%sed %s\n", use, args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "User ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newSnapshotsCommand(build serviceFactory) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:     "snapshots",
		Short:   "List index rollback points, newest first",
		Example: "  crowdmem snapshots --user alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := build()
			if err != nil {
				return err
			}
			defer svc.Close()
			stamps, err := svc.ListIndexSnapshots(user)
			if err != nil {
				return err
			}
			if len(stamps) == 0 {
				fmt.Println("no snapshots")
				return nil
			}
			for _, s := range stamps {
				fmt.Println(s)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "User ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newRollbackCommand(build serviceFactory) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:     "rollback [stamp]",
		Short:   "Restore the master index from a snapshot",
		Example: "  crowdmem rollback --user alice 20260829T040000",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := build()
			if err != nil {
				return err
			}
			defer svc.Close()
			if err := svc.RollbackIndex(user, args[0]); err != nil {
				return err
			}
			fmt.Printf("index restored from %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "User ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newStatusCommand(build serviceFactory) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show memory statistics",
		Example: strings.Join([]string{
			"  crowdmem status --user alice",
			"  crowdmem status",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := build()
			if err != nil {
				return err
			}
			defer svc.Close()
			if user != "" {
				printUserStats(svc, user)
				return nil
			}
			users, err := svc.Users()
			if err != nil {
				return err
			}
			if len(users) == 0 {
				fmt.Println("no users")
				return nil
			}
			for _, u := range users {
				fmt.Printf("%s:\n", u)
				printUserStats(svc, u)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "User ID (omit for all users)")
	return cmd
}

func newShellCommand(build serviceFactory) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:     "shell",
		Short:   "Interactive memory session",
		Example: "  crowdmem shell --user alice",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := build()
			if err != nil {
				return err
			}
			defer svc.Close()
			return runShell(svc, user)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "User ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newServeCommand(build serviceFactory) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Run the background cleanup scheduler until interrupted",
		Long:    "Keep the cron and size triggers armed: the daily schedule runs the full pipeline, and users over a storage ceiling are cleaned immediately.",
		Example: "  crowdmem serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := build()
			if err != nil {
				return err
			}
			return runServe(svc)
		},
	}
}
