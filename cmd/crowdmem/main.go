package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/Crowdcompany/CrowdCompanyBot/pkg/config"
	"github.com/Crowdcompany/CrowdCompanyBot/pkg/logger"
	"github.com/Crowdcompany/CrowdCompanyBot/pkg/memory"
	"github.com/Crowdcompany/CrowdCompanyBot/pkg/oracle"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("crowdmem %s (built %s)\n", version, buildTime)
}

// buildService loads the configuration and assembles the memory service
// with whichever oracle backend has credentials. No credentials at all is
// fine: everything degrades to the rule-based paths.
func buildService(configPath string, debug bool) (*memory.Service, *config.Config, error) {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	var (
		scoreOracle   memory.ScoreOracle
		summaryOracle memory.SummaryOracle
		rankOracle    memory.RankOracle
	)
	if completer := buildCompleter(cfg); completer != nil {
		o := oracle.New(completer)
		scoreOracle, summaryOracle, rankOracle = o, o, o
	} else {
		logger.WarnC("main", "No oracle credentials configured, running on rule fallbacks")
	}

	svc, err := memory.NewService(memory.Config{
		DataDir: cfg.DataDirPath(),
		Scheduler: memory.SchedulerConfig{
			CronExpr:             cfg.Cleanup.CronExpr,
			SoftTrimAfterDays:    cfg.Cleanup.SoftTrimAfterDays,
			WeeklyAfterDays:      cfg.Cleanup.WeeklyAfterDays,
			MonthlyAfterDays:     cfg.Cleanup.MonthlyAfterDays,
			CompressAfterDays:    cfg.Cleanup.CompressAfterDays,
			YearlyAfterDays:      cfg.Cleanup.YearlyAfterDays,
			ProtectionWindowDays: cfg.Memory.ProtectionWindowDays,
			DailyTierCeilingMB:   cfg.Cleanup.DailyTierCeilingMB,
			TotalCeilingMB:       cfg.Cleanup.TotalCeilingMB,
			Workers:              cfg.Cleanup.Workers,
		},
		Loader: memory.LoaderConfig{
			ModelContextTokens: cfg.Context.ModelContextTokens,
			MemoryFraction:     cfg.Context.MemoryFraction,
			RecentDailyBuckets: cfg.Context.RecentDailyBuckets,
			RankTimeout:        time.Duration(cfg.Context.RankTimeoutSeconds) * time.Second,
		},
		OracleCallsPerSecond: cfg.Cleanup.OracleCallsPerSecond,
		ScoreOracle:          scoreOracle,
		SummaryOracle:        summaryOracle,
		RankOracle:           rankOracle,
	})
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

func buildCompleter(cfg *config.Config) oracle.Completer {
	if key := cfg.GetAPIKey(); key != "" {
		c, err := oracle.NewHTTPCompleter(cfg.GetAPIBase(), key, cfg.Providers.OpenRouter.Model)
		if err == nil {
			return c
		}
		logger.WarnCF("main", "OpenRouter oracle unavailable", map[string]interface{}{"error": err.Error()})
	}
	if key := strings.TrimSpace(cfg.Providers.Anthropic.APIKey); key != "" {
		c, err := oracle.NewAnthropicCompleter(key, cfg.Providers.Anthropic.Model)
		if err == nil {
			return c
		}
		logger.WarnCF("main", "Anthropic oracle unavailable", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// runServe keeps the background trigger loop alive until a signal.
func runServe(svc *memory.Service) error {
	svc.Start()
	defer svc.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.InfoCF("main", "Shutting down", map[string]interface{}{"signal": s.String()})
	return nil
}

// runShell is the interactive session: plain lines are recorded as
// conversation messages, slash commands drive the service.
func runShell(svc *memory.Service, userID string) error {
	if err := svc.EnsureUser(userID); err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "crowdmem> ",
		HistoryFile:     "/tmp/crowdmem_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("Memory shell for %s. Lines are recorded; /context [query], /cleanup, /status, /quit.\n", userID)
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if done := shellCommand(svc, userID, line); done {
				return nil
			}
			continue
		}
		entry, err := svc.AppendMessage(userID, "user", line)
		if err != nil {
			fmt.Printf("append failed: %v\n", err)
			continue
		}
		fmt.Printf("recorded %s\n", entry.ID)
	}
}

func shellCommand(svc *memory.Service, userID, line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/context":
		lc, err := svc.LoadContext(shellContext(), userID, strings.TrimSpace(rest))
		if err != nil {
			fmt.Printf("context failed: %v\n", err)
			return false
		}
		fmt.Println(memory.FormatForModel(lc))
		fmt.Printf("-- %d tokens, loaded: %s", lc.TotalTokens, strings.Join(lc.Loaded, ", "))
		if lc.Degraded {
			fmt.Print(" (degraded, standard set only)")
		}
		fmt.Println()
	case "/cleanup":
		stats, err := svc.ForceCleanup(shellContext(), userID)
		if err != nil {
			fmt.Printf("cleanup failed: %v\n", err)
			return false
		}
		fmt.Printf("trimmed=%d weekly=%d monthly=%d yearly=%d archived=%d compressed=%d\n",
			stats.SoftTrimmed, stats.WeeklySummaries, stats.MonthlySummaries,
			stats.YearlySummaries, stats.Archived, stats.Compressed)
	case "/status":
		printUserStats(svc, userID)
	default:
		fmt.Printf("unknown command %s\n", cmd)
	}
	return false
}

func printUserStats(svc *memory.Service, userID string) {
	stats, err := svc.Stats(userID)
	if err != nil {
		fmt.Printf("stats failed: %v\n", err)
		return
	}
	fmt.Printf("entries=%d size=%.1fMB archived=%d compressed=%d\n",
		stats.TotalEntries, float64(stats.TotalSizeBytes)/(1024*1024),
		stats.ArchivedBuckets, stats.CompressedBuckets)
	for _, tier := range []memory.Tier{memory.TierDaily, memory.TierWeekly, memory.TierMonthly, memory.TierYearly} {
		fmt.Printf("  %s: %d active\n", tier, stats.ActiveBuckets[tier])
	}
	if !stats.LastCleanup.IsZero() {
		fmt.Printf("  last cleanup: %s\n", stats.LastCleanup.Format(time.RFC3339))
	}
	if len(stats.TopTopics) > 0 {
		fmt.Printf("  topics: %s\n", strings.Join(stats.TopTopics, ", "))
	}
}
