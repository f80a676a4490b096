// Command scrape runs one reconciliation pass over the configured employers
// and prints the run summaries.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/jobref/pipeline/internal/app"
	"github.com/jobref/pipeline/internal/config"
	"github.com/jobref/pipeline/internal/domain"
	"github.com/jobref/pipeline/pkg/logger"
)

type employerFlag []string

func (e *employerFlag) String() string { return strings.Join(*e, ",") }

func (e *employerFlag) Set(v string) error {
	for _, name := range strings.Split(v, ",") {
		if name = strings.TrimSpace(name); name != "" {
			*e = append(*e, name)
		}
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	var employers employerFlag
	flag.Var(&employers, "employer", "Employer to scrape (repeatable or comma separated); default all")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(*debug || cfg.Server.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, employers)
	stop()
	logger.Sync()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, employers []string) int {
	components, err := app.New(ctx, cfg, logger.Get(), nil)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return 1
	}
	defer components.Close()

	if _, err := components.Runner.Select(employers...); err != nil {
		logger.Error("Invalid employer filter", zap.Error(err))
		return 2
	}

	summaries, runErr := components.Runner.Run(ctx, employers...)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summaries); err != nil {
		logger.Error("Failed to write summaries", zap.Error(err))
		return 1
	}

	if runErr != nil {
		logger.Error("Scrape finished with errors", zap.Error(runErr))
	}
	return exitCode(summaries, runErr)
}

// exitCode is 1 when the pass errored or any employer run was aborted.
func exitCode(summaries []*domain.RunSummary, runErr error) int {
	if runErr != nil {
		return 1
	}
	for _, s := range summaries {
		if s != nil && s.RunFailed {
			logger.Warn("Employer run failed", zap.String("employer", s.Employer))
			return 1
		}
	}
	return 0
}
