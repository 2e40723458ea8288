package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Hawkins-Sherpherd/interceptor/interceptord"
	"github.com/Hawkins-Sherpherd/interceptor/internal/logging"
	"github.com/Hawkins-Sherpherd/interceptor/internal/xcmd"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	// RulesetPath is the path to the ruleset file.
	RulesetPath string
}

var rootCmd = &cobra.Command{
	Use:   "interceptord",
	Short: "Passive rule-driven TCP connection killer",
	Run: func(rawCmd *cobra.Command, args []string) {
		if err := run(cmd); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "config.json", "Path to the configuration file")
	rootCmd.Flags().StringVarP(&cmd.RulesetPath, "ruleset", "r", "ruleset.json", "Path to the ruleset file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg, err := interceptord.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	rules, err := interceptord.LoadRuleSet(cmd.RulesetPath)
	if err != nil {
		return fmt.Errorf("failed to load ruleset: %w", err)
	}

	log, _ := logging.Init(&cfg.Logging)
	defer log.Sync()

	director, err := interceptord.NewDirector(cfg, rules, interceptord.WithLog(log))
	if err != nil {
		return fmt.Errorf("failed to create director: %w", err)
	}
	defer director.Close()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return director.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}
