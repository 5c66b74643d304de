package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "tradeloop"
	version = "v1.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from .env")
	}

	rootCmd := &cobra.Command{
		Use:     "tradeloop",
		Short:   "Autonomous trading round scheduler with production safety rails",
		Version: version,
		Long: `tradeloop schedules autonomous trading rounds and guards every external
call with timeouts, circuit breakers, admission control, on-chain
confirmation, and risk anomaly detection.`,
	}

	rootCmd.PersistentFlags().String("api", "http://127.0.0.1:8080", "Operator API address")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the round scheduler and operator HTTP server",
		RunE:  runLoop,
	}
	runCmd.Flags().String("config", "tradeloop.yaml", "Path to the YAML config file")
	runCmd.Flags().Bool("debug", false, "Enable debug logging")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler and safety gate status",
		RunE:  runStatus,
	}

	haltCmd := &cobra.Command{
		Use:   "halt",
		Short: "Engage the emergency halt",
		RunE:  runHalt,
	}
	haltCmd.Flags().String("reason", "manual halt via CLI", "Halt reason")
	haltCmd.Flags().Int("auto-resume", 0, "Auto-resume after this many seconds (0 = manual)")

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Lift the emergency halt",
		RunE:  runResume,
	}

	triggerCmd := &cobra.Command{
		Use:   "trigger",
		Short: "Run one trading round immediately",
		RunE:  runTrigger,
	}

	rootCmd.AddCommand(runCmd, statusCmd, haltCmd, resumeCmd, triggerCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
