package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

func TestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Run unit tests against the simulated bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Test(); err != nil {
				return fmt.Errorf("failed to run tests: %w", err)
			}
			return nil
		},
	}
}

func LintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Run linting",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Lint(); err != nil {
				return fmt.Errorf("failed to run linting: %w", err)
			}
			return nil
		},
	}
}

// hardwareEnv maps integration-test flags to the variables read by the
// integration-tagged tests.
var hardwareEnv = map[string]string{
	"adapter": "TWIPOLL_IT_ADAPTER",
	"bus":     "TWIPOLL_IT_BUS",
	"address": "TWIPOLL_IT_ADDRESS",
}

func IntegrationTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integration-test",
		Short: "Run the integration-tagged tests against a real sensor",
		Long: `Runs the tests built with the integration tag. They poll a sensor through
the selected adapter and are skipped when no adapter is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for flag, env := range hardwareEnv {
				value, err := cmd.Flags().GetString(flag)
				if err != nil {
					return fmt.Errorf("could not get %s flag: %w", flag, err)
				}
				if value == "" {
					continue
				}
				if err := os.Setenv(env, value); err != nil {
					return fmt.Errorf("could not set %s: %w", env, err)
				}
			}
			if os.Getenv(hardwareEnv["adapter"]) == "" {
				slog.Warn("no adapter selected, hardware tests will be skipped")
			}
			if err := test.Integ(); err != nil {
				return fmt.Errorf("failed to run integration testing: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("adapter", "", "bus adapter: mcp2221 or generic")
	cmd.Flags().String("bus", "", "i2c bus name for the generic adapter")
	cmd.Flags().String("address", "", "sensor address, e.g. 0x60")
	return cmd
}
