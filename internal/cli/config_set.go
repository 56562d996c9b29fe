package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"trainctl/internal/backoff"
	"trainctl/internal/store"
)

// validateConfig rejects values the next process start could not use.
func validateConfig(key, value string) error {
	switch key {
	case store.KeyMaxAttempts:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("%s must be a positive integer", key)
		}
	case store.KeyBackoffBase, store.KeyBackoffCapSeconds, store.KeyCheckpointEvery:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer", key)
		}
	case store.KeyRequiredByDefault:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%s must be true or false", key)
		}
	case store.KeyBackoffStrategy:
		if _, err := backoff.New(value, 1, time.Second); err != nil {
			return err
		}
	case store.KeyPaused:
		return fmt.Errorf("use `trainctl queue pause|resume` to change %s", key)
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func NewConfigSetCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Args:  cobra.ExactArgs(2),
		Short: "Set a config value",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := validateConfig(key, value); err != nil {
				return err
			}
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Store.SetConfig(cmd.Context(), key, value); err != nil {
				return fmt.Errorf("failed to set config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Updated:", key, "=", value)
			return nil
		},
	}
}
