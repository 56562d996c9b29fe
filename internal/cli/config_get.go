package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func NewConfigGetCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Args:  cobra.ExactArgs(1),
		Short: "Get a default/current config value",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			val, err := a.Store.GetConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if val == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "(not set)")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), val)
			}
			return nil
		},
	}
}

func NewConfigListCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every config value",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := env.Open(cmd.Context())
			if err != nil {
				return err
			}
			values, err := a.Store.AllConfig(cmd.Context())
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", k, values[k])
			}
			return nil
		},
	}
}
