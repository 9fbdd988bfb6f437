package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danmuck/edgebinder/internal/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or check daemon and process config files",
	}

	var kind string
	var force bool
	initCmd := &cobra.Command{
		Use:          "init <path>",
		Short:        "Write a config template",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", kind, args[0])
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "process", "config kind: daemon|process")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var checkKind string
	validateCmd := &cobra.Command{
		Use:          "validate <path>",
		Short:        "Load a config file and report problems",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(args[0], checkKind); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated %s config at %s\n", checkKind, args[0])
			return nil
		},
	}
	validateCmd.Flags().StringVar(&checkKind, "kind", "process", "config kind: daemon|process")

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
