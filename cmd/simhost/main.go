package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "simhost: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "simhost",
		Short:         "Run a simulation host that viewers can attach to",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newRunCommand(&runOptions{}))
	cmd.AddCommand(newTemplateCommand())
	return cmd
}

func newTemplateCommand() *cobra.Command {
	var (
		kind  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "template <path>",
		Short: "Write a starter host or viewer config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := writeTemplate(args[0], kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", kind, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "host", "config kind (host|viewer)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
