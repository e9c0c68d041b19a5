package proofcli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and check proof validation rules",
	}

	var rulesFile string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective rules as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := loadRules(rulesFile)
			if err != nil {
				return err
			}
			b, err := yaml.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode rules: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	show.Flags().StringVar(&rulesFile, "rules", "", "rules yaml file layered over the built-in rules")

	check := &cobra.Command{
		Use:   "check FILE",
		Short: "Check that a rules file parses and validates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := loadRules(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d keywords, min %d, tolerance %d)\n",
				args[0], len(r.Vocabulary), r.MinKeywords, r.AmountTolerance)
			return nil
		},
	}

	cmd.AddCommand(show, check)
	return cmd
}
