package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/notedb/internal/sequence"
)

func newSequenceCommand(configViper *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sequence",
		Short: "Read and advance id sequences",
	}
	cmd.AddCommand(newSequenceNextCommand(configViper), newSequenceSetCommand(configViper))
	return cmd
}

func newSequenceNextCommand(configViper *viper.Viper) *cobra.Command {
	var name string
	var count int
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Allocate ids from a sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(configViper)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			seq, err := rt.sequence(name)
			if err != nil {
				return err
			}
			ids, err := seq.NextN(count)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", sequence.NameChanges, "Sequence name")
	cmd.Flags().IntVar(&count, "count", 1, "Number of ids to allocate")
	return cmd
}

func newSequenceSetCommand(configViper *viper.Viper) *cobra.Command {
	var name string
	var value int
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Move a sequence forward to a value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(configViper)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			seq, err := rt.sequence(name)
			if err != nil {
				return err
			}
			if err := seq.StoreNew(value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %d\n", seq.RefName(), value)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", sequence.NameChanges, "Sequence name")
	cmd.Flags().IntVar(&value, "value", 0, "Next value the sequence hands out")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}
