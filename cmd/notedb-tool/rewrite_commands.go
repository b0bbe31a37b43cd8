package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/notedb/internal/rewrite"
)

func newBackfillCommand(configViper *viper.Viper) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Rewrite change histories whose identities are not canonical",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(configViper)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			backfiller, err := rewrite.NewBackfiller(rewrite.BackfillerConfig{
				Repository: rt.repo,
				Options:    rt.options,
				Logger:     rt.logger,
			})
			if err != nil {
				return err
			}
			result, err := backfiller.BackfillProject(rewrite.BackfillOptions{DryRun: dryRun})
			if err != nil {
				return err
			}
			return printRewriteResult(cmd.OutOrStdout(), "backfill", result)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report refs that would be rewritten without writing")
	return cmd
}

func newMigrateCommentsCommand(configViper *viper.Viper) *cobra.Command {
	var dryRun, drafts bool
	cmd := &cobra.Command{
		Use:   "migrate-comments",
		Short: "Re-encode legacy comment notes as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(configViper)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			migrator, err := rewrite.NewCommentJSONMigrator(rewrite.MigratorConfig{
				Repository: rt.repo,
				Options:    rt.options,
				Logger:     rt.logger,
			})
			if err != nil {
				return err
			}
			result, err := migrator.MigrateChanges(dryRun)
			if err != nil {
				return err
			}
			if err := printRewriteResult(cmd.OutOrStdout(), "changes", result); err != nil || !drafts {
				return err
			}
			draftResult, err := migrator.MigrateDrafts(dryRun)
			if err != nil {
				return err
			}
			return printRewriteResult(cmd.OutOrStdout(), "drafts", draftResult)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report refs that would be migrated without writing")
	cmd.Flags().BoolVar(&drafts, "drafts", false, "Migrate draft comment refs as well")
	return cmd
}

// printRewriteResult writes a summary and fails when a ref lost its CAS.
func printRewriteResult(out io.Writer, label string, result rewrite.Result) error {
	verb := "updated"
	if result.DryRun {
		verb = "would update"
	}
	fmt.Fprintf(out, "%s: scanned %d refs, %s %d, %d commits rewritten", label, result.RefsScanned, verb, len(result.RefsUpdated), result.CommitsRewritten)
	if result.NotesMigrated > 0 {
		fmt.Fprintf(out, ", %d notes migrated", result.NotesMigrated)
	}
	fmt.Fprintln(out)
	for _, name := range result.RefsUpdated {
		fmt.Fprintf(out, "  %s %s\n", verb, name)
	}
	for _, name := range sortedKeys(result.RefsNotFixable) {
		fmt.Fprintf(out, "  not fixable %s: %v\n", name, result.RefsNotFixable[name])
	}
	failed := sortedKeys(result.RefsFailed)
	for _, name := range failed {
		fmt.Fprintf(out, "  failed %s: %v\n", name, result.RefsFailed[name])
	}
	if len(failed) > 0 {
		return fmt.Errorf("%s: %d refs moved concurrently, run again", label, len(failed))
	}
	return nil
}

func sortedKeys(errs map[string]error) []string {
	keys := make([]string, 0, len(errs))
	for key := range errs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
