package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/notedb/internal/changenotes"
	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
	"github.com/MarcoPoloResearchLab/notedb/internal/git"
	"github.com/MarcoPoloResearchLab/notedb/internal/refnames"
)

func newCreateChangeCommand(configViper *viper.Viper) *cobra.Command {
	var owner int
	var branch, subject, changeKey, revision, topic string
	cmd := &cobra.Command{
		Use:   "create-change",
		Short: "Create a change with its first patch set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			commit, err := git.ParseObjectID(revision)
			if err != nil {
				return fmt.Errorf("--commit: %w", err)
			}
			if changeKey == "" {
				changeKey = "I" + git.HashObject(git.ObjectTypeBlob, []byte(uuid.NewString())).String()
			}
			rt, err := openRuntime(configViper)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			manager, err := rt.updateManager()
			if err != nil {
				return err
			}
			update := &changenotes.ChangeUpdate{
				PatchSetID: 1,
				Account:    footer.AccountID(owner),
				ChangeKey:  changeKey,
				Branch:     branch,
				Subject:    subject,
				Commit:     commit,
			}
			if topic != "" {
				update.Topic = &topic
			}
			batch := manager.NewBatch()
			changeID, err := batch.CreateChange(update)
			if err != nil {
				return err
			}
			result, err := batch.Execute()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", changeID, result.Refs[refnames.ChangeMeta(int(changeID))])
			return nil
		},
	}
	cmd.Flags().IntVar(&owner, "owner", 0, "Account id of the change owner")
	cmd.Flags().StringVar(&branch, "branch", "refs/heads/master", "Destination branch")
	cmd.Flags().StringVar(&subject, "subject", "", "Change subject")
	cmd.Flags().StringVar(&changeKey, "change-key", "", "Change-Id; generated when empty")
	cmd.Flags().StringVar(&revision, "commit", "", "Revision of patch set 1")
	cmd.Flags().StringVar(&topic, "topic", "", "Topic")
	for _, required := range []string{"owner", "subject", "commit"} {
		_ = cmd.MarkFlagRequired(required)
	}
	return cmd
}

func newReviewCommand(configViper *viper.Viper) *cobra.Command {
	var changeID, account, patchSet int
	var labels []string
	var message string
	var attention []int
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Vote, comment or update the attention set of a change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if changeID <= 0 {
				return errMissingChange
			}
			update := &changenotes.ChangeUpdate{
				ChangeID:   changenotes.ChangeID(changeID),
				PatchSetID: patchSet,
				Account:    footer.AccountID(account),
				Message:    message,
			}
			for _, raw := range labels {
				label, err := footer.ParseLabel(raw)
				if err != nil {
					return err
				}
				update.Labels = append(update.Labels, changenotes.LabelChange{Vote: label.Vote})
			}
			for _, target := range attention {
				update.Attention = append(update.Attention, changenotes.AttentionSetUpdate{
					Account:   footer.AccountID(target),
					Operation: changenotes.AttentionAdd,
					Reason:    "added by review",
				})
			}

			rt, err := openRuntime(configViper)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			manager, err := rt.updateManager()
			if err != nil {
				return err
			}
			batch := manager.NewBatch()
			if err := batch.Add(update); err != nil {
				return err
			}
			result, err := batch.Execute()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Refs[refnames.ChangeMeta(changeID)])
			return nil
		},
	}
	cmd.Flags().IntVar(&changeID, "change", 0, "Change number")
	cmd.Flags().IntVar(&account, "account", 0, "Account id of the reviewer")
	cmd.Flags().IntVar(&patchSet, "patch-set", 1, "Patch set the review applies to")
	cmd.Flags().StringArrayVar(&labels, "label", nil, "Vote such as Code-Review=+1; repeatable")
	cmd.Flags().StringVar(&message, "message", "", "Change message")
	cmd.Flags().IntSliceVar(&attention, "attention", nil, "Accounts to add to the attention set")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
