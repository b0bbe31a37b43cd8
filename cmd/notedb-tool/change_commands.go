package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/notedb/internal/changenotes"
	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
	"github.com/MarcoPoloResearchLab/notedb/internal/git"
	"github.com/MarcoPoloResearchLab/notedb/internal/refnames"
	"github.com/MarcoPoloResearchLab/notedb/internal/syncstate"
)

var errMissingChange = errors.New("--change is required")

// changeView is the inspect output. Collections are summarized.
type changeView struct {
	ChangeID          int            `json:"change_id"`
	MetaID            string         `json:"meta_id"`
	ChangeKey         string         `json:"change_key"`
	Branch            string         `json:"branch"`
	Subject           string         `json:"subject"`
	Topic             string         `json:"topic,omitempty"`
	Status            string         `json:"status"`
	Owner             int            `json:"owner"`
	Assignee          int            `json:"assignee,omitempty"`
	CurrentPatchSetID int            `json:"current_patch_set"`
	PatchSets         []patchSetView `json:"patch_sets"`
	Approvals         []string       `json:"approvals"`
	Reviewers         []int          `json:"reviewers"`
	AttentionSet      []int          `json:"attention_set"`
	Hashtags          []string       `json:"hashtags,omitempty"`
	Messages          int            `json:"messages"`
	Comments          int            `json:"comments"`
	DraftComments     map[int]int    `json:"draft_comments,omitempty"`
	UpdateCount       int            `json:"update_count"`
	CreatedOn         time.Time      `json:"created_on"`
	LastUpdatedOn     time.Time      `json:"last_updated_on"`
}

type patchSetView struct {
	ID       int    `json:"id"`
	Revision string `json:"revision"`
	Uploader int    `json:"uploader"`
}

func newChangeView(state *changenotes.State) changeView {
	view := changeView{
		ChangeID:          int(state.ChangeID),
		MetaID:            state.MetaID.String(),
		ChangeKey:         state.ChangeKey,
		Branch:            state.Branch,
		Subject:           state.Subject,
		Topic:             state.Topic,
		Status:            string(state.Status),
		Owner:             int(state.Owner),
		Assignee:          int(state.Assignee),
		CurrentPatchSetID: state.CurrentPatchSetID,
		PatchSets:         []patchSetView{},
		Approvals:         []string{},
		Reviewers:         []int{},
		AttentionSet:      []int{},
		Hashtags:          state.Hashtags,
		Messages:          len(state.ChangeMessages),
		UpdateCount:       state.UpdateCount,
		CreatedOn:         state.CreatedOn,
		LastUpdatedOn:     state.LastUpdatedOn,
	}
	for _, patchSet := range state.PatchSets {
		view.PatchSets = append(view.PatchSets, patchSetView{ID: patchSet.ID, Revision: patchSet.Commit.String(), Uploader: int(patchSet.Uploader)})
	}
	for _, approval := range state.Approvals {
		vote := footer.LabelVote{Label: approval.Label, Value: approval.Value}
		view.Approvals = append(view.Approvals, fmt.Sprintf("ps%d %s by %d", approval.PatchSetID, vote, approval.AccountID))
	}
	for account := range state.Reviewers {
		view.Reviewers = append(view.Reviewers, int(account))
	}
	sort.Ints(view.Reviewers)
	for account, update := range state.AttentionSet {
		if update.Operation == changenotes.AttentionAdd {
			view.AttentionSet = append(view.AttentionSet, int(account))
		}
	}
	sort.Ints(view.AttentionSet)
	for _, comments := range state.Comments {
		view.Comments += len(comments)
	}
	if len(state.DraftComments) > 0 {
		view.DraftComments = make(map[int]int, len(state.DraftComments))
		for account, byRevision := range state.DraftComments {
			for _, comments := range byRevision {
				view.DraftComments[int(account)] += len(comments)
			}
		}
	}
	return view
}

func newInspectCommand(configViper *viper.Viper) *cobra.Command {
	var changeID int
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the parsed state of a change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if changeID <= 0 {
				return errMissingChange
			}
			rt, err := openRuntime(configViper)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			state, err := changenotes.Load(rt.repo, changenotes.ChangeID(changeID), rt.options)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(newChangeView(state))
		},
	}
	cmd.Flags().IntVar(&changeID, "change", 0, "Change number")
	return cmd
}

func newSyncStateCommand(configViper *viper.Viper) *cobra.Command {
	var changeID int
	var check string
	cmd := &cobra.Command{
		Use:   "sync-state",
		Short: "Print the sync state of a change or check a stored one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if changeID <= 0 {
				return errMissingChange
			}
			rt, err := openRuntime(configViper)
			if err != nil {
				return err
			}
			defer rt.Close() //nolint:errcheck

			id := changenotes.ChangeID(changeID)
			if cmd.Flags().Changed("check") {
				return checkSyncState(cmd, rt.repo, id, check)
			}
			refState, err := liveRefState(rt.repo, id)
			if err != nil {
				return err
			}
			state := &syncstate.State{ChangeID: id, PrimaryStorage: syncstate.ReviewDBPrimary, RefState: refState}
			raw, err := state.Encode()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}
	cmd.Flags().IntVar(&changeID, "change", 0, "Change number")
	cmd.Flags().StringVar(&check, "check", "", "Stored sync state to compare against the live refs")
	return cmd
}

func checkSyncState(cmd *cobra.Command, repo git.Repository, changeID changenotes.ChangeID, raw string) error {
	state, err := syncstate.Parse(changeID, raw)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch {
	case state == nil:
		fmt.Fprintln(out, "absent")
	case state.PrimaryStorage == syncstate.NoteDBPrimary:
		fmt.Fprintln(out, "notedb primary")
	case state.RefState == nil:
		fmt.Fprintln(out, "no ref state")
	default:
		upToDate, err := state.RefState.IsUpToDate(repo, changeID)
		if err != nil {
			return err
		}
		if upToDate {
			fmt.Fprintln(out, "up to date")
		} else {
			fmt.Fprintln(out, "stale")
		}
	}
	if state.IsReadOnly(time.Now()) {
		fmt.Fprintf(out, "read only until %s\n", state.ReadOnlyUntil.UTC().Format(time.RFC3339))
	}
	return nil
}

func liveRefState(repo git.Repository, changeID changenotes.ChangeID) (*syncstate.RefState, error) {
	metaRef := refnames.ChangeMeta(int(changeID))
	metaID, found, err := repo.ExactRef(metaRef)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %d", changenotes.ErrChangeNotFound, changeID)
	}
	refState := &syncstate.RefState{ChangeMetaID: metaID, DraftIDs: make(map[footer.AccountID]git.ObjectID)}
	draftRefs, err := repo.RefsByPrefix(refnames.DraftCommentsPrefix)
	if err != nil {
		return nil, err
	}
	for _, ref := range draftRefs {
		draftChange, account, ok := refnames.ParseDraftComments(ref.Name)
		if ok && changenotes.ChangeID(draftChange) == changeID {
			refState.DraftIDs[footer.AccountID(account)] = ref.ID
		}
	}
	return refState, nil
}
