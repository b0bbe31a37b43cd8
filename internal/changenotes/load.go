package changenotes

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
	"github.com/MarcoPoloResearchLab/notedb/internal/git"
	"github.com/MarcoPoloResearchLab/notedb/internal/refnames"
)

// Load parses the meta ref of a change together with every draft ref of it.
func Load(repo git.Repository, changeID ChangeID, options Options) (*State, error) {
	metaRef := refnames.ChangeMeta(int(changeID))
	tip, found, err := repo.ExactRef(metaRef)
	if err != nil {
		return nil, &git.StorageError{Op: "read ref", Ref: metaRef, Err: err}
	}
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrChangeNotFound, changeID)
	}
	state, err := Parse(repo, changeID, tip, options)
	if err != nil {
		return nil, err
	}

	draftRefs, err := repo.RefsByPrefix(refnames.DraftCommentsPrefix)
	if err != nil {
		return nil, &git.StorageError{Op: "list refs", Ref: refnames.DraftCommentsPrefix, Err: err}
	}
	state.DraftComments = make(map[footer.AccountID]map[git.ObjectID][]Comment)
	for _, ref := range draftRefs {
		draftChange, account, ok := refnames.ParseDraftComments(ref.Name)
		if !ok || ChangeID(draftChange) != changeID {
			continue
		}
		drafts, err := ParseDrafts(repo, ref.ID, options)
		if err != nil {
			return nil, &ParseError{ChangeID: changeID, Commit: ref.ID, Reason: "reading drafts of account " + fmt.Sprint(account), Err: err}
		}
		state.DraftComments[footer.AccountID(account)] = drafts
	}
	return state, nil
}
