package git

import "io"

// RevCommit pairs a decoded commit with its id.
type RevCommit struct {
	ID ObjectID
	*Commit
}

// RevWalk iterates a first-parent chain from a tip towards the root.
type RevWalk struct {
	store ObjectStore
	next  ObjectID
}

// NewRevWalk starts a walk at tip. A zero tip yields an empty walk.
func NewRevWalk(store ObjectStore, tip ObjectID) *RevWalk {
	return &RevWalk{store: store, next: tip}
}

// Next returns the next commit, newest first, or io.EOF after the root.
func (w *RevWalk) Next() (*RevCommit, error) {
	if w.next.IsZero() {
		return nil, io.EOF
	}
	id := w.next
	commit, err := ParseCommit(w.store, id)
	if err != nil {
		return nil, err
	}
	w.next = commit.FirstParent()
	return &RevCommit{ID: id, Commit: commit}, nil
}

// WalkOldestFirst collects the chain ending at tip, root first.
func WalkOldestFirst(store ObjectStore, tip ObjectID) ([]*RevCommit, error) {
	var commits []*RevCommit
	walk := NewRevWalk(store, tip)
	for {
		commit, err := walk.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	return commits, nil
}
