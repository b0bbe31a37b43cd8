package git

import (
	"fmt"
	"sort"
)

// NoteMap maps an annotated object id to the blob holding its note. It is
// stored as a flat tree whose entry names are the annotated ids in hex.
type NoteMap map[ObjectID]ObjectID

// LoadNoteMap reads the notes tree at treeID. ZeroID and the empty tree
// yield an empty map.
func LoadNoteMap(store ObjectStore, treeID ObjectID) (NoteMap, error) {
	notes := make(NoteMap)
	if treeID.IsZero() || treeID == EmptyTreeID {
		return notes, nil
	}
	tree, err := ReadTree(store, treeID)
	if err != nil {
		return nil, err
	}
	for _, entry := range tree.Entries {
		target, err := ParseObjectID(entry.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: note entry %q in tree %s", ErrMalformedTree, entry.Name, treeID)
		}
		notes[target] = entry.ID
	}
	return notes, nil
}

// Targets lists annotated ids in ascending order.
func (n NoteMap) Targets() []ObjectID {
	targets := make([]ObjectID, 0, len(n))
	for target := range n {
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].String() < targets[j].String() })
	return targets
}

// Clone returns an independent copy.
func (n NoteMap) Clone() NoteMap {
	clone := make(NoteMap, len(n))
	for target, blob := range n {
		clone[target] = blob
	}
	return clone
}

// Tree builds the notes tree for the map.
func (n NoteMap) Tree() *Tree {
	tree := &Tree{Entries: make([]TreeEntry, 0, len(n))}
	for _, target := range n.Targets() {
		tree.Entries = append(tree.Entries, TreeEntry{Mode: ModeRegularFile, Name: target.String(), ID: n[target]})
	}
	return tree
}

// Write stores the notes tree and returns its id.
func (n NoteMap) Write(store ObjectStore) (ObjectID, error) {
	return InsertTree(store, n.Tree())
}
