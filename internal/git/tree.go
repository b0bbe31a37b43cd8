package git

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedTree indicates a tree body that cannot be decoded.
var ErrMalformedTree = errors.New("git: malformed tree")

// ModeRegularFile is the tree mode of a blob entry.
const ModeRegularFile = "100644"

// TreeEntry is one named entry of a tree.
type TreeEntry struct {
	Mode string
	Name string
	ID   ObjectID
}

// Tree is a decoded tree object. Entries are kept sorted by name.
type Tree struct {
	Entries []TreeEntry
}

// Encode renders the tree in git's binary layout, sorting entries first.
func (t *Tree) Encode() []byte {
	entries := append([]TreeEntry(nil), t.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	var buffer bytes.Buffer
	for _, entry := range entries {
		buffer.WriteString(entry.Mode + " " + entry.Name)
		buffer.WriteByte(0)
		buffer.Write(entry.ID[:])
	}
	return buffer.Bytes()
}

// DecodeTree parses a binary tree body.
func DecodeTree(body []byte) (*Tree, error) {
	tree := &Tree{}
	for len(body) > 0 {
		space := bytes.IndexByte(body, ' ')
		if space < 0 {
			return nil, fmt.Errorf("%w: missing mode separator", ErrMalformedTree)
		}
		nul := bytes.IndexByte(body, 0)
		if nul < space || nul+1+ObjectIDLength > len(body) {
			return nil, fmt.Errorf("%w: truncated entry", ErrMalformedTree)
		}
		var id ObjectID
		copy(id[:], body[nul+1:nul+1+ObjectIDLength])
		tree.Entries = append(tree.Entries, TreeEntry{
			Mode: string(body[:space]),
			Name: string(body[space+1 : nul]),
			ID:   id,
		})
		body = body[nul+1+ObjectIDLength:]
	}
	return tree, nil
}
