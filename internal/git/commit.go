package git

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedCommit indicates a commit body that does not follow the git layout.
var ErrMalformedCommit = errors.New("git: malformed commit")

// Commit is a decoded commit object.
type Commit struct {
	Tree      ObjectID
	Parents   []ObjectID
	Author    PersonIdent
	Committer PersonIdent
	Message   string
}

// FirstParent returns the first parent or ZeroID for a root commit.
func (c *Commit) FirstParent() ObjectID {
	if len(c.Parents) == 0 {
		return ZeroID
	}
	return c.Parents[0]
}

// Encode renders the commit body exactly as git stores it.
func (c *Commit) Encode() []byte {
	var buffer bytes.Buffer
	buffer.WriteString("tree " + c.Tree.String() + "\n")
	for _, parent := range c.Parents {
		buffer.WriteString("parent " + parent.String() + "\n")
	}
	buffer.WriteString("author ")
	buffer.Write(c.Author.encode())
	buffer.WriteString("\ncommitter ")
	buffer.Write(c.Committer.encode())
	buffer.WriteString("\n\n")
	buffer.WriteString(c.Message)
	return buffer.Bytes()
}

// ID returns the id the encoded commit hashes to.
func (c *Commit) ID() ObjectID {
	return HashObject(ObjectTypeCommit, c.Encode())
}

// DecodeCommit parses a commit body produced by Encode or by git.
func DecodeCommit(body []byte) (*Commit, error) {
	headerEnd := bytes.Index(body, []byte("\n\n"))
	if headerEnd < 0 {
		return nil, fmt.Errorf("%w: missing header terminator", ErrMalformedCommit)
	}
	commit := &Commit{Message: string(body[headerEnd+2:])}
	var sawTree, sawAuthor, sawCommitter bool
	for _, line := range strings.Split(string(body[:headerEnd]), "\n") {
		key, value, found := strings.Cut(line, " ")
		if !found {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedCommit, line)
		}
		switch key {
		case "tree":
			id, err := ParseObjectID(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedCommit, err)
			}
			commit.Tree = id
			sawTree = true
		case "parent":
			id, err := ParseObjectID(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedCommit, err)
			}
			commit.Parents = append(commit.Parents, id)
		case "author":
			ident, err := decodeIdent(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedCommit, err)
			}
			commit.Author = ident
			sawAuthor = true
		case "committer":
			ident, err := decodeIdent(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedCommit, err)
			}
			commit.Committer = ident
			sawCommitter = true
		}
	}
	if !sawTree || !sawAuthor || !sawCommitter {
		return nil, fmt.Errorf("%w: missing tree, author or committer", ErrMalformedCommit)
	}
	return commit, nil
}
