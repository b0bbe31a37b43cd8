// Package git models the content-addressed object store and ref database that
// NoteDb is layered on. Object encodings are byte-compatible with git so that
// object ids computed here match the ids git itself would assign.
package git

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ObjectIDLength is the size in bytes of a SHA-1 object id.
const ObjectIDLength = sha1.Size

// ObjectIDHexLength is the length of the hex rendering of an ObjectID.
const ObjectIDHexLength = 2 * ObjectIDLength

var (
	// ErrInvalidObjectID indicates that a hex object id could not be parsed.
	ErrInvalidObjectID = errors.New("git: invalid object id")
	// ErrInvalidObjectType indicates an unknown object type name.
	ErrInvalidObjectType = errors.New("git: invalid object type")
)

// ObjectID is a SHA-1 object identifier.
type ObjectID [ObjectIDLength]byte

// ZeroID is the all-zero object id used for "no object" in ref commands.
var ZeroID ObjectID

// ParseObjectID parses a 40 character lowercase or uppercase hex string.
func ParseObjectID(rawInput string) (ObjectID, error) {
	var id ObjectID
	if len(rawInput) != ObjectIDHexLength {
		return id, fmt.Errorf("%w: %q has length %d", ErrInvalidObjectID, rawInput, len(rawInput))
	}
	if _, err := hex.Decode(id[:], []byte(strings.ToLower(rawInput))); err != nil {
		return id, fmt.Errorf("%w: %q", ErrInvalidObjectID, rawInput)
	}
	return id, nil
}

// MustParseObjectID is ParseObjectID for constants; it panics on bad input.
func MustParseObjectID(rawInput string) ObjectID {
	id, err := ParseObjectID(rawInput)
	if err != nil {
		panic(err)
	}
	return id
}

// IsObjectIDHex reports whether value is a well-formed 40 character hex id.
func IsObjectIDHex(value string) bool {
	_, err := ParseObjectID(value)
	return err == nil
}

// String returns the lowercase hex rendering.
func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is ZeroID.
func (id ObjectID) IsZero() bool {
	return id == ZeroID
}

// Abbrev returns the first seven hex characters, for log output.
func (id ObjectID) Abbrev() string {
	return id.String()[:7]
}

// ObjectType enumerates the object kinds NoteDb stores.
type ObjectType string

const (
	// ObjectTypeBlob is an opaque byte payload.
	ObjectTypeBlob ObjectType = "blob"
	// ObjectTypeTree is a sorted list of named entries.
	ObjectTypeTree ObjectType = "tree"
	// ObjectTypeCommit links a tree to its parents with identities and a message.
	ObjectTypeCommit ObjectType = "commit"
)

// ParseObjectType validates a type name.
func ParseObjectType(rawInput string) (ObjectType, error) {
	switch ObjectType(rawInput) {
	case ObjectTypeBlob, ObjectTypeTree, ObjectTypeCommit:
		return ObjectType(rawInput), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidObjectType, rawInput)
	}
}

// HashObject computes the id git assigns to an object of the given type and body.
func HashObject(objectType ObjectType, body []byte) ObjectID {
	hasher := sha1.New()
	hasher.Write([]byte(string(objectType) + " " + strconv.Itoa(len(body)) + "\x00"))
	hasher.Write(body)
	var id ObjectID
	copy(id[:], hasher.Sum(nil))
	return id
}

// EmptyTreeID is the id of the tree with no entries.
var EmptyTreeID = HashObject(ObjectTypeTree, nil)
