// Package refnames builds and parses the ref names NoteDb stores entities under.
package refnames

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// ChangesPrefix holds per-change refs.
	ChangesPrefix = "refs/changes/"
	// DraftCommentsPrefix holds per-user draft comment refs.
	DraftCommentsPrefix = "refs/draft-comments/"
	// SequencesPrefix holds sequence counter blobs.
	SequencesPrefix = "refs/sequences/"
	// MetaSuffix terminates a change meta ref.
	MetaSuffix = "/meta"
)

// Shard renders an id as "<last two digits>/<id>", e.g. 1 -> "01/1".
func Shard(id int) string {
	return fmt.Sprintf("%02d/%d", id%100, id)
}

// ChangeMeta returns the meta ref of a change.
func ChangeMeta(changeID int) string {
	return ChangesPrefix + Shard(changeID) + MetaSuffix
}

// DraftComments returns the draft ref of accountID on changeID.
func DraftComments(changeID, accountID int) string {
	return DraftCommentsPrefix + Shard(accountID) + "/" + strconv.Itoa(changeID)
}

// Sequence returns the ref backing the named sequence.
func Sequence(name string) string {
	return SequencesPrefix + name
}

// ParseChangeMeta extracts the change id from a meta ref name.
func ParseChangeMeta(name string) (int, bool) {
	if !strings.HasPrefix(name, ChangesPrefix) || !strings.HasSuffix(name, MetaSuffix) {
		return 0, false
	}
	return parseSharded(strings.TrimSuffix(strings.TrimPrefix(name, ChangesPrefix), MetaSuffix))
}

// ParseDraftComments extracts (changeID, accountID) from a draft ref name.
func ParseDraftComments(name string) (changeID int, accountID int, ok bool) {
	if !strings.HasPrefix(name, DraftCommentsPrefix) {
		return 0, 0, false
	}
	rest := strings.TrimPrefix(name, DraftCommentsPrefix)
	slash := strings.LastIndexByte(rest, '/')
	if slash < 0 {
		return 0, 0, false
	}
	accountID, ok = parseSharded(rest[:slash])
	if !ok {
		return 0, 0, false
	}
	changeID, err := strconv.Atoi(rest[slash+1:])
	if err != nil || changeID <= 0 {
		return 0, 0, false
	}
	return changeID, accountID, true
}

func parseSharded(value string) (int, bool) {
	shard, rawID, found := strings.Cut(value, "/")
	if !found {
		return 0, false
	}
	id, err := strconv.Atoi(rawID)
	if err != nil || id <= 0 {
		return 0, false
	}
	if shard != fmt.Sprintf("%02d", id%100) {
		return 0, false
	}
	return id, true
}
