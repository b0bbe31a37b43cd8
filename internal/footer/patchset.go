package footer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidPatchSet indicates a malformed Patch-set footer.
var ErrInvalidPatchSet = errors.New("footer: invalid patch set")

// PatchSetState is the optional state suffix of a Patch-set footer.
type PatchSetState string

const (
	// PatchSetStateNone means no suffix was written.
	PatchSetStateNone PatchSetState = ""
	// PatchSetStatePublished marks a published patch set.
	PatchSetStatePublished PatchSetState = "PUBLISHED"
	// PatchSetStateDeleted marks a deleted patch set.
	PatchSetStateDeleted PatchSetState = "DELETED"
)

// ParsePatchSetFooter parses "<n>" or "<n> (PUBLISHED|DELETED)".
func ParsePatchSetFooter(rawInput string) (int, PatchSetState, error) {
	value := strings.TrimSpace(rawInput)
	rawID, suffix, hasSuffix := strings.Cut(value, " ")
	id, err := strconv.Atoi(rawID)
	if err != nil || id <= 0 {
		return 0, PatchSetStateNone, fmt.Errorf("%w: %q", ErrInvalidPatchSet, rawInput)
	}
	if !hasSuffix {
		return id, PatchSetStateNone, nil
	}
	suffix = strings.TrimSpace(suffix)
	if !strings.HasPrefix(suffix, "(") || !strings.HasSuffix(suffix, ")") {
		return 0, PatchSetStateNone, fmt.Errorf("%w: bad state in %q", ErrInvalidPatchSet, rawInput)
	}
	switch state := PatchSetState(suffix[1 : len(suffix)-1]); state {
	case PatchSetStatePublished, PatchSetStateDeleted:
		return id, state, nil
	default:
		return 0, PatchSetStateNone, fmt.Errorf("%w: unsupported state %q", ErrInvalidPatchSet, state)
	}
}

// FormatPatchSetFooter renders a Patch-set footer value.
func FormatPatchSetFooter(id int, state PatchSetState) string {
	if state == PatchSetStateNone {
		return strconv.Itoa(id)
	}
	return strconv.Itoa(id) + " (" + string(state) + ")"
}
