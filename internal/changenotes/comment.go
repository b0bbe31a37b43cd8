package changenotes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

// ErrInvalidCommentNote indicates a note blob that is neither valid JSON nor
// valid legacy text.
var ErrInvalidCommentNote = errors.New("changenotes: invalid comment note")

// CommentKey identifies a comment within a change.
type CommentKey struct {
	UUID       string `json:"uuid"`
	Filename   string `json:"filename"`
	PatchSetID int    `json:"patchSetId"`
}

// CommentRange is the character range a comment is attached to.
type CommentRange struct {
	StartLine int `json:"startLine"`
	StartChar int `json:"startChar"`
	EndLine   int `json:"endLine"`
	EndChar   int `json:"endChar"`
}

// CommentIdentity names the account behind a comment.
type CommentIdentity struct {
	ID footer.AccountID `json:"id"`
}

// Comment is an inline comment stored in a note keyed by RevID.
// LegacyFormat reports that it was read from a text note; it is never
// serialized.
type Comment struct {
	Key          CommentKey       `json:"key"`
	LineNbr      int              `json:"lineNbr"`
	Author       CommentIdentity  `json:"author"`
	RealAuthor   *CommentIdentity `json:"realAuthor,omitempty"`
	WrittenOn    time.Time        `json:"writtenOn"`
	Side         int16            `json:"side"`
	Message      string           `json:"message"`
	ParentUUID   string           `json:"parentUuid,omitempty"`
	Range        *CommentRange    `json:"range,omitempty"`
	Tag          string           `json:"tag,omitempty"`
	RevID        string           `json:"revId"`
	ServerID     string           `json:"serverId"`
	Unresolved   bool             `json:"unresolved"`
	LegacyFormat bool             `json:"-"`
}

type commentNote struct {
	Comments []Comment `json:"comments"`
}

// SortComments orders comments deterministically.
func SortComments(comments []Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		a, b := comments[i], comments[j]
		if a.Key.PatchSetID != b.Key.PatchSetID {
			return a.Key.PatchSetID < b.Key.PatchSetID
		}
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		if a.Key.Filename != b.Key.Filename {
			return a.Key.Filename < b.Key.Filename
		}
		if a.LineNbr != b.LineNbr {
			return a.LineNbr < b.LineNbr
		}
		if !a.WrittenOn.Equal(b.WrittenOn) {
			return a.WrittenOn.Before(b.WrittenOn)
		}
		return a.Key.UUID < b.Key.UUID
	})
}

// IsJSONNote reports whether a note blob uses the JSON format.
func IsJSONNote(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// EncodeCommentsJSON renders comments as a JSON note.
func EncodeCommentsJSON(comments []Comment) ([]byte, error) {
	sorted := make([]Comment, len(comments))
	copy(sorted, comments)
	for i := range sorted {
		sorted[i].WrittenOn = sorted[i].WrittenOn.UTC()
	}
	SortComments(sorted)
	data, err := json.MarshalIndent(commentNote{Comments: sorted}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ParseCommentNote decodes a note blob attached to revision in either format.
func ParseCommentNote(data []byte, revision git.ObjectID, identities footer.IdentParser) ([]Comment, error) {
	if IsJSONNote(data) {
		var note commentNote
		if err := json.Unmarshal(data, &note); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCommentNote, err)
		}
		for i := range note.Comments {
			if note.Comments[i].RevID == "" {
				note.Comments[i].RevID = revision.String()
			}
		}
		return note.Comments, nil
	}
	return parseLegacyNote(data, revision, identities)
}

const legacyDateLayout = "Mon Jan 02 15:04:05 2006 -0700"

// EncodeCommentsLegacy renders comments in the pre-JSON text note format.
// Tag and ServerID are not representable and are dropped.
func EncodeCommentsLegacy(revision git.ObjectID, comments []Comment, serverID string) ([]byte, error) {
	sorted := make([]Comment, len(comments))
	copy(sorted, comments)
	SortComments(sorted)

	var out bytes.Buffer
	fmt.Fprintf(&out, "Revision: %s\n", revision)
	groupStarted := false
	var groupPatchSet int
	var groupSide int16
	var file string
	for _, comment := range sorted {
		if comment.Side != 0 && comment.Side != 1 {
			return nil, fmt.Errorf("%w: side %d has no legacy form", ErrInvalidCommentNote, comment.Side)
		}
		if !groupStarted || comment.Key.PatchSetID != groupPatchSet || comment.Side != groupSide {
			groupStarted, groupPatchSet, groupSide, file = true, comment.Key.PatchSetID, comment.Side, ""
			if comment.Side == 0 {
				fmt.Fprintf(&out, "Base-for-patch-set: %d\n", comment.Key.PatchSetID)
			} else {
				fmt.Fprintf(&out, "Patch-set: %d\n", comment.Key.PatchSetID)
			}
		}
		if comment.Key.Filename != file || file == "" {
			file = comment.Key.Filename
			fmt.Fprintf(&out, "File: %s\n\n", file)
		}
		if comment.Range != nil {
			fmt.Fprintf(&out, "%d:%d-%d:%d\n", comment.Range.StartLine, comment.Range.StartChar, comment.Range.EndLine, comment.Range.EndChar)
		} else {
			fmt.Fprintf(&out, "%d\n", comment.LineNbr)
		}
		out.WriteString(comment.WrittenOn.Format(legacyDateLayout) + "\n")
		fmt.Fprintf(&out, "Author: %s\n", footer.FormatIdent(comment.Author.ID, serverID))
		if comment.RealAuthor != nil {
			fmt.Fprintf(&out, "Real-author: %s\n", footer.FormatIdent(comment.RealAuthor.ID, serverID))
		}
		if comment.ParentUUID != "" {
			fmt.Fprintf(&out, "Parent: %s\n", comment.ParentUUID)
		}
		if comment.Unresolved {
			out.WriteString("Unresolved: true\n")
		}
		fmt.Fprintf(&out, "UUID: %s\n", comment.Key.UUID)
		fmt.Fprintf(&out, "Bytes: %d\n", len(comment.Message))
		out.WriteString(comment.Message)
		out.WriteString("\n\n")
	}
	return out.Bytes(), nil
}

type legacyReader struct {
	data     []byte
	pos      int
	revision git.ObjectID
}

func (r *legacyReader) eof() bool {
	return r.pos >= len(r.data)
}

func (r *legacyReader) line() (string, error) {
	if r.eof() {
		return "", r.errorf("unexpected end of note")
	}
	end := bytes.IndexByte(r.data[r.pos:], '\n')
	if end < 0 {
		line := string(r.data[r.pos:])
		r.pos = len(r.data)
		return line, nil
	}
	line := string(r.data[r.pos : r.pos+end])
	r.pos += end + 1
	return line, nil
}

func (r *legacyReader) peekPrefix(prefix string) bool {
	return bytes.HasPrefix(r.data[r.pos:], []byte(prefix))
}

func (r *legacyReader) header(prefix string) (string, error) {
	line, err := r.line()
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(line, prefix) {
		return "", r.errorf("expected %q, got %q", prefix, line)
	}
	return strings.TrimPrefix(line, prefix), nil
}

func (r *legacyReader) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: note for %s at byte %d: %s", ErrInvalidCommentNote, r.revision, r.pos, fmt.Sprintf(format, args...))
}

func parseLegacyNote(data []byte, revision git.ObjectID, identities footer.IdentParser) ([]Comment, error) {
	reader := &legacyReader{data: data, revision: revision}
	rawRevision, err := reader.header("Revision: ")
	if err != nil {
		return nil, err
	}
	noteRevision, err := git.ParseObjectID(rawRevision)
	if err != nil {
		return nil, reader.errorf("bad revision %q", rawRevision)
	}

	var comments []Comment
	patchSetID, side, file := 0, int16(1), ""
	for !reader.eof() {
		line, err := reader.line()
		if err != nil {
			return nil, err
		}
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "Patch-set: "), strings.HasPrefix(line, "Base-for-patch-set: "):
			rawID, _ := strings.CutPrefix(line, "Patch-set: ")
			side = 1
			if strings.HasPrefix(line, "Base-for-patch-set: ") {
				rawID, side = strings.TrimPrefix(line, "Base-for-patch-set: "), 0
			}
			patchSetID, err = strconv.Atoi(rawID)
			if err != nil || patchSetID <= 0 {
				return nil, reader.errorf("bad patch set %q", rawID)
			}
			file = ""
		case strings.HasPrefix(line, "File: "):
			file = strings.TrimPrefix(line, "File: ")
		default:
			if patchSetID == 0 || file == "" {
				return nil, reader.errorf("comment before Patch-set and File headers")
			}
			comment, err := reader.comment(line, identities)
			if err != nil {
				return nil, err
			}
			comment.Key.PatchSetID = patchSetID
			comment.Key.Filename = file
			comment.Side = side
			comment.RevID = noteRevision.String()
			comment.ServerID = identities.ServerID
			comments = append(comments, comment)
		}
	}
	return comments, nil
}

func (r *legacyReader) comment(position string, identities footer.IdentParser) (Comment, error) {
	comment := Comment{LegacyFormat: true}
	if start, end, isRange := strings.Cut(position, "-"); isRange {
		var commentRange CommentRange
		var err error
		if commentRange.StartLine, commentRange.StartChar, err = parseLineChar(start); err != nil {
			return Comment{}, r.errorf("bad range %q", position)
		}
		if commentRange.EndLine, commentRange.EndChar, err = parseLineChar(end); err != nil {
			return Comment{}, r.errorf("bad range %q", position)
		}
		comment.Range = &commentRange
		comment.LineNbr = commentRange.EndLine
	} else {
		line, err := strconv.Atoi(position)
		if err != nil || line < 0 {
			return Comment{}, r.errorf("bad line %q", position)
		}
		comment.LineNbr = line
	}

	rawDate, err := r.line()
	if err != nil {
		return Comment{}, err
	}
	if comment.WrittenOn, err = time.Parse(legacyDateLayout, rawDate); err != nil {
		return Comment{}, r.errorf("bad date %q", rawDate)
	}

	rawAuthor, err := r.header("Author: ")
	if err != nil {
		return Comment{}, err
	}
	if comment.Author.ID, err = identities.ParseFooterIdent(rawAuthor); err != nil {
		return Comment{}, r.errorf("bad author: %v", err)
	}
	if r.peekPrefix("Real-author: ") {
		rawRealAuthor, _ := r.header("Real-author: ")
		realAuthor, err := identities.ParseFooterIdent(rawRealAuthor)
		if err != nil {
			return Comment{}, r.errorf("bad real author: %v", err)
		}
		comment.RealAuthor = &CommentIdentity{ID: realAuthor}
	}
	if r.peekPrefix("Parent: ") {
		comment.ParentUUID, _ = r.header("Parent: ")
	}
	if r.peekPrefix("Unresolved: ") {
		rawUnresolved, _ := r.header("Unresolved: ")
		if comment.Unresolved, err = strconv.ParseBool(rawUnresolved); err != nil {
			return Comment{}, r.errorf("bad unresolved flag %q", rawUnresolved)
		}
	}
	if comment.Key.UUID, err = r.header("UUID: "); err != nil {
		return Comment{}, err
	}
	rawBytes, err := r.header("Bytes: ")
	if err != nil {
		return Comment{}, err
	}
	length, err := strconv.Atoi(rawBytes)
	if err != nil || length < 0 || r.pos+length > len(r.data) {
		return Comment{}, r.errorf("bad message length %q", rawBytes)
	}
	comment.Message = string(r.data[r.pos : r.pos+length])
	r.pos += length
	if !r.eof() && r.data[r.pos] == '\n' {
		r.pos++
	}
	return comment, nil
}

func parseLineChar(rawInput string) (int, int, error) {
	rawLine, rawChar, ok := strings.Cut(rawInput, ":")
	if !ok {
		return 0, 0, fmt.Errorf("missing ':' in %q", rawInput)
	}
	line, err := strconv.Atoi(rawLine)
	if err != nil {
		return 0, 0, err
	}
	char, err := strconv.Atoi(rawChar)
	if err != nil {
		return 0, 0, err
	}
	return line, char, nil
}
