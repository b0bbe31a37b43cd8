package footer

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

// ErrInvalidLabel indicates a Label or Copied-Label value that violates the grammar.
var ErrInvalidLabel = errors.New("footer: invalid label")

// LabelVote is a vote on a label, or its removal.
type LabelVote struct {
	Label   string
	Value   int16
	Removed bool
}

// String renders "-Name" for removals and "Name=+N", "Name=0", "Name=-N" otherwise.
func (v LabelVote) String() string {
	if v.Removed {
		return "-" + v.Label
	}
	return v.Label + "=" + FormatLabelValue(v.Value)
}

// FormatLabelValue renders a value with an explicit sign for positive values.
func FormatLabelValue(value int16) string {
	if value > 0 {
		return "+" + strconv.Itoa(int(value))
	}
	return strconv.Itoa(int(value))
}

// LabelFooter is the full value of a Label or Copied-Label footer:
// ["-"]Name | Name=[+-]Int[, Sha1][ Ident][ :"Tag"].
type LabelFooter struct {
	Vote  LabelVote
	UUID  string
	Ident string
	Tag   string
}

// String renders the footer value.
func (f LabelFooter) String() string {
	var out strings.Builder
	out.WriteString(f.Vote.String())
	if f.UUID != "" {
		out.WriteString(", ")
		out.WriteString(f.UUID)
	}
	if f.Ident != "" {
		out.WriteString(" ")
		out.WriteString(f.Ident)
	}
	if f.Tag != "" {
		out.WriteString(` :"`)
		out.WriteString(f.Tag)
		out.WriteString(`"`)
	}
	return out.String()
}

// ValidLabelName reports whether name consists of letters, digits and dashes.
func ValidLabelName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !isAlnum && c != '-' {
			return false
		}
	}
	return true
}

// ParseLabel parses a Label or Copied-Label footer value.
func ParseLabel(rawInput string) (LabelFooter, error) {
	value := strings.TrimSpace(rawInput)
	var parsed LabelFooter

	if tagStart := strings.Index(value, ` :"`); tagStart >= 0 {
		tag := value[tagStart+3:]
		if !strings.HasSuffix(tag, `"`) || len(tag) < 2 {
			return LabelFooter{}, fmt.Errorf("%w: unterminated tag in %q", ErrInvalidLabel, rawInput)
		}
		parsed.Tag = tag[:len(tag)-1]
		value = value[:tagStart]
	}

	head, rest, _ := strings.Cut(value, " ")
	rest = strings.TrimSpace(rest)
	if strings.HasSuffix(head, ",") {
		head = strings.TrimSuffix(head, ",")
		uuid, ident, _ := strings.Cut(rest, " ")
		if !git.IsObjectIDHex(uuid) {
			return LabelFooter{}, fmt.Errorf("%w: bad uuid %q in %q", ErrInvalidLabel, uuid, rawInput)
		}
		parsed.UUID = uuid
		rest = strings.TrimSpace(ident)
	}
	if rest != "" {
		if _, _, err := git.ParseIdentity(rest); err != nil {
			return LabelFooter{}, fmt.Errorf("%w: bad identity in %q", ErrInvalidLabel, rawInput)
		}
		parsed.Ident = rest
	}

	if strings.HasPrefix(head, "-") {
		name := head[1:]
		if !ValidLabelName(name) || strings.Contains(name, "=") {
			return LabelFooter{}, fmt.Errorf("%w: bad label removal %q", ErrInvalidLabel, rawInput)
		}
		if parsed.UUID != "" {
			return LabelFooter{}, fmt.Errorf("%w: removal with uuid %q", ErrInvalidLabel, rawInput)
		}
		parsed.Vote = LabelVote{Label: name, Removed: true}
		return parsed, nil
	}

	name, rawVote, found := strings.Cut(head, "=")
	if !found || !ValidLabelName(name) {
		return LabelFooter{}, fmt.Errorf("%w: bad label vote %q", ErrInvalidLabel, rawInput)
	}
	digits := strings.TrimLeft(rawVote, "+-")
	vote, err := strconv.Atoi(rawVote)
	if err != nil || digits == "" || len(rawVote)-len(digits) > 1 || vote < math.MinInt16 || vote > math.MaxInt16 {
		return LabelFooter{}, fmt.Errorf("%w: bad label value %q", ErrInvalidLabel, rawInput)
	}
	parsed.Vote = LabelVote{Label: name, Value: int16(vote)}
	return parsed, nil
}
