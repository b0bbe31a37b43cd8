package footer

import (
	"strings"
)

// Footer is one trailer line. Key holds the spelling found in the message.
type Footer struct {
	Key   string
	Value string
}

// Footers is the ordered footer block of a message.
type Footers []Footer

// Values returns the values of every footer matching key, in message order.
func (f Footers) Values(key Key) []string {
	var values []string
	for _, footer := range f {
		if key.Matches(footer.Key) {
			values = append(values, footer.Value)
		}
	}
	return values
}

// Has reports whether any footer matches key.
func (f Footers) Has(key Key) bool {
	for _, footer := range f {
		if key.Matches(footer.Key) {
			return true
		}
	}
	return false
}

// Message is a commit message split into its three parts.
type Message struct {
	Summary string
	Body    string
	Footers Footers
}

// HasBody reports whether the message carries a free-text change message.
func (m Message) HasBody() bool {
	return strings.TrimSpace(m.Body) != ""
}

// ParseMessage splits raw into summary line, free-text body and footer block.
// The footer block is the last paragraph when every one of its lines is a
// footer line.
func ParseMessage(raw string) Message {
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	message := Message{Summary: lines[0]}

	lastBlank := -1
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			lastBlank = i
			break
		}
	}

	bodyLines := lines[1:]
	if lastBlank > 0 && lastBlank < len(lines)-1 {
		candidate := lines[lastBlank+1:]
		footers := make(Footers, 0, len(candidate))
		for _, line := range candidate {
			footer, ok := parseFooterLine(line)
			if !ok {
				footers = nil
				break
			}
			footers = append(footers, footer)
		}
		if footers != nil {
			message.Footers = footers
			bodyLines = lines[1:lastBlank]
		}
	}
	message.Body = strings.Trim(strings.Join(bodyLines, "\n"), "\n")
	return message
}

func parseFooterLine(line string) (Footer, bool) {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return Footer{}, false
	}
	key := line[:colon]
	for i := 0; i < len(key); i++ {
		c := key[i]
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !isAlnum && (c != '-' || i == 0) {
			return Footer{}, false
		}
	}
	return Footer{Key: key, Value: strings.TrimSpace(line[colon+1:])}, true
}

// Builder renders a message with canonical footer keys.
type Builder struct {
	summary string
	body    string
	footers Footers
}

// NewBuilder starts a message with its summary line.
func NewBuilder(summary string) *Builder {
	return &Builder{summary: summary}
}

// Body sets the free-text change message.
func (b *Builder) Body(text string) *Builder {
	b.body = strings.Trim(text, "\n")
	return b
}

// Add appends a footer. The value is sanitized so it stays on one line.
func (b *Builder) Add(key Key, value string) *Builder {
	b.footers = append(b.footers, Footer{Key: string(key), Value: SanitizeValue(value)})
	return b
}

var lineBreaks = strings.NewReplacer("\r", " ", "\n", " ", "\x00", " ")

// SanitizeValue replaces line breaks and NUL bytes in a footer value with
// spaces.
func SanitizeValue(value string) string {
	return lineBreaks.Replace(value)
}

// String renders the message.
func (b *Builder) String() string {
	paragraphs := []string{b.summary}
	if strings.TrimSpace(b.body) != "" {
		paragraphs = append(paragraphs, b.body)
	}
	if len(b.footers) > 0 {
		lines := make([]string, 0, len(b.footers))
		for _, footer := range b.footers {
			if footer.Value == "" {
				lines = append(lines, footer.Key+":")
				continue
			}
			lines = append(lines, footer.Key+": "+footer.Value)
		}
		paragraphs = append(paragraphs, strings.Join(lines, "\n"))
	}
	return strings.Join(paragraphs, "\n\n") + "\n"
}
