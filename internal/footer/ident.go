package footer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

// ErrInvalidIdentity indicates an identity that is neither a synthesized
// account identity nor the server identity.
var ErrInvalidIdentity = errors.New("footer: invalid identity")

// AccountID identifies a user account. Zero means "no account" (the server).
type AccountID int

func (id AccountID) String() string {
	return strconv.Itoa(int(id))
}

const identNamePrefix = "Gerrit User "

// IdentName returns the synthesized display name for an account.
func IdentName(account AccountID) string {
	return identNamePrefix + account.String()
}

// IdentEmail returns the synthesized address for an account.
func IdentEmail(account AccountID, serverID string) string {
	return account.String() + "@" + serverID
}

// NewIdent synthesizes the identity NoteDb writes for an account.
func NewIdent(account AccountID, serverID string, when time.Time) git.PersonIdent {
	return git.PersonIdent{Name: IdentName(account), Email: IdentEmail(account, serverID), When: when}
}

// FormatIdent renders the "Name <email>" form used inside footers.
func FormatIdent(account AccountID, serverID string) string {
	return IdentName(account) + " <" + IdentEmail(account, serverID) + ">"
}

// IdentParser maps identities back to account ids. With Lenient set only the
// address is checked, which lets history rewrites read commits whose display
// names predate synthesized identities.
type IdentParser struct {
	ServerID    string
	ServerIdent git.PersonIdent
	Lenient     bool
}

// IsServerIdent reports whether name/email is the server identity.
func (p IdentParser) IsServerIdent(name, email string) bool {
	return p.ServerIdent.Email != "" && name == p.ServerIdent.Name && email == p.ServerIdent.Email
}

// ParseAuthor returns the account of a commit author, or 0 for the server identity.
func (p IdentParser) ParseAuthor(ident git.PersonIdent) (AccountID, error) {
	if p.IsServerIdent(ident.Name, ident.Email) {
		return 0, nil
	}
	return p.ParseAccount(ident.Name, ident.Email)
}

// ParseAccount validates a synthesized identity and returns its account.
func (p IdentParser) ParseAccount(name, email string) (AccountID, error) {
	account, err := p.AccountFromEmail(email)
	if err != nil {
		return 0, err
	}
	if !p.Lenient && name != IdentName(account) {
		return 0, fmt.Errorf("%w: expected %q, got %q", ErrInvalidIdentity, IdentName(account), name)
	}
	return account, nil
}

// AccountFromEmail extracts the account from "<id>@<serverID>".
func (p IdentParser) AccountFromEmail(email string) (AccountID, error) {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || email[at+1:] != p.ServerID {
		return 0, fmt.Errorf("%w: expected <id>@%s, got %q", ErrInvalidIdentity, p.ServerID, email)
	}
	id, err := strconv.Atoi(email[:at])
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad account id in %q", ErrInvalidIdentity, email)
	}
	return AccountID(id), nil
}

// ParseFooterIdent parses a "Name <email>" footer value into an account.
func (p IdentParser) ParseFooterIdent(value string) (AccountID, error) {
	name, email, err := git.ParseIdentity(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return p.ParseAccount(name, email)
}
