package git

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidIdent indicates a malformed "Name <email> when tz" identity line.
var ErrInvalidIdent = errors.New("git: invalid person ident")

// PersonIdent is an author or committer identity.
type PersonIdent struct {
	Name  string
	Email string
	When  time.Time
}

// String renders the identity as "Name <email>" without the timestamp.
func (p PersonIdent) String() string {
	return p.Name + " <" + p.Email + ">"
}

// Equal compares name, email and instant; the zone offset is part of the
// encoded form and is compared too.
func (p PersonIdent) Equal(other PersonIdent) bool {
	return p.Name == other.Name && p.Email == other.Email && string(p.encode()) == string(other.encode())
}

func (p PersonIdent) encode() []byte {
	_, offset := p.When.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	zone := fmt.Sprintf("%c%02d%02d", sign, offset/3600, (offset%3600)/60)
	return []byte(p.String() + " " + strconv.FormatInt(p.When.Unix(), 10) + " " + zone)
}

// ParseIdentity parses the "Name <email>" form used inside footers.
func ParseIdentity(rawInput string) (name string, email string, err error) {
	value := strings.TrimSpace(rawInput)
	lt := strings.LastIndexByte(value, '<')
	gt := strings.LastIndexByte(value, '>')
	if lt < 0 || gt < lt || gt != len(value)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidIdent, rawInput)
	}
	return strings.TrimSpace(value[:lt]), value[lt+1 : gt], nil
}

func decodeIdent(line string) (PersonIdent, error) {
	gt := strings.LastIndexByte(line, '>')
	if gt < 0 {
		return PersonIdent{}, fmt.Errorf("%w: %q", ErrInvalidIdent, line)
	}
	name, email, err := ParseIdentity(line[:gt+1])
	if err != nil {
		return PersonIdent{}, err
	}
	fields := strings.Fields(line[gt+1:])
	if len(fields) != 2 {
		return PersonIdent{}, fmt.Errorf("%w: missing timestamp in %q", ErrInvalidIdent, line)
	}
	seconds, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return PersonIdent{}, fmt.Errorf("%w: bad timestamp in %q", ErrInvalidIdent, line)
	}
	zone := fields[1]
	if len(zone) != 5 || (zone[0] != '+' && zone[0] != '-') {
		return PersonIdent{}, fmt.Errorf("%w: bad zone in %q", ErrInvalidIdent, line)
	}
	hours, errHours := strconv.Atoi(zone[1:3])
	minutes, errMinutes := strconv.Atoi(zone[3:5])
	if errHours != nil || errMinutes != nil {
		return PersonIdent{}, fmt.Errorf("%w: bad zone in %q", ErrInvalidIdent, line)
	}
	offset := hours*3600 + minutes*60
	if zone[0] == '-' {
		offset = -offset
	}
	location := time.UTC
	if offset != 0 {
		location = time.FixedZone("", offset)
	}
	return PersonIdent{Name: name, Email: email, When: time.Unix(seconds, 0).In(location)}, nil
}
