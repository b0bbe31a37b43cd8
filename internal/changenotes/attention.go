package changenotes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
)

type attentionFooter struct {
	PersonIdent string `json:"person_ident"`
	Operation   string `json:"operation"`
	Reason      string `json:"reason"`
}

func parseAttentionFooter(value string, identities footer.IdentParser, when time.Time) (AttentionSetUpdate, error) {
	var raw attentionFooter
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return AttentionSetUpdate{}, err
	}
	account, err := identities.ParseFooterIdent(raw.PersonIdent)
	if err != nil {
		return AttentionSetUpdate{}, err
	}
	operation := AttentionOperation(raw.Operation)
	if operation != AttentionAdd && operation != AttentionRemove {
		return AttentionSetUpdate{}, fmt.Errorf("unknown operation %q", raw.Operation)
	}
	return AttentionSetUpdate{Account: account, Operation: operation, Reason: raw.Reason, Timestamp: when}, nil
}

func formatAttentionFooter(update AttentionSetUpdate, serverID string) (string, error) {
	data, err := json.Marshal(attentionFooter{
		PersonIdent: footer.FormatIdent(update.Account, serverID),
		Operation:   string(update.Operation),
		Reason:      update.Reason,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RewriteAttentionIdent replaces the person_ident of an Attention footer
// value, leaving the other fields intact.
func RewriteAttentionIdent(value string, rewrite func(ident string) (string, error)) (string, error) {
	var raw attentionFooter
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return "", err
	}
	ident, err := rewrite(raw.PersonIdent)
	if err != nil {
		return "", err
	}
	raw.PersonIdent = ident
	data, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// IsAttentionSetOnly reports whether a commit carries nothing but a single
// attention set change: no change message, exactly one Attention footer and
// no known footer besides Patch-set.
func IsAttentionSetOnly(footers footer.Footers, hasChangeMessage bool) bool {
	if hasChangeMessage {
		return false
	}
	attention := 0
	for _, line := range footers {
		key, known := footer.Canonical(line.Key)
		if !known {
			continue
		}
		switch key {
		case footer.KeyAttention:
			attention++
		case footer.KeyPatchSet:
		default:
			return false
		}
	}
	return attention == 1
}

// CountsTowardsMaxUpdates reports whether a commit is counted by the update
// limit. Attention-set-only commits are exempt.
func CountsTowardsMaxUpdates(footers footer.Footers, hasChangeMessage bool) bool {
	return !IsAttentionSetOnly(footers, hasChangeMessage)
}
