package changenotes

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/notedb/internal/footer"
)

const ruleNamePrefix = "Rule-Name: "

var (
	submitRecordStatuses = map[string]bool{"OK": true, "NOT_READY": true, "CLOSED": true, "FORCED": true, "RULE_ERROR": true}
	submitLabelStatuses  = map[string]bool{"OK": true, "REJECT": true, "NEED": true, "MAY": true, "IMPOSSIBLE": true}
)

// parseSubmitRecords folds Submitted-with values into records. A bare status
// line starts a record; the lines after it describe its rule and labels.
func parseSubmitRecords(values []string, identities footer.IdentParser) ([]SubmitRecord, error) {
	var records []SubmitRecord
	for _, value := range values {
		value = strings.TrimSpace(value)
		if !strings.Contains(value, ":") {
			if !submitRecordStatuses[value] {
				return nil, fmt.Errorf("unknown submit record status %q", value)
			}
			records = append(records, SubmitRecord{Status: value})
			continue
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("submit label %q before a submit status", value)
		}
		record := &records[len(records)-1]
		if ruleName, ok := strings.CutPrefix(value, ruleNamePrefix); ok {
			record.RuleName = ruleName
			continue
		}
		labelStatus, rest, _ := strings.Cut(value, ": ")
		if !submitLabelStatuses[labelStatus] {
			return nil, fmt.Errorf("unknown submit label status %q", labelStatus)
		}
		label := SubmitLabel{Status: labelStatus}
		name, ident, hasIdent := strings.Cut(rest, ": ")
		label.Label = name
		if hasIdent {
			account, err := identities.ParseFooterIdent(ident)
			if err != nil {
				return nil, err
			}
			label.AppliedBy = account
		}
		if !footer.ValidLabelName(label.Label) {
			return nil, fmt.Errorf("invalid submit label %q", label.Label)
		}
		record.Labels = append(record.Labels, label)
	}
	return records, nil
}

func formatSubmitRecords(records []SubmitRecord, serverID string) []string {
	var values []string
	for _, record := range records {
		values = append(values, record.Status)
		if record.RuleName != "" {
			values = append(values, ruleNamePrefix+record.RuleName)
		}
		for _, label := range record.Labels {
			value := label.Status + ": " + label.Label
			if label.AppliedBy != 0 {
				value += ": " + footer.FormatIdent(label.AppliedBy, serverID)
			}
			values = append(values, value)
		}
	}
	return values
}

// RewriteSubmittedWithIdent replaces the applied-by identity of a
// Submitted-with label line, if it has one.
func RewriteSubmittedWithIdent(value string, rewrite func(ident string) (string, error)) (string, error) {
	if !strings.Contains(value, ":") || strings.HasPrefix(value, ruleNamePrefix) {
		return value, nil
	}
	labelStatus, rest, _ := strings.Cut(value, ": ")
	name, ident, hasIdent := strings.Cut(rest, ": ")
	if !hasIdent {
		return value, nil
	}
	rewritten, err := rewrite(ident)
	if err != nil {
		return "", err
	}
	return labelStatus + ": " + name + ": " + rewritten, nil
}
