// Package report renders engine results as JSON and PDF acceptance
// documents, localized through a small embedded string table.
package report

import (
	"encoding/json"
	"os"

	"example.com/a429gate/internal/rules"
)

// SaveAcceptanceJSON writes the report as indented JSON.
func SaveAcceptanceJSON(rep rules.AcceptanceReport, out string) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

// LoadAcceptanceJSON reads a report previously written by
// SaveAcceptanceJSON.
func LoadAcceptanceJSON(path string) (rules.AcceptanceReport, error) {
	var rep rules.AcceptanceReport
	b, err := os.ReadFile(path)
	if err != nil {
		return rep, err
	}
	err = json.Unmarshal(b, &rep)
	return rep, err
}
