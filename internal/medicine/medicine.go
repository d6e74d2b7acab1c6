// Package medicine holds the medication record the monitor reasons about and
// the civil-date helpers used for day arithmetic.
package medicine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a medication.
type Status string

const (
	StatusTaking       Status = "Taking"
	StatusUsing        Status = "Using"
	StatusDiscontinued Status = "Discontinued"
)

// Source data aliases written by the patient-facing app.
var statusAliases = map[string]Status{
	"taking":       StatusTaking,
	"beru":         StatusTaking,
	"using":        StatusUsing,
	"používám":     StatusUsing,
	"pouzivam":     StatusUsing,
	"discontinued": StatusDiscontinued,
	"ukončeno":     StatusDiscontinued,
	"ukonceno":     StatusDiscontinued,
}

// ParseStatus maps a raw status to its canonical value. Unknown values are
// returned trimmed but otherwise untouched and are never eligible.
func ParseStatus(raw string) Status {
	s := strings.TrimSpace(raw)
	if st, ok := statusAliases[strings.ToLower(s)]; ok {
		return st
	}
	return Status(s)
}

// Active reports whether the status is monitored.
func (s Status) Active() bool { return s == StatusTaking || s == StatusUsing }

// Medicine is a single medication record.
type Medicine struct {
	ID     string
	Name   string
	Status Status
	// EndDate is nil for long-term medications.
	EndDate *Date
}

// Eligible reports whether the medicine takes part in scans and digests.
func (m Medicine) Eligible() bool { return m.Status.Active() }

type wireMedicine struct {
	ID         text    `json:"id"`
	Name       text    `json:"name"`
	Status     text    `json:"status"`
	EndDate    *string `json:"endDate,omitempty"`
	EndDateAlt *string `json:"end_date,omitempty"`
}

func (m *Medicine) UnmarshalJSON(b []byte) error {
	var w wireMedicine
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	m.ID = strings.TrimSpace(string(w.ID))
	m.Name = strings.TrimSpace(string(w.Name))
	m.Status = ParseStatus(string(w.Status))
	m.EndDate = nil

	raw := w.EndDate
	if raw == nil || strings.TrimSpace(*raw) == "" {
		raw = w.EndDateAlt
	}
	if raw != nil && strings.TrimSpace(*raw) != "" {
		d, err := ParseDate(*raw)
		if err != nil {
			return fmt.Errorf("medicine %q: %w", m.ID, err)
		}
		m.EndDate = &d
	}
	return nil
}

func (m Medicine) MarshalJSON() ([]byte, error) {
	w := wireMedicine{ID: text(m.ID), Name: text(m.Name), Status: text(m.Status)}
	if m.EndDate != nil {
		s := m.EndDate.String()
		w.EndDate = &s
	}
	return json.Marshal(w)
}

// text is a string field that also accepts a JSON number, as YAML sources
// write `id: 1` unquoted.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case string(b) == "null":
		*t = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("want string or number, got %s", b)
	}
	*t = text(n.String())
	return nil
}

// Filter returns the eligible medicines, keeping snapshot order.
func Filter(in []Medicine) []Medicine {
	out := make([]Medicine, 0, len(in))
	for _, m := range in {
		if m.Eligible() {
			out = append(out, m)
		}
	}
	return out
}
