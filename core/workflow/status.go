// Package workflow holds the incident status taxonomy, the transition
// validator and the panel orchestrator. It has no I/O.
package workflow

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"gama-ovr/core/apperr"
)

type Status string

const (
	StatusDraft              Status = "draft"
	StatusSubmitted          Status = "submitted"
	StatusQIReview           Status = "qi_review"
	StatusSupervisorApproved Status = "supervisor_approved"
	StatusHODAssigned        Status = "hod_assigned"
	StatusInvestigating      Status = "investigating"
	StatusQIFinalActions     Status = "qi_final_actions"
	StatusQIFinalReview      Status = "qi_final_review"
	StatusClosed             Status = "closed"
)

type StatusInfo struct {
	Status   Status `json:"status"`
	Label    string `json:"label"`
	Color    string `json:"color"`
	Terminal bool   `json:"terminal"`
	// Legacy statuses are still stored and displayed but no regular
	// action leads into or out of them.
	Legacy bool `json:"legacy,omitempty"`
}

var statusTable = []StatusInfo{
	{Status: StatusDraft, Label: "Draft", Color: "#9e9e9e"},
	{Status: StatusSubmitted, Label: "Submitted", Color: "#1976d2"},
	{Status: StatusQIReview, Label: "QI Review", Color: "#7b1fa2", Legacy: true},
	{Status: StatusSupervisorApproved, Label: "Supervisor Approved", Color: "#00838f", Legacy: true},
	{Status: StatusHODAssigned, Label: "HOD Assigned", Color: "#5d4037", Legacy: true},
	{Status: StatusInvestigating, Label: "Investigating", Color: "#f57c00"},
	{Status: StatusQIFinalActions, Label: "QI Final Actions", Color: "#c2185b"},
	{Status: StatusQIFinalReview, Label: "QI Final Review", Color: "#512da8"},
	{Status: StatusClosed, Label: "Closed", Color: "#388e3c", Terminal: true},
}

var statusIndex = func() map[Status]StatusInfo {
	out := make(map[Status]StatusInfo, len(statusTable))
	for _, info := range statusTable {
		out[info.Status] = info
	}
	return out
}()

// Statuses returns the taxonomy in workflow order.
func Statuses() []StatusInfo {
	out := make([]StatusInfo, len(statusTable))
	copy(out, statusTable)
	return out
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", apperr.Validation("incident.status_unknown", fmt.Sprintf("unknown status %q", raw)).
			WithDetail("status", "must be one of the workflow statuses")
	}
	return s, nil
}

func (s Status) Valid() bool {
	_, ok := statusIndex[s]
	return ok
}

func (s Status) Info() StatusInfo {
	if info, ok := statusIndex[s]; ok {
		return info
	}
	return StatusInfo{Status: s, Label: string(s), Color: "#000000"}
}

func (s Status) IsTerminal() bool {
	return statusIndex[s].Terminal
}

func (s Status) String() string {
	return string(s)
}

// Scan rejects values outside the enumeration.
func (s *Status) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	case nil:
		return fmt.Errorf("status is null")
	default:
		return fmt.Errorf("unsupported status type %T", src)
	}
	parsed := Status(strings.TrimSpace(raw))
	if !parsed.Valid() {
		return fmt.Errorf("unknown status %q", raw)
	}
	*s = parsed
	return nil
}

func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown status %q", string(s))
	}
	return string(s), nil
}
