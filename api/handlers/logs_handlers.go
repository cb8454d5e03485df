package handlers

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gama-ovr/core/store"
	"gama-ovr/core/utils"
)

type LogsHandler struct {
	audits store.AuditStore
	logger *utils.Logger
}

func NewLogsHandler(audits store.AuditStore, logger *utils.Logger) *LogsHandler {
	return &LogsHandler{audits: audits, logger: logger}
}

func (h *LogsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.audits == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []store.AuditRecord{}})
		return
	}
	filter := parseLogFilter(r)
	items, err := h.filteredLogs(r, filter)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"filter": filter,
	})
}

func (h *LogsHandler) Export(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.audits == nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	filter := parseLogFilter(r)
	if filter.Limit <= 0 || filter.Limit > 5000 {
		filter.Limit = 5000
	}
	items, err := h.filteredLogs(r, filter)
	if err != nil {
		WriteError(w, r, h.logger, err)
		return
	}
	filename := "ovr_audit_" + time.Now().UTC().Format("20060102_150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"time", "username", "section", "action", "details"})
	for i := range items {
		_ = writer.Write([]string{
			items[i].CreatedAt.UTC().Format(time.RFC3339),
			strings.TrimSpace(items[i].Username),
			logCategory(items[i].Action),
			strings.TrimSpace(items[i].Action),
			strings.TrimSpace(items[i].Details),
		})
	}
	writer.Flush()
}

type logFilter struct {
	Section string     `json:"section,omitempty"`
	Action  string     `json:"action,omitempty"`
	User    string     `json:"user,omitempty"`
	Query   string     `json:"q,omitempty"`
	Since   time.Time  `json:"since"`
	To      *time.Time `json:"to,omitempty"`
	Limit   int        `json:"limit"`
}

func parseLogFilter(r *http.Request) logFilter {
	q := r.URL.Query()
	since := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if rawSince := strings.TrimSpace(q.Get("since")); rawSince != "" {
		if parsed, err := parseDateTime(rawSince); err == nil && !parsed.IsZero() {
			since = parsed.UTC()
		}
	}
	var until *time.Time
	if rawTo := strings.TrimSpace(q.Get("to")); rawTo != "" {
		if parsed, err := parseDateTime(rawTo); err == nil && !parsed.IsZero() {
			t := parsed.UTC()
			until = &t
		}
	}
	limit := 1000
	if rawLimit := strings.TrimSpace(q.Get("limit")); rawLimit != "" {
		if parsed, err := strconv.Atoi(rawLimit); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 5000 {
		limit = 5000
	}
	return logFilter{
		Section: strings.ToLower(strings.TrimSpace(q.Get("section"))),
		Action:  strings.ToLower(strings.TrimSpace(q.Get("action"))),
		User:    strings.ToLower(strings.TrimSpace(q.Get("user"))),
		Query:   strings.ToLower(strings.TrimSpace(q.Get("q"))),
		Since:   since,
		To:      until,
		Limit:   limit,
	}
}

// filteredLogs pushes the action and user filters down to the store and
// applies section and free-text matching on the result.
func (h *LogsHandler) filteredLogs(r *http.Request, filter logFilter) ([]store.AuditRecord, error) {
	items, err := h.audits.List(r.Context(), store.AuditFilter{
		ActionPrefix: filter.Action,
		Username:     filter.User,
		Since:        filter.Since,
		To:           filter.To,
		Limit:        filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]store.AuditRecord, 0, len(items))
	for _, item := range items {
		if filter.Section != "" && logCategory(item.Action) != filter.Section {
			continue
		}
		if filter.Query != "" {
			hay := strings.ToLower(item.Action + " " + item.Username + " " + item.Details)
			if !strings.Contains(hay, filter.Query) {
				continue
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func logCategory(action string) string {
	prefix, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(action)), ".")
	switch prefix {
	case "incidents":
		return "incidents"
	case "investigations":
		return "investigations"
	case "actions":
		return "corrective_actions"
	case "shared_access":
		return "shared_access"
	case "auth":
		return "auth"
	case "departments", "locations":
		return "reference"
	case "users":
		return "users"
	}
	return "system"
}

func parseDateTime(raw string) (time.Time, error) {
	val := strings.TrimSpace(raw)
	if val == "" {
		return time.Time{}, nil
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, val); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, strconv.ErrSyntax
}
