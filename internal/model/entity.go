package model

import (
	"net/url"
	"strings"
)

// Entity is an organization whose procurement readiness is tracked.
type Entity struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Domain       string `json:"domain,omitempty"`
	Category     string `json:"category,omitempty"`
	NotionPageID string `json:"notion_page_id,omitempty"`
}

// Normalize trims the fields, reduces Domain to a bare host and defaults the
// ID to that host when none was given.
func (e *Entity) Normalize() {
	e.Name = strings.TrimSpace(e.Name)
	e.Category = strings.TrimSpace(e.Category)
	e.Domain = NormalizeDomain(e.Domain)
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		e.ID = e.Domain
	}
}

// NormalizeDomain turns a URL or host into a lowercase host without a
// leading "www.". Unparseable input is returned trimmed and lowercased.
func NormalizeDomain(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "www.")
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
