// Package content cleans user-authored fields of inbound messages before they
// reach a timeline.
package content

import (
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"palaver/internal/models"
)

var (
	policy     = bluemonday.UGCPolicy()
	textPolicy = bluemonday.StrictPolicy()
)

// Sanitize removes unsafe HTML from message bodies, keeping basic formatting.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// SanitizeText strips all markup. Used for names and other single-line fields.
func SanitizeText(input string) string {
	return strings.TrimSpace(textPolicy.Sanitize(input))
}

// SafeURL returns u if it is a relative or http(s) URL, and "" otherwise.
func SafeURL(u string) string {
	if u == "" {
		return ""
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	switch parsed.Scheme {
	case "", "http", "https":
		return u
	default:
		return ""
	}
}

// SanitizeProfile cleans display fields of a profile.
func SanitizeProfile(p models.Profile) models.Profile {
	p.DisplayName = SanitizeText(p.DisplayName)
	p.AvatarURL = SafeURL(p.AvatarURL)
	return p
}

// SanitizeMessage returns a copy of m with its body, sender profile and
// attachment metadata cleaned.
func SanitizeMessage(m models.Message) models.Message {
	m = m.Clone()
	m.Content = Sanitize(m.Content)
	if m.Sender.Profile != nil {
		p := SanitizeProfile(*m.Sender.Profile)
		m.Sender.Profile = &p
	}
	for i := range m.Attachments {
		m.Attachments[i].Name = SanitizeText(m.Attachments[i].Name)
		m.Attachments[i].URL = SafeURL(m.Attachments[i].URL)
	}
	return m
}
