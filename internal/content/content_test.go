package content

import (
	"testing"

	"palaver/internal/models"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML tags", "Hello <b>World</b>", "Hello <b>World</b>"},
		{"Script tag", "<script>alert('xss')</script>Hello", "Hello"},
		{"Complex HTML", "<a href='javascript:alert(1)'>Click me</a>", "Click me"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain", "Ada", "Ada"},
		{"Bold", " <b>Ada</b> ", "Ada"},
		{"Script", "<script>x()</script>Ada", "Ada"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeText(tt.input); got != tt.expected {
				t.Errorf("SanitizeText() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSafeURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/files/1.png", "/files/1.png"},
		{"https://cdn.example.com/a.png", "https://cdn.example.com/a.png"},
		{"javascript:alert(1)", ""},
		{"data:text/html;base64,AAAA", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := SafeURL(tt.input); got != tt.expected {
				t.Errorf("SafeURL(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSanitizeMessage(t *testing.T) {
	in := models.Message{
		ID:      "m1",
		Content: "<img src=x onerror=alert(1)>hi",
		Sender: models.ProfileSender(models.Profile{
			ID:          "u1",
			DisplayName: "<i>Ada</i>",
			AvatarURL:   "javascript:alert(1)",
		}),
		Attachments: []models.Attachment{{ID: "a1", Name: "<b>doc</b>.pdf", URL: "/files/a1"}},
	}

	out := SanitizeMessage(in)

	if out.Sender.Profile.DisplayName != "Ada" || out.Sender.Profile.AvatarURL != "" {
		t.Errorf("profile not sanitized: %+v", out.Sender.Profile)
	}
	if out.Attachments[0].Name != "doc.pdf" || out.Attachments[0].URL != "/files/a1" {
		t.Errorf("attachment not sanitized: %+v", out.Attachments[0])
	}
	if out.Content == in.Content {
		t.Errorf("content not sanitized: %q", out.Content)
	}
	if in.Sender.Profile.DisplayName != "<i>Ada</i>" {
		t.Error("input was modified")
	}
}
