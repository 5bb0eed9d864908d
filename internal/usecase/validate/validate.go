// Package validate is the input gate for incoming watch events. It is pure:
// no I/O, no side effects, deterministic for a given input.
package validate

import (
	"regexp"
	"strings"

	"meadow-notify/internal/domain"
)

// maxTitleLen is the hard cap on a normalized movie title.
const maxTitleLen = 200

// emailPattern requires local@domain.tld — a domain without a dot segment
// is rejected.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Validate checks a raw watch event and produces a normalized request.
// Rejections carry domain.ErrMissingField or domain.ErrInvalidEmail so the
// trigger surface can map them to client errors without string matching.
func Validate(event domain.WatchEvent) (domain.NormalizedRequest, error) {
	title := SanitizeTitle(event.MovieTitle)
	if title == "" {
		return domain.NormalizedRequest{}, domain.NewDomainError("validate",
			domain.ErrMissingField, "movie_title is required")
	}

	email := strings.ToLower(strings.TrimSpace(event.RecipientEmail))
	if email == "" {
		return domain.NormalizedRequest{}, domain.NewDomainError("validate",
			domain.ErrMissingField, "recipient_email is required")
	}
	if !IsValidEmail(email) {
		return domain.NormalizedRequest{}, domain.NewDomainError("validate",
			domain.ErrInvalidEmail, "recipient_email is not a valid address")
	}

	return domain.NormalizedRequest{Title: title, Email: email}, nil
}

// IsValidEmail reports whether s has a basic local@domain.tld shape.
func IsValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// SanitizeTitle trims surrounding whitespace and truncates to the first
// 200 characters. Never pads or expands.
func SanitizeTitle(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen])
	}
	return s
}
