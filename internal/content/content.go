package content

import (
	"errors"
	"html/template"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policy = bluemonday.UGCPolicy()

	idRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// Every message body passes through it before being persisted or relayed.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// ValidateID checks that a user or conversation id contains only allowed
// characters (alphanumeric, dot, dash, underscore) and is not empty. Ids are
// embedded into broadcast scope names, so they must stay plain.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if !idRegex.MatchString(id) {
		return errors.New("id contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
