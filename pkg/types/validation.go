package types

import (
	"strings"
	"unicode/utf8"
)

// Limits enforced at the edges of the core.
const (
	MaxQuestionLength = 100
	MinOptions        = 2
	MinDuration       = 1
	MaxDuration       = 60
	MaxNameLength     = 50
)

// PollDraft is the teacher's input for a new poll.
type PollDraft struct {
	Question string   `json:"question"`
	Options  []Option `json:"options"`
	Duration int      `json:"duration"`
}

// Validate checks question length, option count and duration, in that order.
// Option ids may be blank (the lifecycle manager assigns them) but must not
// repeat, and option text must not be blank.
func (d *PollDraft) Validate() error {
	question := strings.TrimSpace(d.Question)
	if question == "" {
		return ErrEmptyQuestion
	}
	if utf8.RuneCountInString(question) > MaxQuestionLength {
		return ErrQuestionTooLong
	}
	if len(d.Options) < MinOptions {
		return ErrTooFewOptions
	}
	if d.Duration < MinDuration || d.Duration > MaxDuration {
		return ErrInvalidDuration
	}

	seen := make(map[string]bool, len(d.Options))
	for i, opt := range d.Options {
		if strings.TrimSpace(opt.Text) == "" {
			return NewValidationError("option %d text is required", i+1)
		}
		if opt.ID == "" {
			continue
		}
		if seen[opt.ID] {
			return ErrDuplicateOption
		}
		seen[opt.ID] = true
	}
	return nil
}

// ValidateDisplayName trims name and enforces 1..maxLen runes.
func ValidateDisplayName(name string, maxLen int) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxLen {
		return "", ErrInvalidName
	}
	return name, nil
}

// IsValidRole reports whether role is teacher or student.
func IsValidRole(role string) bool {
	return role == RoleTeacher || role == RoleStudent
}

// NameKey is the case-insensitive identity of a display name.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
