package tool

import (
	"fmt"
	"regexp"
)

// e164Re validates E.164 phone number format.
var e164Re = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// RequireField returns an error if the string value is empty.
func RequireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("'%s' is required", name)
	}
	return nil
}

// ValidateE164 checks that value is an E.164 phone number.
// An empty value is allowed (use RequireField to enforce presence).
func ValidateE164(name, value string) error {
	if value == "" {
		return nil
	}
	if !e164Re.MatchString(value) {
		return fmt.Errorf("invalid %s %q: not an E.164 phone number", name, value)
	}
	return nil
}

// ValidateMaxLength checks that value does not exceed max bytes.
func ValidateMaxLength(name, value string, max int) error {
	if len(value) > max {
		return fmt.Errorf("%s exceeds maximum length of %d", name, max)
	}
	return nil
}

// ValidateAll returns the first non-nil error from the given list.
func ValidateAll(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
