package presence

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxDisplayNameChars is the maximum character count for a display name.
const MaxDisplayNameChars = 64

// ValidateDisplayName checks that a registered display name meets content
// requirements. Names are not required to be unique.
func ValidateDisplayName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("display name is empty")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameChars {
		return fmt.Errorf("display name exceeds %d character limit", MaxDisplayNameChars)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid UTF-8")
	}
	return nil
}
