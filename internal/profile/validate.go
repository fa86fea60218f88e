package profile

import (
	"fmt"
	"regexp"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_@.-]{1,128}$`)

// ValidateName checks that name conforms to profile naming rules.
// Account addresses like alice@example.org are valid profile names.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_@.-]{1,128}$", name)
	}
	return nil
}
