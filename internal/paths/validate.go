package paths

import (
	"fmt"
	"regexp"
)

// DefaultInstance is used when neither the flag nor the config names one.
const DefaultInstance = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateInstance checks that name conforms to instance naming rules.
func ValidateInstance(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid instance name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
