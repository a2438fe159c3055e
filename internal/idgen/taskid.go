package idgen

import (
	"fmt"
	"regexp"
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9_.-]*[A-Za-z0-9])?$`)

// ValidateTaskID checks that id can be used as a single path segment of a
// task channel address. Rules: letters, digits, dots, dashes and
// underscores; must start and end with a letter or digit; max 128 characters.
func ValidateTaskID(id string) error {
	if len(id) > 128 {
		return fmt.Errorf("task id too long (max 128 characters)")
	}
	if !taskIDPattern.MatchString(id) {
		return fmt.Errorf("task id %q is invalid: must match %s", id, taskIDPattern.String())
	}
	return nil
}
