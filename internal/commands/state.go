package commands

import (
	"errors"
	"fmt"

	"github.com/vitaminmoo/thxc-tool/internal/state"
)

// MigrateFile rewrites a saved state document in the current shape. Legacy
// documents are migrated, out of range speeds clamped and colors lowercased.
func MigrateFile(file, output string) error {
	res, err := ReadStateFile(file)
	if err != nil {
		return err
	}
	if output == "" {
		output = "-"
	}
	if err := WriteStateFile(output, res.State); err != nil {
		return err
	}
	if output != "-" {
		if res.Migrated {
			fmt.Printf("Migrated legacy state to %s\n", output)
		} else {
			fmt.Printf("Normalized state to %s\n", output)
		}
	}
	return nil
}

// ValidateFile checks a state document the way apply does, without a device.
func ValidateFile(file string) error {
	s, migrated, err := ReadConfigFile(file)
	if err != nil {
		return err
	}
	if err := state.Validate(s); err != nil {
		var verr *state.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%s: invalid %s: %s", file, verr.Field, verr.Reason)
		}
		return err
	}
	if migrated {
		fmt.Printf("%s: valid (legacy format, will be migrated)\n", file)
	} else {
		fmt.Printf("%s: valid\n", file)
	}
	printState(state.Normalize(s))
	return nil
}
