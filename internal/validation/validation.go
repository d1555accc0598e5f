// Package validation checks user-supplied identifiers and server specs.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalid is wrapped by every validation failure so callers can map
// the whole class to a 400 response.
var ErrInvalid = errors.New("invalid input")

var (
	// serverNameRegex matches safe server names (alphanumeric, dash, underscore)
	serverNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// usernameRegex matches safe usernames
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// envKeyRegex matches POSIX-style environment variable names
	envKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidateServerName checks if the string is a usable server name
func ValidateServerName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: server name cannot be empty", ErrInvalid)
	}
	if len(name) > 64 {
		return fmt.Errorf("%w: server name too long (max 64 characters)", ErrInvalid)
	}
	if !serverNameRegex.MatchString(name) {
		return fmt.Errorf("%w: invalid server name: %s", ErrInvalid, name)
	}
	// Double underscore is reserved as the server/tool delimiter in the
	// flat tool namespace.
	if strings.Contains(name, "__") {
		return fmt.Errorf("%w: server name must not contain '__': %s", ErrInvalid, name)
	}
	return nil
}

// ValidateUsername checks if the string is a usable username
func ValidateUsername(name string) error {
	if name == "" {
		return fmt.Errorf("%w: username cannot be empty", ErrInvalid)
	}
	if len(name) > 64 {
		return fmt.Errorf("%w: username too long (max 64 characters)", ErrInvalid)
	}
	if !usernameRegex.MatchString(name) {
		return fmt.Errorf("%w: invalid username: %s", ErrInvalid, name)
	}
	return nil
}

// ValidateEnvKey checks if the string is a usable environment variable name
func ValidateEnvKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: environment variable name cannot be empty", ErrInvalid)
	}
	if !envKeyRegex.MatchString(key) {
		return fmt.Errorf("%w: invalid environment variable name: %s", ErrInvalid, key)
	}
	return nil
}

// ValidateCommand checks the command field of a server spec
func ValidateCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: command is required", ErrInvalid)
	}
	return nil
}
