package bootscript

import (
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/picklr-io/ec2-cli/internal/apperr"
)

// shellMeta are characters rejected in any value interpolated into the script.
const shellMeta = ";&|$`(){}[]<>'\"\\\n\r!#*?~"

const (
	maxGitValue    = 256
	maxProjectName = 64
)

func invalid(field, format string, args ...any) error {
	return apperr.Newf(apperr.KindConfiguration, "bootscript", field, format, args...)
}

// ValidateShellSafe rejects empty values and values carrying shell
// metacharacters.
func ValidateShellSafe(value, field string) error {
	if value == "" {
		return invalid(field, "%s cannot be empty", field)
	}
	if i := strings.IndexAny(value, shellMeta); i >= 0 {
		return invalid(field, "invalid character %q in %s", value[i], field)
	}
	return nil
}

// ValidateGitValue checks a git identity value. Whitespace, '@', '.', '+'
// and '-' are allowed.
func ValidateGitValue(value, field string) error {
	if len(value) > maxGitValue {
		return invalid(field, "%s exceeds %d characters", field, maxGitValue)
	}
	return ValidateShellSafe(value, field)
}

// ValidateEnvKey accepts [A-Za-z_][A-Za-z0-9_]*.
func ValidateEnvKey(key string) error {
	if key == "" {
		return invalid("environment", "environment variable key cannot be empty")
	}
	for i, r := range key {
		alpha := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_'
		digit := r >= '0' && r <= '9'
		if !alpha && (!digit || i == 0) {
			return invalid("environment", "invalid environment variable key %q", key)
		}
	}
	return nil
}

// ValidateUsername accepts alphanumerics, '_' and '-', not starting with a
// digit.
func ValidateUsername(name string) error {
	if name == "" {
		return invalid("username", "username cannot be empty")
	}
	if name[0] >= '0' && name[0] <= '9' {
		return invalid("username", "username %q cannot start with a digit", name)
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return invalid("username", "invalid username %q", name)
		}
	}
	return nil
}

// ValidateProjectName accepts alphanumerics, '-', '_' and '.', at most 64
// characters, not starting with '.' or '-'.
func ValidateProjectName(name string) error {
	switch {
	case name == "":
		return invalid("project", "project name cannot be empty")
	case len(name) > maxProjectName:
		return invalid("project", "project name cannot exceed %d characters", maxProjectName)
	case name[0] == '.' || name[0] == '-':
		return invalid("project", "project name %q cannot start with a dot or dash", name)
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '.') {
			return invalid("project", "invalid project name %q", name)
		}
	}
	return nil
}

// ValidatePublicKey requires a single authorized_keys line.
func ValidatePublicKey(key string) error {
	key = strings.TrimSpace(key)
	if strings.ContainsAny(key, "\r\n") {
		return invalid("public-key", "public key must be a single line")
	}
	if _, _, _, rest, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		return invalid("public-key", "invalid public key: %v", err)
	} else if len(rest) > 0 {
		return invalid("public-key", "public key has trailing data")
	}
	return nil
}

func quote(s string) string {
	return "'" + s + "'"
}
