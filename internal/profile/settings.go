package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/picklr-io/ec2-cli/internal/apperr"
)

// StateBackend selects where the state snapshot lives.
type StateBackend struct {
	Type          string `json:"type,omitempty"`
	Bucket        string `json:"bucket,omitempty"`
	Key           string `json:"key,omitempty"`
	DynamoDBTable string `json:"dynamodb_table,omitempty"`
	KMSKeyID      string `json:"kms_key_id,omitempty"`
}

// Duration is a time.Duration that reads and writes as "10m".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"10m\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Settings are global preferences stored in the config directory.
type Settings struct {
	Tags             map[string]string `json:"tags,omitempty"`
	Region           string            `json:"region,omitempty"`
	AWSProfile       string            `json:"aws_profile,omitempty"`
	VPCID            string            `json:"vpc_id,omitempty"`
	SubnetID         string            `json:"subnet_id,omitempty"`
	SSHKeyPath       string            `json:"ssh_key_path,omitempty"`
	State            StateBackend      `json:"state,omitempty"`
	BootTimeout      Duration          `json:"boot_timeout,omitempty"`
	TerminateTimeout Duration          `json:"terminate_timeout,omitempty"`
}

// Environment variables that override settings.
const (
	EnvRegion     = "EC2_CLI_REGION"
	EnvAWSProfile = "EC2_CLI_AWS_PROFILE"
	EnvStateDir   = "EC2_CLI_STATE_DIR"
	EnvConfigDir  = "EC2_CLI_CONFIG_DIR"
	EnvLogLevel   = "EC2_CLI_LOG_LEVEL"
)

// ConfigDir returns the directory holding config.json and profiles/.
func ConfigDir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", apperr.New(apperr.KindConfiguration, "config", "", fmt.Errorf("cannot determine config directory: %w", err))
	}
	return filepath.Join(base, "ec2-cli"), nil
}

// SettingsPath returns the settings file location.
func SettingsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// LoadSettings reads the settings file, tolerating comments and trailing
// commas, then applies environment overrides. A missing file yields
// defaults.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, apperr.New(apperr.KindConfiguration, "config", path, err)
	default:
		if err := json.Unmarshal(jsonc.ToJSON(raw), s); err != nil {
			return nil, apperr.New(apperr.KindConfiguration, "config", path, fmt.Errorf("failed to parse config file: %w", err))
		}
	}
	if err := ValidateTags(s.Tags); err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "config", path, err)
	}
	s.applyEnv()
	return s, nil
}

func (s *Settings) applyEnv() {
	if v := os.Getenv(EnvRegion); v != "" {
		s.Region = v
	}
	if v := os.Getenv(EnvAWSProfile); v != "" {
		s.AWSProfile = v
	}
}

// Save writes the settings file with owner-only permissions.
func (s *Settings) Save(path string) error {
	if err := ValidateTags(s.Tags); err != nil {
		return apperr.New(apperr.KindUserInput, "config", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// SetTag validates and stores one tag.
func (s *Settings) SetTag(key, value string) error {
	if err := ValidateTag(key, value); err != nil {
		return apperr.New(apperr.KindUserInput, "config", key, err)
	}
	if s.Tags == nil {
		s.Tags = map[string]string{}
	}
	s.Tags[key] = value
	return nil
}

// RemoveTag deletes a tag, reporting whether it existed.
func (s *Settings) RemoveTag(key string) bool {
	if _, ok := s.Tags[key]; !ok {
		return false
	}
	delete(s.Tags, key)
	return true
}

// SortedTags returns tag keys in order.
func (s *Settings) SortedTags() []string {
	keys := make([]string, 0, len(s.Tags))
	for k := range s.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Tag limits imposed by the provider.
const (
	maxTagKey   = 128
	maxTagValue = 256
)

// ValidateTag checks one user-supplied tag.
func ValidateTag(key, value string) error {
	switch {
	case key == "":
		return fmt.Errorf("tag key cannot be empty")
	case len(key) > maxTagKey:
		return fmt.Errorf("tag key %q exceeds %d characters", key, maxTagKey)
	case strings.HasPrefix(strings.ToLower(key), "aws:"):
		return fmt.Errorf("tag key %q uses the reserved aws: prefix", key)
	case strings.HasPrefix(key, "ec2-cli:"):
		return fmt.Errorf("tag key %q uses the reserved ec2-cli: prefix", key)
	case len(value) > maxTagValue:
		return fmt.Errorf("tag value for %q exceeds %d characters", key, maxTagValue)
	case !printable(key) || !printable(value):
		return fmt.Errorf("tag %q must be printable ASCII", key)
	}
	return nil
}

// ValidateTags checks a whole tag set.
func ValidateTags(tags map[string]string) error {
	for k, v := range tags {
		if err := ValidateTag(k, v); err != nil {
			return err
		}
	}
	return nil
}

func printable(s string) bool {
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}
