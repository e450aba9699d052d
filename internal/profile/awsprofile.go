package profile

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"

	"github.com/picklr-io/ec2-cli/internal/apperr"
)

func awsFiles() (configPath, credentialsPath string) {
	home, _ := os.UserHomeDir()
	configPath = os.Getenv("AWS_CONFIG_FILE")
	if configPath == "" {
		configPath = filepath.Join(home, ".aws", "config")
	}
	credentialsPath = os.Getenv("AWS_SHARED_CREDENTIALS_FILE")
	if credentialsPath == "" {
		credentialsPath = filepath.Join(home, ".aws", "credentials")
	}
	return configPath, credentialsPath
}

func configSection(name string) string {
	if name == "default" {
		return "default"
	}
	return "profile " + name
}

// CheckAWSProfile verifies that a named AWS profile is defined in the
// shared config or credentials file.
func CheckAWSProfile(name string) error {
	if name == "" {
		return nil
	}
	cfgPath, credPath := awsFiles()

	cfg, err := ini.LooseLoad(cfgPath)
	if err != nil {
		return apperr.New(apperr.KindConfiguration, "aws-config", cfgPath, err)
	}
	if cfg.HasSection(configSection(name)) {
		return nil
	}
	creds, err := ini.LooseLoad(credPath)
	if err != nil {
		return apperr.New(apperr.KindConfiguration, "aws-config", credPath, err)
	}
	if creds.HasSection(name) {
		return nil
	}
	return apperr.New(apperr.KindConfiguration, "aws-config", name,
		fmt.Errorf("AWS profile not found in %s or %s", cfgPath, credPath))
}

// AWSProfileRegion returns the region configured for a profile, if any.
func AWSProfileRegion(name string) string {
	if name == "" {
		name = "default"
	}
	cfgPath, _ := awsFiles()
	cfg, err := ini.LooseLoad(cfgPath)
	if err != nil {
		return ""
	}
	return cfg.Section(configSection(name)).Key("region").String()
}
