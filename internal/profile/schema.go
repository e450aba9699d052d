// Package profile holds the environment profile and global settings
// records, and loads them from disk.
package profile

import (
	"fmt"
	"strings"

	"github.com/picklr-io/ec2-cli/internal/apperr"
)

// Profile is an immutable environment template.
type Profile struct {
	Name        string            `json:"name" yaml:"name" pkl:"name"`
	Instance    InstanceConfig    `json:"instance" yaml:"instance" pkl:"instance"`
	Packages    PackageConfig     `json:"packages" yaml:"packages" pkl:"packages"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty" pkl:"environment"`
	Tags        map[string]string `json:"tags,omitempty" yaml:"tags,omitempty" pkl:"tags"`
	// Username is the login user baked into the image.
	Username string `json:"username,omitempty" yaml:"username,omitempty" pkl:"username"`
}

// InstanceConfig selects size, image, and storage.
type InstanceConfig struct {
	Type          string        `json:"type" yaml:"type" pkl:"type"`
	FallbackTypes []string      `json:"fallback_types,omitempty" yaml:"fallback_types,omitempty" pkl:"fallbackTypes"`
	AMI           AMIConfig     `json:"ami" yaml:"ami" pkl:"ami"`
	Storage       StorageConfig `json:"storage" yaml:"storage" pkl:"storage"`
}

// AMIConfig picks an image by family and architecture, or pins one by id.
type AMIConfig struct {
	Type         string `json:"type" yaml:"type" pkl:"type"`
	Architecture string `json:"architecture" yaml:"architecture" pkl:"architecture"`
	ID           string `json:"id,omitempty" yaml:"id,omitempty" pkl:"id"`
}

// StorageConfig describes attached storage.
type StorageConfig struct {
	RootVolume VolumeConfig `json:"root_volume" yaml:"root_volume" pkl:"rootVolume"`
}

// VolumeConfig describes one EBS volume.
type VolumeConfig struct {
	SizeGB     int    `json:"size_gb" yaml:"size_gb" pkl:"sizeGb"`
	Type       string `json:"type" yaml:"type" pkl:"type"`
	IOPS       int    `json:"iops,omitempty" yaml:"iops,omitempty" pkl:"iops"`
	Throughput int    `json:"throughput,omitempty" yaml:"throughput,omitempty" pkl:"throughput"`
}

// PackageConfig lists bootstrap customizations.
type PackageConfig struct {
	System []string   `json:"system,omitempty" yaml:"system,omitempty" pkl:"system"`
	Rust   RustConfig `json:"rust" yaml:"rust" pkl:"rust"`
	Cargo  []string   `json:"cargo,omitempty" yaml:"cargo,omitempty" pkl:"cargo"`
}

// RustConfig controls the optional Rust toolchain.
type RustConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled" pkl:"enabled"`
	Channel    string   `json:"channel,omitempty" yaml:"channel,omitempty" pkl:"channel"`
	Components []string `json:"components,omitempty" yaml:"components,omitempty" pkl:"components"`
}

// Accepted enumerations.
var (
	VolumeTypes   = []string{"gp2", "gp3", "io1", "io2", "st1", "sc1"}
	Architectures = []string{"x86_64", "arm64"}
	ImageFamilies = []string{"ubuntu-24.04", "ubuntu-22.04", "amazon-linux-2023", "amazon-linux-2"}
	RustChannels  = []string{"stable", "beta", "nightly"}
)

const (
	DefaultName         = "default"
	DefaultInstanceType = "t3.large"
	DefaultUsername     = "ubuntu"
	MinVolumeGB         = 8
	MaxVolumeGB         = 16384
)

// Default returns the built-in profile used when none is named.
func Default() Profile {
	p := Profile{
		Name: DefaultName,
		Instance: InstanceConfig{
			Type:          DefaultInstanceType,
			FallbackTypes: []string{"t3.medium"},
		},
		Packages: PackageConfig{
			System: []string{"build-essential", "libssl-dev", "pkg-config", "git"},
			Rust:   RustConfig{Enabled: true},
		},
	}
	p.ApplyDefaults()
	return p
}

// ApplyDefaults fills zero fields with their defaults.
func (p *Profile) ApplyDefaults() {
	if p.Instance.Type == "" {
		p.Instance.Type = DefaultInstanceType
	}
	if p.Instance.AMI.Type == "" {
		p.Instance.AMI.Type = "ubuntu-24.04"
	}
	if p.Instance.AMI.Architecture == "" {
		p.Instance.AMI.Architecture = "x86_64"
	}
	v := &p.Instance.Storage.RootVolume
	if v.SizeGB == 0 {
		v.SizeGB = 30
	}
	if v.Type == "" {
		v.Type = "gp3"
	}
	if v.Type == "gp3" {
		if v.IOPS == 0 {
			v.IOPS = 3000
		}
		if v.Throughput == 0 {
			v.Throughput = 125
		}
	}
	if p.Packages.Rust.Enabled {
		if p.Packages.Rust.Channel == "" {
			p.Packages.Rust.Channel = "stable"
		}
		if p.Packages.Rust.Components == nil {
			p.Packages.Rust.Components = []string{"rustfmt", "clippy"}
		}
	}
	if p.Username == "" {
		p.Username = usernameFor(p.Instance.AMI.Type)
	}
}

func usernameFor(family string) string {
	if strings.HasPrefix(family, "amazon-linux") {
		return "ec2-user"
	}
	return DefaultUsername
}

// Validate checks the profile against the accepted ranges and
// enumerations.
func (p *Profile) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(p.Name) == "" {
		add("profile name cannot be empty")
	}
	if p.Instance.Type == "" {
		add("instance type cannot be empty")
	}
	v := p.Instance.Storage.RootVolume
	if v.SizeGB < MinVolumeGB || v.SizeGB > MaxVolumeGB {
		add("root volume size %d GB outside %d..%d", v.SizeGB, MinVolumeGB, MaxVolumeGB)
	}
	if !oneOf(v.Type, VolumeTypes) {
		add("invalid volume type %q, valid: %s", v.Type, strings.Join(VolumeTypes, ", "))
	}
	if !oneOf(p.Instance.AMI.Architecture, Architectures) {
		add("invalid architecture %q, valid: %s", p.Instance.AMI.Architecture, strings.Join(Architectures, ", "))
	}
	if p.Instance.AMI.ID == "" && !oneOf(p.Instance.AMI.Type, ImageFamilies) {
		add("invalid AMI type %q, valid: %s", p.Instance.AMI.Type, strings.Join(ImageFamilies, ", "))
	}
	if p.Packages.Rust.Enabled && !oneOf(p.Packages.Rust.Channel, RustChannels) {
		add("invalid Rust channel %q, valid: %s", p.Packages.Rust.Channel, strings.Join(RustChannels, ", "))
	}
	if err := ValidateTags(p.Tags); err != nil {
		add("%v", err)
	}

	if len(problems) > 0 {
		return apperr.Newf(apperr.KindConfiguration, "profile", p.Name, "%s", strings.Join(problems, "; "))
	}
	return nil
}

func oneOf(s string, options []string) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}
