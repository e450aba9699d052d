package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apple/pkl-go/pkl"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/picklr-io/ec2-cli/internal/apperr"
	"github.com/picklr-io/ec2-cli/internal/logging"
)

// Extensions in lookup order.
var Extensions = []string{".pkl", ".yaml", ".yml", ".jsonc", ".json5", ".json"}

// LocalDir is the per-project profile directory, relative to the working
// directory.
const LocalDir = ".ec2-cli/profiles"

// Info describes a discovered profile file.
type Info struct {
	Name   string
	Path   string
	Source string
}

// Loader resolves profile names against the local then global directory.
type Loader struct {
	LocalDir  string
	GlobalDir string
}

// NewLoader returns a Loader rooted at workDir and the config directory.
func NewLoader(workDir string) (*Loader, error) {
	cfg, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	return &Loader{
		LocalDir:  filepath.Join(workDir, LocalDir),
		GlobalDir: filepath.Join(cfg, "profiles"),
	}, nil
}

// Load returns the named profile with defaults applied and validated. The
// name "default" falls back to the built-in profile when no file exists.
func (l *Loader) Load(ctx context.Context, name string) (*Profile, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	for _, dir := range []string{l.LocalDir, l.GlobalDir} {
		if dir == "" {
			continue
		}
		for _, ext := range Extensions {
			path := filepath.Join(dir, name+ext)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			p, err := LoadFile(ctx, path)
			if err != nil {
				return nil, err
			}
			logging.Debug("loaded profile", "profile", name, "path", path)
			return p, nil
		}
	}
	if name == DefaultName {
		p := Default()
		return &p, nil
	}
	return nil, apperr.Newf(apperr.KindConfiguration, "profile", name, "profile not found in %s or %s", l.LocalDir, l.GlobalDir)
}

// LoadFile decodes a single profile file by extension. An unnamed profile
// takes its file name.
func LoadFile(ctx context.Context, path string) (*Profile, error) {
	p := &Profile{}
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pkl":
		err = loadPkl(ctx, path, p)
	case ".yaml", ".yml":
		err = loadWith(path, func(b []byte) error { return yaml.Unmarshal(b, p) })
	case ".json", ".jsonc", ".json5":
		err = loadWith(path, func(b []byte) error { return json.Unmarshal(jsonc.ToJSON(b), p) })
	default:
		err = fmt.Errorf("unsupported profile format %q", ext)
	}
	if err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "profile", path, err)
	}
	if p.Name == "" {
		p.Name, _ = profileName(filepath.Base(path))
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func loadWith(path string, decode func([]byte) error) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := decode(raw); err != nil {
		return fmt.Errorf("failed to parse profile: %w", err)
	}
	return nil
}

func loadPkl(ctx context.Context, path string, p *Profile) error {
	evaluator, err := pkl.NewEvaluator(ctx, pkl.PreconfiguredOptions)
	if err != nil {
		return fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(path), p); err != nil {
		return fmt.Errorf("failed to evaluate profile: %w", err)
	}
	return nil
}

// List returns every profile file in both directories. A local profile
// shadows a global one of the same name.
func (l *Loader) List() ([]Info, error) {
	seen := map[string]bool{}
	var out []Info
	for _, src := range []struct{ dir, label string }{{l.LocalDir, "local"}, {l.GlobalDir, "global"}} {
		entries, err := os.ReadDir(src.dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read profiles in %s: %w", src.dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name, ok := profileName(e.Name())
			if !ok || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, Info{Name: name, Path: filepath.Join(src.dir, e.Name()), Source: src.label})
		}
	}
	if !seen[DefaultName] {
		out = append(out, Info{Name: DefaultName, Source: "built-in"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func profileName(file string) (string, bool) {
	ext := filepath.Ext(file)
	for _, known := range Extensions {
		if strings.EqualFold(ext, known) {
			return strings.TrimSuffix(file, ext), true
		}
	}
	return "", false
}

// ValidateName rejects names that could escape the profile directory.
func ValidateName(name string) error {
	if name == "" {
		return apperr.Newf(apperr.KindUserInput, "profile", name, "profile name cannot be empty")
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return apperr.Newf(apperr.KindUserInput, "profile", name, "profile name may only contain letters, digits, dash and underscore")
		}
	}
	return nil
}
