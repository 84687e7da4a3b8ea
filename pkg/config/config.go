package config

import (
	"io/ioutil"
	"strings"

	"github.com/pkg/errors"
	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v2"

	"github.com/shipcd/shipcd/pkg/version"
)

// Config is the externally supplied pipeline surface: nothing in here
// is hard-coded by the core. It is usually loaded from a YAML file
// checked in next to the repository being shipped.
type Config struct {
	// TagPrefix is prepended to versions to form tag names, e.g. "v".
	TagPrefix string `yaml:"tagPrefix"`
	// DefaultBump is applied when the commit message carries no
	// overriding marker: major, minor or patch.
	DefaultBump string `yaml:"defaultBump"`
	// MainlineBranch is a glob matched against the short branch name
	// of incoming pushes, e.g. "main" or "release/*".
	MainlineBranch string `yaml:"mainlineBranch"`

	GitHub struct {
		Owner string `yaml:"owner"`
		Repo  string `yaml:"repo"`
	} `yaml:"github"`

	Build struct {
		Command []string `yaml:"command"`
		Output  string   `yaml:"output"`
	} `yaml:"build"`

	Artifact struct {
		Bucket string `yaml:"bucket"`
		Prefix string `yaml:"prefix"`
	} `yaml:"artifact"`

	Deploy struct {
		Application string `yaml:"application"`
		Environment string `yaml:"environment"`
	} `yaml:"deploy"`
}

func Load(path string) (Config, error) {
	var c Config
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "reading config file")
	}
	if err := yaml.UnmarshalStrict(b, &c); err != nil {
		return c, errors.Wrap(err, "parsing config file")
	}
	c.applyDefaults()
	return c, c.Validate()
}

func (c *Config) applyDefaults() {
	if c.TagPrefix == "" {
		c.TagPrefix = "v"
	}
	if c.DefaultBump == "" {
		c.DefaultBump = string(version.BumpPatch)
	}
	if c.MainlineBranch == "" {
		c.MainlineBranch = "main"
	}
}

func (c Config) Validate() error {
	if _, err := version.ParseBumpKind(c.DefaultBump); err != nil {
		return err
	}
	if len(c.Build.Command) == 0 {
		return errors.New("build.command must be set")
	}
	if c.Build.Output == "" {
		return errors.New("build.output must be set")
	}
	if c.Artifact.Bucket == "" {
		return errors.New("artifact.bucket must be set")
	}
	if c.Deploy.Application == "" || c.Deploy.Environment == "" {
		return errors.New("deploy.application and deploy.environment must be set")
	}
	return nil
}

// MatchesMainline reports whether a push ref (e.g. "refs/heads/main")
// is for the configured mainline. Tag refs never match: a tag push is
// the pipeline's own side effect, and must not start another run.
func (c Config) MatchesMainline(ref string) bool {
	if strings.HasPrefix(ref, "refs/tags/") {
		return false
	}
	branch := strings.TrimPrefix(ref, "refs/heads/")
	return glob.Glob(c.MainlineBranch, branch)
}

// Bump returns the parsed default bump kind; Validate has already
// vetted it.
func (c Config) Bump() version.BumpKind {
	k, err := version.ParseBumpKind(c.DefaultBump)
	if err != nil {
		return version.BumpPatch
	}
	return k
}
