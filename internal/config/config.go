// Package config loads the pipeline configuration: a YAML file for the
// stable settings, environment variables for per-run overrides, secrets and
// CI runner identity.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Package Package       `yaml:"package"`
	Source  Source        `yaml:"source"`
	Patches []Patch       `yaml:"patches"`
	Build   Build         `yaml:"build"`
	Publish Publish       `yaml:"publish"`
	Job     Job           `yaml:"job"`
	Matrix  []MatrixEntry `yaml:"matrix"`
	Mirror  Mirror        `yaml:"mirror"`
	Ledger  Ledger        `yaml:"ledger"`
	Notify  Notify        `yaml:"notify"`
	Metrics Metrics       `yaml:"metrics"`
	Trigger Trigger       `yaml:"trigger"`
	CI      CI            `yaml:"-"`
	Secrets Secrets       `yaml:"-"`
	Run     RunIdentity   `yaml:"-"`
}

type Package struct {
	Name           string `yaml:"name"`
	NightlyName    string `yaml:"nightly_name"`
	Nightly        *bool  `yaml:"nightly"`
	ForceDevSuffix bool   `yaml:"force_dev_suffix"`
	Timestamp      string `yaml:"timestamp"`
}

type Source struct {
	Repository string `yaml:"repository"`
	Revision   string `yaml:"revision"`
	Dir        string `yaml:"dir"`
	Submodules bool   `yaml:"submodules"`
}

type Patch struct {
	File    string   `yaml:"file"`
	Append  []string `yaml:"append"`
	Replace *Replace `yaml:"replace"`
}

type Replace struct {
	Old string `yaml:"old"`
	New string `yaml:"new"`
}

type Build struct {
	Tool             string            `yaml:"tool"`
	ToolVersion      string            `yaml:"tool_version"`
	Python           string            `yaml:"python"`
	PackageDir       string            `yaml:"package_dir"`
	OutputDir        string            `yaml:"output_dir"`
	BuildDir         string            `yaml:"build_dir"`
	MirrorURL        string            `yaml:"mirror_url"`
	Arch             string            `yaml:"arch"`
	RunnerLabel      string            `yaml:"runner_label"`
	PythonSelectors  []string          `yaml:"python_selectors"`
	SkipSelectors    []string          `yaml:"skip_selectors"`
	ManylinuxImage   string            `yaml:"manylinux_image"`
	SelfHostedPrefix string            `yaml:"self_hosted_prefix"`
	Verbosity        int               `yaml:"verbosity"`
	Docker           string            `yaml:"docker"`
	Env              map[string]string `yaml:"env"`
}

type Publish struct {
	IndexURL string        `yaml:"index_url"`
	Username string        `yaml:"username"`
	TokenURL string        `yaml:"token_url"`
	ClientID string        `yaml:"client_id"`
	Scopes   []string      `yaml:"scopes"`
	Timeout  time.Duration `yaml:"timeout"`
	Skip     bool          `yaml:"skip"`
}

type Job struct {
	Timeout     time.Duration `yaml:"timeout"`
	WorkDir     string        `yaml:"work_dir"`
	ScratchDir  string        `yaml:"scratch_dir"`
	Parallelism int           `yaml:"parallelism"`
}

type MatrixEntry struct {
	Name           string `yaml:"name"`
	RunnerLabel    string `yaml:"runner_label"`
	Arch           string `yaml:"arch"`
	ManylinuxImage string `yaml:"manylinux_image"`
}

type Mirror struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

type Ledger struct {
	Enabled bool `yaml:"enabled"`
}

type Notify struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

type Metrics struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

type Trigger struct {
	Dispatcher           string `yaml:"dispatcher"`
	GitHubAPIURL         string `yaml:"github_api_url"`
	Repository           string `yaml:"repository"`
	Workflow             string `yaml:"workflow"`
	Ref                  string `yaml:"ref"`
	NATSURL              string `yaml:"nats_url"`
	Subject              string `yaml:"subject"`
	RunnerLabel          string `yaml:"runner_label"`
	Accelerator          string `yaml:"accelerator"`
	Environment          string `yaml:"environment"`
	FrameworkVersion     string `yaml:"framework_version"`
	SkipUnitTests        bool   `yaml:"skip_unit_tests"`
	SkipIntegrationTests bool   `yaml:"skip_integration_tests"`
}

// CI is what the runner tells us about itself.
type CI struct {
	RunnerName string
	RunnerArch string
	EventName  string
	RunID      string
}

type Secrets struct {
	IndexPassword     string
	IndexClientSecret string
	GitHubToken       string
	HTTPProxy         string
	HTTPSProxy        string
	NoProxy           string
}

type RunIdentity struct {
	ID        string
	StartedAt time.Time
}

// IsNightly reports whether built wheels are renamed before publishing. An
// explicit package.nightly wins; otherwise scheduled runs are nightly.
func (c Config) IsNightly() bool {
	if c.Package.Nightly != nil {
		return *c.Package.Nightly
	}
	return c.CI.EventName == "schedule"
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Package.Name) == "" {
		errs = append(errs, errors.New("package.name is required"))
	}
	if c.IsNightly() && strings.TrimSpace(c.Package.NightlyName) == "" {
		errs = append(errs, errors.New("package.nightly_name is required for nightly runs"))
	}
	if c.Job.Timeout <= 0 {
		errs = append(errs, errors.New("job.timeout must be positive"))
	}
	if c.Job.Parallelism < 1 {
		errs = append(errs, errors.New("job.parallelism must be >= 1"))
	}
	if c.Publish.Timeout <= 0 {
		errs = append(errs, errors.New("publish.timeout must be positive"))
	}
	if c.Publish.IndexURL != "" {
		if err := requireHTTPURL("publish.index_url", c.Publish.IndexURL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Publish.TokenURL != "" && c.Publish.ClientID == "" {
		errs = append(errs, errors.New("publish.client_id is required with publish.token_url"))
	}
	for i, p := range c.Patches {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("patches[%d]: %w", i, err))
		}
	}
	seen := map[string]bool{}
	for i, m := range c.Matrix {
		if strings.TrimSpace(m.Name) == "" {
			errs = append(errs, fmt.Errorf("matrix[%d].name is required", i))
			continue
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("matrix[%d]: duplicate name %q", i, m.Name))
		}
		seen[m.Name] = true
	}
	if c.Mirror.Enabled && strings.TrimSpace(c.Mirror.Bucket) == "" {
		errs = append(errs, errors.New("mirror.bucket is required when mirror is enabled"))
	}
	switch c.Trigger.Dispatcher {
	case "", "github", "nats":
	default:
		errs = append(errs, fmt.Errorf("trigger.dispatcher %q: must be github or nats", c.Trigger.Dispatcher))
	}
	return errors.Join(errs...)
}

// ValidatePublish checks what an upload needs beyond Validate.
func (c Config) ValidatePublish() error {
	if strings.TrimSpace(c.Publish.IndexURL) == "" {
		return errors.New("publish.index_url is required")
	}
	if c.Publish.TokenURL == "" && c.Secrets.IndexPassword == "" {
		return errors.New("WHEELWRIGHT_INDEX_PASSWORD is required for basic auth uploads")
	}
	if c.Publish.TokenURL != "" && c.Secrets.IndexClientSecret == "" {
		return errors.New("WHEELWRIGHT_INDEX_CLIENT_SECRET is required with publish.token_url")
	}
	return nil
}

// ValidateSource checks what a checkout needs beyond Validate.
func (c Config) ValidateSource() error {
	if strings.TrimSpace(c.Source.Repository) == "" {
		return errors.New("source.repository is required")
	}
	if strings.TrimSpace(c.Source.Revision) == "" {
		return errors.New("source.revision is required")
	}
	return nil
}

func (p Patch) Validate() error {
	if strings.TrimSpace(p.File) == "" {
		return errors.New("file is required")
	}
	hasAppend := len(p.Append) > 0
	hasReplace := p.Replace != nil
	if hasAppend == hasReplace {
		return errors.New("exactly one of append or replace is required")
	}
	if hasReplace && p.Replace.Old == "" {
		return errors.New("replace.old is required")
	}
	return nil
}

func requireHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL: %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host: %q", field, raw)
	}
	return nil
}
