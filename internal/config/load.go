package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/animus-labs/wheelwright/internal/platform/env"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "wheelwright.yaml"

var (
	DefaultPythonSelectors = []string{"cp39-*", "cp310-*", "cp311-*", "cp312-*", "cp313-*"}
	DefaultSkipSelectors   = []string{"cp36-*", "cp37-*", "cp38-*", "*-musllinux*"}
)

func Defaults() Config {
	return Config{
		Source: Source{Dir: "src"},
		Build: Build{
			Tool:             "cibuildwheel",
			Python:           "python3",
			PackageDir:       ".",
			OutputDir:        "wheelhouse",
			PythonSelectors:  append([]string(nil), DefaultPythonSelectors...),
			SkipSelectors:    append([]string(nil), DefaultSkipSelectors...),
			SelfHostedPrefix: "self-hosted",
			Verbosity:        1,
			Docker:           "docker",
		},
		Publish: Publish{
			Username: "__token__",
			Timeout:  10 * time.Minute,
		},
		Job: Job{
			Timeout:     120 * time.Minute,
			WorkDir:     ".",
			Parallelism: 1,
		},
		Mirror:  Mirror{Prefix: "nightly"},
		Notify:  Notify{Subject: "wheel.published"},
		Metrics: Metrics{Job: "wheelwright"},
		Trigger: Trigger{
			Dispatcher:   "github",
			GitHubAPIURL: "https://api.github.com",
			Ref:          "main",
			Subject:      "wheelwright.tests.dispatch",
		},
	}
}

// Load reads the configuration like Read and validates the result.
func Load(path string, now time.Time) (Config, error) {
	cfg, err := Read(path, now)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read reads path (a missing default path is not an error), applies the
// environment and stamps the run identity without validating.
func Read(path string, now time.Time) (Config, error) {
	cfg := Defaults()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := Decode(bytes.NewReader(raw), &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Run = NewRunIdentity(cfg.CI.RunID, now)
	return cfg, nil
}

// Decode strictly decodes YAML over the values already in cfg.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// ApplyEnv layers WHEELWRIGHT_* overrides, secrets and CI identity onto cfg.
func ApplyEnv(cfg *Config) error {
	cfg.Package.Name = env.String("WHEELWRIGHT_PACKAGE_NAME", cfg.Package.Name)
	cfg.Package.NightlyName = env.String("WHEELWRIGHT_NIGHTLY_NAME", cfg.Package.NightlyName)
	cfg.Package.Timestamp = env.String("WHEELWRIGHT_NIGHTLY_TIMESTAMP", cfg.Package.Timestamp)
	if v, ok := os.LookupEnv("WHEELWRIGHT_NIGHTLY"); ok && strings.TrimSpace(v) != "" {
		nightly, err := env.Bool("WHEELWRIGHT_NIGHTLY", false)
		if err != nil {
			return err
		}
		cfg.Package.Nightly = &nightly
	}
	force, err := env.Bool("WHEELWRIGHT_FORCE_DEV_SUFFIX", cfg.Package.ForceDevSuffix)
	if err != nil {
		return err
	}
	cfg.Package.ForceDevSuffix = force

	cfg.Source.Repository = env.String("WHEELWRIGHT_SOURCE_REPOSITORY", cfg.Source.Repository)
	cfg.Source.Revision = env.String("WHEELWRIGHT_SOURCE_REVISION", cfg.Source.Revision)

	cfg.Build.ToolVersion = env.String("WHEELWRIGHT_BUILD_TOOL_VERSION", cfg.Build.ToolVersion)
	cfg.Build.BuildDir = env.String("WHEELWRIGHT_BUILD_DIR", cfg.Build.BuildDir)
	cfg.Build.MirrorURL = env.String("WHEELWRIGHT_MIRROR_URL", cfg.Build.MirrorURL)
	cfg.Build.Arch = env.String("WHEELWRIGHT_ARCH", cfg.Build.Arch)
	cfg.Build.RunnerLabel = env.String("WHEELWRIGHT_RUNNER_LABEL", cfg.Build.RunnerLabel)
	cfg.Build.PythonSelectors = env.List("WHEELWRIGHT_PYTHON_SELECTORS", cfg.Build.PythonSelectors)
	cfg.Build.SkipSelectors = env.List("WHEELWRIGHT_SKIP_SELECTORS", cfg.Build.SkipSelectors)
	cfg.Build.ManylinuxImage = env.String("WHEELWRIGHT_MANYLINUX_IMAGE", cfg.Build.ManylinuxImage)

	cfg.Publish.IndexURL = env.String("WHEELWRIGHT_INDEX_URL", cfg.Publish.IndexURL)
	cfg.Publish.Username = env.String("WHEELWRIGHT_INDEX_USERNAME", cfg.Publish.Username)
	cfg.Publish.TokenURL = env.String("WHEELWRIGHT_INDEX_TOKEN_URL", cfg.Publish.TokenURL)
	cfg.Publish.ClientID = env.String("WHEELWRIGHT_INDEX_CLIENT_ID", cfg.Publish.ClientID)
	skip, err := env.Bool("WHEELWRIGHT_SKIP_PUBLISH", cfg.Publish.Skip)
	if err != nil {
		return err
	}
	cfg.Publish.Skip = skip

	timeout, err := env.Duration("WHEELWRIGHT_JOB_TIMEOUT", cfg.Job.Timeout)
	if err != nil {
		return err
	}
	cfg.Job.Timeout = timeout
	parallelism, err := env.Int("WHEELWRIGHT_PARALLELISM", cfg.Job.Parallelism)
	if err != nil {
		return err
	}
	cfg.Job.Parallelism = parallelism

	ledger, err := env.Bool("WHEELWRIGHT_LEDGER_ENABLED", cfg.Ledger.Enabled)
	if err != nil {
		return err
	}
	cfg.Ledger.Enabled = ledger
	cfg.Notify.NATSURL = env.String("WHEELWRIGHT_NATS_URL", cfg.Notify.NATSURL)
	cfg.Metrics.PushgatewayURL = env.String("WHEELWRIGHT_PUSHGATEWAY_URL", cfg.Metrics.PushgatewayURL)
	if cfg.Trigger.NATSURL == "" {
		cfg.Trigger.NATSURL = cfg.Notify.NATSURL
	}

	cfg.CI = CI{
		RunnerName: env.String("RUNNER_NAME", ""),
		RunnerArch: env.String("RUNNER_ARCH", ""),
		EventName:  env.String("GITHUB_EVENT_NAME", ""),
		RunID:      env.String("GITHUB_RUN_ID", ""),
	}
	cfg.Secrets = Secrets{
		IndexPassword:     env.String("WHEELWRIGHT_INDEX_PASSWORD", ""),
		IndexClientSecret: env.String("WHEELWRIGHT_INDEX_CLIENT_SECRET", ""),
		GitHubToken:       env.First("", "WHEELWRIGHT_GITHUB_TOKEN", "GITHUB_TOKEN"),
		HTTPProxy:         env.First("", "HTTP_PROXY", "http_proxy"),
		HTTPSProxy:        env.First("", "HTTPS_PROXY", "https_proxy"),
		NoProxy:           env.First("", "NO_PROXY", "no_proxy"),
	}
	return nil
}

// NewRunIdentity prefers the CI run id and falls back to a random UUID.
func NewRunIdentity(ciRunID string, now time.Time) RunIdentity {
	id := strings.TrimSpace(ciRunID)
	if id == "" {
		id = uuid.NewString()
	}
	if now.IsZero() {
		now = time.Now()
	}
	return RunIdentity{ID: id, StartedAt: now.UTC()}
}
