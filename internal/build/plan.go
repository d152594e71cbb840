// Package build drives the external wheel build tool. It decides the tool's
// selectors and environment from configuration and the identity of the
// runner, then runs it through a runner.Runner.
package build

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	ArchX86_64  = "x86_64"
	ArchAarch64 = "aarch64"
)

type Options struct {
	Tool             string
	ToolVersion      string
	Python           string
	Docker           string
	SourceDir        string
	PackageDir       string
	OutputDir        string
	Arch             string
	RunnerLabel      string
	RunnerName       string
	RunnerArch       string
	PythonSelectors  []string
	SkipSelectors    []string
	ManylinuxImage   string
	SelfHostedPrefix string
	Verbosity        int
	Proxy            Proxy
	Env              map[string]string
}

type Proxy struct {
	HTTP    string
	HTTPS   string
	NoProxy string
}

func (p Proxy) empty() bool {
	return p.HTTP == "" && p.HTTPS == "" && p.NoProxy == ""
}

// Plan is a fully resolved build tool invocation.
type Plan struct {
	Arch       string
	SelfHosted bool
	Args       []string
	Env        map[string]string
	OutputDir  string
	Image      string
}

// ResolveArch picks the target architecture: explicit setting first, then
// anything in the runner label or RUNNER_ARCH that names ARM64.
func ResolveArch(explicit, runnerLabel, runnerArch string) (string, error) {
	switch normalizeArch(explicit) {
	case ArchX86_64:
		return ArchX86_64, nil
	case ArchAarch64:
		return ArchAarch64, nil
	case "":
	default:
		return "", fmt.Errorf("unsupported architecture %q", explicit)
	}
	for _, hint := range []string{runnerLabel, runnerArch} {
		if normalizeArch(hint) == ArchAarch64 || mentionsARM(hint) {
			return ArchAarch64, nil
		}
	}
	return ArchX86_64, nil
}

func normalizeArch(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ""
	case "x86_64", "amd64", "x64":
		return ArchX86_64
	case "aarch64", "arm64":
		return ArchAarch64
	default:
		return strings.ToLower(strings.TrimSpace(s))
	}
}

func mentionsARM(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "arm64") || strings.Contains(s, "aarch64")
}

// IsSelfHosted reports whether the runner needs proxy settings forwarded.
func IsSelfHosted(prefix, runnerLabel, runnerName string) bool {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return false
	}
	return strings.HasPrefix(runnerLabel, prefix) || strings.HasPrefix(runnerName, prefix)
}

func NewPlan(o Options) (Plan, error) {
	if strings.TrimSpace(o.SourceDir) == "" {
		return Plan{}, fmt.Errorf("source dir is required")
	}
	if strings.TrimSpace(o.OutputDir) == "" {
		return Plan{}, fmt.Errorf("output dir is required")
	}
	if len(o.PythonSelectors) == 0 {
		return Plan{}, fmt.Errorf("at least one python selector is required")
	}
	arch, err := ResolveArch(o.Arch, o.RunnerLabel, o.RunnerArch)
	if err != nil {
		return Plan{}, err
	}
	selfHosted := IsSelfHosted(o.SelfHostedPrefix, o.RunnerLabel, o.RunnerName)

	env := map[string]string{
		"CIBW_BUILD":       strings.Join(o.PythonSelectors, " "),
		"CIBW_ARCHS_LINUX": arch,
	}
	if len(o.SkipSelectors) > 0 {
		env["CIBW_SKIP"] = strings.Join(o.SkipSelectors, " ")
	}
	if o.Verbosity > 0 {
		env["CIBW_BUILD_VERBOSITY"] = strconv.Itoa(o.Verbosity)
	}
	if o.ManylinuxImage != "" {
		env["CIBW_MANYLINUX_"+strings.ToUpper(arch)+"_IMAGE"] = o.ManylinuxImage
	}
	if selfHosted && !o.Proxy.empty() {
		applyProxy(env, o.Proxy)
	}
	for k, v := range o.Env {
		if strings.TrimSpace(k) != "" {
			env[k] = v
		}
	}

	outputDir := o.OutputDir
	if !filepath.IsAbs(outputDir) {
		outputDir = filepath.Join(o.SourceDir, outputDir)
	}
	packageDir := o.PackageDir
	if packageDir == "" {
		packageDir = "."
	}
	return Plan{
		Arch:       arch,
		SelfHosted: selfHosted,
		Args:       []string{"--platform", "linux", "--output-dir", outputDir, packageDir},
		Env:        env,
		OutputDir:  outputDir,
		Image:      o.ManylinuxImage,
	}, nil
}

// applyProxy forwards proxy settings into the build containers.
func applyProxy(env map[string]string, p Proxy) {
	vars := map[string]string{}
	if p.HTTP != "" {
		vars["HTTP_PROXY"] = p.HTTP
		vars["http_proxy"] = p.HTTP
	}
	if p.HTTPS != "" {
		vars["HTTPS_PROXY"] = p.HTTPS
		vars["https_proxy"] = p.HTTPS
	}
	if p.NoProxy != "" {
		vars["NO_PROXY"] = p.NoProxy
		vars["no_proxy"] = p.NoProxy
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
		env[k] = vars[k]
	}
	sort.Strings(keys)

	assignments := make([]string, 0, len(keys))
	for _, k := range keys {
		assignments = append(assignments, k+"="+strconv.Quote(vars[k]))
	}
	env["CIBW_ENVIRONMENT_PASS_LINUX"] = strings.Join(keys, " ")
	env["CIBW_ENVIRONMENT"] = strings.Join(assignments, " ")
}
