package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/animus-labs/wheelwright/internal/build"
	"github.com/animus-labs/wheelwright/internal/config"
	"github.com/animus-labs/wheelwright/internal/nightly"
	"github.com/animus-labs/wheelwright/internal/patch"
	"github.com/animus-labs/wheelwright/internal/pipeline"
	"github.com/animus-labs/wheelwright/internal/platform/natsbus"
	"github.com/animus-labs/wheelwright/internal/publish"
	"github.com/animus-labs/wheelwright/internal/runner"
	"github.com/animus-labs/wheelwright/internal/source"
	"github.com/animus-labs/wheelwright/internal/trigger"
	"github.com/animus-labs/wheelwright/internal/wheel"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	skipPublish bool
	outputDir   string
	triggerReq  trigger.Request
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the whole job: checkout, patch, build, rename, publish",
	Long: `Runs one build job end to end.

Steps:
  1. Check the required tools are installed
  2. Fetch source.revision of source.repository
  3. Apply the configured patches
  4. Build wheels with cibuildwheel
  5. Nightly runs only: rename every wheel; any failure blocks publishing
  6. Upload every wheel; the first failed upload aborts the run
  7. Record the ledger, mirror to object storage, announce on NATS`,
	Args: cobra.NoArgs,
	RunE: runPipeline,
}

var matrixCmd = &cobra.Command{
	Use:   "matrix",
	Short: "Run one independent job per matrix entry",
	Args:  cobra.NoArgs,
	RunE:  runMatrix,
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout",
	Short: "Fetch the configured source revision",
	Args:  cobra.NoArgs,
	RunE:  runCheckout,
}

var patchCmd = &cobra.Command{
	Use:   "patch",
	Short: "Apply the configured patches to the source tree",
	Args:  cobra.NoArgs,
	RunE:  runPatch,
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build wheels from the checked out source tree",
	Args:  cobra.NoArgs,
	RunE:  runBuild,
}

var renameCmd = &cobra.Command{
	Use:   "rename [wheel...]",
	Short: "Rewrite wheels for nightly distribution",
	Long: `Renames each wheel to package.nightly_name and derives its nightly version.
Without arguments every wheel in --output-dir is processed. Wheels are handled
independently, but any failure makes the command exit non-zero.`,
	RunE: runRename,
}

var publishCmd = &cobra.Command{
	Use:   "publish [wheel...]",
	Short: "Upload wheels to the package index",
	Long: `Uploads the given wheels, or every wheel in --output-dir, to
publish.index_url. The first failed upload aborts the rest. An empty set of
wheels is an error.`,
	RunE: runPublish,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger-tests",
	Short: "Dispatch the GPU test workflow",
	Args:  cobra.NoArgs,
	RunE:  runTrigger,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the wheelwright version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "wheelwright", version)
	},
}

func registerCommands(root *cobra.Command) {
	runCmd.Flags().BoolVar(&skipPublish, "skip-publish", false, "Build and rename but do not upload")
	matrixCmd.Flags().BoolVar(&skipPublish, "skip-publish", false, "Build and rename but do not upload")
	renameCmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory holding the wheels (default: build output dir)")
	publishCmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory holding the wheels (default: build output dir)")

	f := triggerCmd.Flags()
	f.StringVar(&triggerReq.Ref, "ref", "", "Git ref the workflow runs on")
	f.StringVar(&triggerReq.RunnerLabel, "runner-label", "", "Runner label of the GPU machines")
	f.StringVar(&triggerReq.Accelerator, "accelerator", "", "Accelerator type")
	f.StringVar(&triggerReq.Environment, "environment", "", "Test environment name")
	f.StringVar(&triggerReq.FrameworkVersion, "framework-version", "", "Framework version to test against")
	f.BoolVar(&triggerReq.SkipUnitTests, "skip-unit-tests", false, "Skip unit tests")
	f.BoolVar(&triggerReq.SkipIntegrationTests, "skip-integration-tests", false, "Skip integration tests")

	root.AddCommand(runCmd, matrixCmd, checkoutCmd, patchCmd, buildCmd, renameCmd, publishCmd, triggerCmd, versionCmd)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if skipPublish {
		cfg.Publish.Skip = true
	}
	w, err := wire(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	p, err := pipeline.New(cfg, w.deps)
	if err != nil {
		return err
	}
	report, err := p.Run(cmd.Context())
	if err != nil {
		return err
	}
	for _, path := range report.Wheels {
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}
	return nil
}

func runMatrix(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if skipPublish {
		cfg.Publish.Skip = true
	}
	w, err := wire(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	m, err := pipeline.NewMatrix(cfg, w.deps)
	if err != nil {
		return err
	}
	reports, err := m.Run(cmd.Context())
	for _, entry := range cfg.Matrix {
		if r, ok := reports[entry.Name]; ok {
			logger.Info("matrix entry done", zap.String("entry", entry.Name), zap.Int("wheels", len(r.Wheels)))
		}
	}
	return err
}

func runCheckout(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateSource(); err != nil {
		return err
	}
	commit, err := source.NewCheckout(runner.NewExecRunner(logger), logger).Fetch(cmd.Context(), source.Options{
		Repository: cfg.Source.Repository,
		Revision:   cfg.Source.Revision,
		Dir:        pipeline.SourceDir(cfg),
		Submodules: cfg.Source.Submodules,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), commit)
	return nil
}

func runPatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return patch.NewApplier(pipeline.SourceDir(cfg), pipeline.PatchVars(cfg), logger).ApplyAll(pipeline.Patches(cfg.Patches))
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	opts := pipeline.BuildOptions(cfg)
	plan, err := build.NewPlan(opts)
	if err != nil {
		return err
	}
	b := build.NewBuilder(runner.NewExecRunner(logger), logger)
	if err := b.Prepare(cmd.Context(), opts, plan); err != nil {
		return err
	}
	wheels, err := b.Run(cmd.Context(), opts, plan)
	if err != nil {
		return err
	}
	for _, path := range wheels {
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}
	return nil
}

func runRename(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	wheels, err := wheelArgs(cfg, args)
	if err != nil {
		return err
	}
	ts := cfg.Package.Timestamp
	if ts == "" {
		ts = nightly.Timestamp(cfg.Run.StartedAt)
	}
	r, err := nightly.NewRenamer(nightly.Config{
		SourceName:     cfg.Package.Name,
		NightlyName:    cfg.Package.NightlyName,
		Timestamp:      ts,
		ScratchDir:     cfg.Job.ScratchDir,
		ForceDevSuffix: cfg.Package.ForceDevSuffix,
	}, logger)
	if err != nil {
		return err
	}
	batch := r.RenameAll(cmd.Context(), wheels)
	for _, path := range batch.Outputs() {
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}
	return publish.Gate(batch)
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	wheels, err := wheelArgs(cfg, args)
	if err != nil {
		return err
	}
	uploader, err := newUploader(cfg)
	if err != nil {
		return err
	}
	uploaded, err := uploader.UploadAll(cmd.Context(), wheels)
	for _, u := range uploaded {
		fmt.Fprintln(cmd.OutOrStdout(), u.Filename, u.SHA256)
	}
	return err
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, err := config.Read(configPath, now())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	req := triggerRequest(cfg.Trigger, cmd)
	d, closeFn, err := newDispatcher(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return d.Dispatch(cmd.Context(), req)
}

// triggerRequest starts from the configured request and applies only the
// flags the user actually set.
func triggerRequest(tc config.Trigger, cmd *cobra.Command) trigger.Request {
	req := trigger.Request{
		Ref:                  tc.Ref,
		RunnerLabel:          tc.RunnerLabel,
		Accelerator:          tc.Accelerator,
		Environment:          tc.Environment,
		FrameworkVersion:     tc.FrameworkVersion,
		SkipUnitTests:        tc.SkipUnitTests,
		SkipIntegrationTests: tc.SkipIntegrationTests,
	}
	flags := cmd.Flags()
	if flags.Changed("ref") {
		req.Ref = triggerReq.Ref
	}
	if flags.Changed("runner-label") {
		req.RunnerLabel = triggerReq.RunnerLabel
	}
	if flags.Changed("accelerator") {
		req.Accelerator = triggerReq.Accelerator
	}
	if flags.Changed("environment") {
		req.Environment = triggerReq.Environment
	}
	if flags.Changed("framework-version") {
		req.FrameworkVersion = triggerReq.FrameworkVersion
	}
	if flags.Changed("skip-unit-tests") {
		req.SkipUnitTests = triggerReq.SkipUnitTests
	}
	if flags.Changed("skip-integration-tests") {
		req.SkipIntegrationTests = triggerReq.SkipIntegrationTests
	}
	return req
}

func newDispatcher(ctx context.Context, cfg config.Config) (trigger.Dispatcher, func(), error) {
	switch cfg.Trigger.Dispatcher {
	case "", "github":
		d, err := trigger.NewGitHubDispatcher(trigger.GitHubConfig{
			APIURL:     cfg.Trigger.GitHubAPIURL,
			Repository: cfg.Trigger.Repository,
			Workflow:   cfg.Trigger.Workflow,
			Token:      cfg.Secrets.GitHubToken,
		}, nil, logger)
		return d, func() {}, err
	case "nats":
		pub, err := natsbus.Connect(cfg.Trigger.NATSURL, "wheelwright-trigger", logger)
		if err != nil {
			return nil, func() {}, err
		}
		d, err := trigger.NewNATSDispatcher(pub, cfg.Trigger.Subject)
		return d, pub.Close, err
	default:
		return nil, func() {}, fmt.Errorf("unknown dispatcher %q", cfg.Trigger.Dispatcher)
	}
}

// wheelArgs returns the wheels named on the command line, or every wheel in
// the output directory when none are.
func wheelArgs(cfg config.Config, args []string) ([]string, error) {
	for _, a := range args {
		if !strings.HasSuffix(a, wheel.Ext) {
			return nil, fmt.Errorf("%s: not a wheel", a)
		}
	}
	if len(args) > 0 {
		return args, nil
	}
	dir := outputDir
	if dir == "" {
		dir = cfg.Build.OutputDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(pipeline.SourceDir(cfg), dir)
		}
	}
	wheels, err := wheel.Glob(dir)
	if err != nil {
		return nil, err
	}
	if len(wheels) == 0 {
		return nil, fmt.Errorf("%w in %s", publish.ErrNoArtifacts, dir)
	}
	return wheels, nil
}
