package trigger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"go.uber.org/zap"
)

const DefaultGitHubAPIURL = "https://api.github.com"

type GitHubConfig struct {
	APIURL     string
	Repository string // owner/name
	Workflow   string // file name or numeric id
	Token      string
}

func (c GitHubConfig) Validate() error {
	owner, name, ok := strings.Cut(c.Repository, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("repository must be owner/name: %q", c.Repository)
	}
	if strings.TrimSpace(c.Workflow) == "" {
		return errors.New("workflow is required")
	}
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("github token is required")
	}
	return nil
}

// GitHubDispatcher fires a workflow_dispatch event through the REST API.
type GitHubDispatcher struct {
	cfg    GitHubConfig
	client *github.Client
	logger *zap.Logger
}

func NewGitHubDispatcher(cfg GitHubConfig, httpClient *http.Client, logger *zap.Logger) (*GitHubDispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second, Transport: newTransport()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := github.NewClient(httpClient).WithAuthToken(cfg.Token)
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL != "" && apiURL != DefaultGitHubAPIURL {
		var err error
		client, err = client.WithEnterpriseURLs(apiURL, apiURL)
		if err != nil {
			return nil, fmt.Errorf("github api url: %w", err)
		}
	}
	return &GitHubDispatcher{cfg: cfg, client: client, logger: logger}, nil
}

func (d *GitHubDispatcher) Dispatch(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	ref := strings.TrimSpace(req.Ref)
	if ref == "" {
		ref = "main"
	}
	inputs := make(map[string]interface{}, len(req.Inputs()))
	for k, v := range req.Inputs() {
		inputs[k] = v
	}
	event := github.CreateWorkflowDispatchEventRequest{Ref: ref, Inputs: inputs}

	owner, repo, _ := strings.Cut(d.cfg.Repository, "/")
	var (
		resp *github.Response
		err  error
	)
	if id, convErr := strconv.ParseInt(d.cfg.Workflow, 10, 64); convErr == nil {
		resp, err = d.client.Actions.CreateWorkflowDispatchEventByID(ctx, owner, repo, id, event)
	} else {
		resp, err = d.client.Actions.CreateWorkflowDispatchEventByFileName(ctx, owner, repo, d.cfg.Workflow, event)
	}
	if err != nil {
		return fmt.Errorf("dispatch workflow: %w", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("dispatch workflow: github returned %d", resp.StatusCode)
	}
	d.logger.Info("gpu tests dispatched",
		zap.String("repository", d.cfg.Repository),
		zap.String("workflow", d.cfg.Workflow),
		zap.String("ref", ref),
		zap.String("runner_label", req.RunnerLabel),
		zap.String("accelerator", req.Accelerator))
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
}
