// Package githubapi implements the upstream job-service adapter consumed
// by U, D and P (spec §6 "Upstream service (operations consumed)"). It is
// a generalization of the teacher's internal/github/client.go, which only
// ever called one endpoint (queued workflow run count): this client keeps
// the teacher's hand-rolled net/http + encoding/json idiom but covers the
// full upstream surface the spec names.
package githubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/coho-labs/runnerfleet/internal/config"
	"github.com/coho-labs/runnerfleet/internal/metrics"
	"github.com/coho-labs/runnerfleet/internal/models"
)

// ErrNotFound is returned when an upstream call resolves with HTTP 404,
// distinctly from other failure statuses — scale-down's Phase 1 last-chance
// check depends on telling "runner gone" apart from "runner errored".
var ErrNotFound = errors.New("githubapi: not found")

// Client is a per-scope upstream client. Per spec §4.2 step 2 and §9, one
// Client is created per owning scope per batch invocation and must never
// be cached across invocations, because installation tokens rotate.
type Client struct {
	httpClient *http.Client
	token      string
	base       string
	cfg        config.GitHubConfig
	met        *metrics.Metrics
}

// NewClient constructs a scope-bound upstream client. With AppID unset it
// performs no network call and uses the configured static token. With
// AppID set it makes one upstream call, posting to the installation's
// access-token endpoint with the configured static token as the bearer
// credential, and uses the returned installation token; no app JWT is
// signed, and AppPrivateKey is not read.
func NewClient(ctx context.Context, cfg config.GitHubConfig, met *metrics.Metrics, installationID int64) (*Client, error) {
	c := &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		token:      cfg.Token,
		base:       cfg.APIBase(),
		cfg:        cfg,
		met:        met,
	}

	if cfg.AppID != 0 {
		token, err := c.exchangeInstallationToken(ctx, installationID)
		if err != nil {
			return nil, fmt.Errorf("failed to exchange installation token: %w", err)
		}
		c.token = token
	}

	return c, nil
}

// NewDiscoveryClient builds a client authenticated with the static
// configured token only, performing no installation-token exchange. It
// exists to resolve an installation id (GetInstallation) before a
// scope-bound, installation-authenticated Client can be constructed.
func NewDiscoveryClient(cfg config.GitHubConfig, met *metrics.Metrics) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		token:      cfg.Token,
		base:       cfg.APIBase(),
		cfg:        cfg,
		met:        met,
	}
}

func (c *Client) exchangeInstallationToken(ctx context.Context, installationID int64) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	path := fmt.Sprintf("/app/installations/%d/access_tokens", installationID)
	if err := c.do(ctx, "exchange_installation_token", http.MethodPost, path, nil, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func scopePath(scope models.Scope) string {
	if scope.OrgMode() {
		return "orgs/" + scope.Owner
	}
	return "repos/" + scope.Owner + "/" + scope.Repo
}

// CreateRegistrationToken obtains an org-level or repo-level registration
// token, per spec §6.
func (c *Client) CreateRegistrationToken(ctx context.Context, scope models.Scope) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	path := fmt.Sprintf("/%s/actions/runners/registration-token", scopePath(scope))
	if err := c.do(ctx, "create_registration_token", http.MethodPost, path, nil, &out); err != nil {
		return "", fmt.Errorf("failed to create registration token: %w", err)
	}
	return out.Token, nil
}

// JITConfig is the result of GenerateJITConfig: the upstream-assigned
// runner id and the opaque, single-use encoded config blob.
type JITConfig struct {
	RunnerID           int64
	EncodedJITConfig   string
}

// GenerateJITConfig requests a just-in-time runner registration blob.
func (c *Client) GenerateJITConfig(ctx context.Context, scope models.Scope, name string, runnerGroupID int64, labels []string) (JITConfig, error) {
	body := map[string]interface{}{
		"name":           name,
		"runner_group_id": runnerGroupID,
		"labels":         labels,
		"work_folder":    "_work",
	}
	var out struct {
		Runner struct {
			ID int64 `json:"id"`
		} `json:"runner"`
		EncodedJITConfig string `json:"encoded_jit_config"`
	}
	path := fmt.Sprintf("/%s/actions/runners/generate-jitconfig", scopePath(scope))
	if err := c.do(ctx, "generate_jit_config", http.MethodPost, path, body, &out); err != nil {
		return JITConfig{}, fmt.Errorf("failed to generate JIT config: %w", err)
	}
	return JITConfig{RunnerID: out.Runner.ID, EncodedJITConfig: out.EncodedJITConfig}, nil
}

// GetJobStatus returns the status of a workflow run's job (spec §6's "Get
// job for workflow run"). Values of interest: "queued", "completed", other.
//
// Takes owner/repo directly rather than a models.Scope: a job always
// belongs to a specific repository, even when the owning scope it was
// scaled under collapsed to the bare organization name in org-mode.
func (c *Client) GetJobStatus(ctx context.Context, owner, repo string, jobID int64) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/jobs/%d", owner, repo, jobID)
	if err := c.do(ctx, "get_job_status", http.MethodGet, path, nil, &out); err != nil {
		return "", fmt.Errorf("failed to get job status: %w", err)
	}
	return out.Status, nil
}

// Runner is the upstream self-hosted runner projection, spec §6.
type Runner struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"` // online, offline
	Busy   bool   `json:"busy"`
}

// ListRunners returns every self-hosted runner registered for scope,
// transparently paginating.
func (c *Client) ListRunners(ctx context.Context, scope models.Scope) ([]Runner, error) {
	var all []Runner
	page := 1
	for {
		var out struct {
			Runners []Runner `json:"runners"`
		}
		path := fmt.Sprintf("/%s/actions/runners?per_page=100&page=%d", scopePath(scope), page)
		if err := c.do(ctx, "list_runners", http.MethodGet, path, nil, &out); err != nil {
			return nil, fmt.Errorf("failed to list runners: %w", err)
		}
		if len(out.Runners) == 0 {
			break
		}
		all = append(all, out.Runners...)
		if len(out.Runners) < 100 {
			break
		}
		page++
	}
	return all, nil
}

// GetRunner fetches a single runner's live status directly, bypassing any
// cached listing — used by D's Phase 2 busy-flag re-check (spec §4.3) to
// shrink the race window between the cached list and the terminate call.
func (c *Client) GetRunner(ctx context.Context, scope models.Scope, runnerID int64) (Runner, error) {
	var out Runner
	path := fmt.Sprintf("/%s/actions/runners/%d", scopePath(scope), runnerID)
	if err := c.do(ctx, "get_runner", http.MethodGet, path, nil, &out); err != nil {
		return Runner{}, fmt.Errorf("failed to get runner %d: %w", runnerID, err)
	}
	return out, nil
}

// DeleteRunner de-registers a runner upstream. ok reports whether the
// upstream call returned HTTP 204, per spec §4.3's teardown contract.
func (c *Client) DeleteRunner(ctx context.Context, scope models.Scope, runnerID int64) (ok bool, err error) {
	path := fmt.Sprintf("/%s/actions/runners/%d", scopePath(scope), runnerID)
	status, err := c.doRaw(ctx, "delete_runner", http.MethodDelete, path, nil)
	if err != nil {
		return false, fmt.Errorf("failed to delete runner %d: %w", runnerID, err)
	}
	return status == http.StatusNoContent, nil
}

// RunnerGroup is an upstream runner group, spec §6.
type RunnerGroup struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ListRunnerGroups lists runner groups for an organization, transparently
// paginating.
func (c *Client) ListRunnerGroups(ctx context.Context, org string) ([]RunnerGroup, error) {
	var all []RunnerGroup
	page := 1
	for {
		var out struct {
			RunnerGroups []RunnerGroup `json:"runner_groups"`
		}
		path := fmt.Sprintf("/orgs/%s/actions/runner-groups?per_page=100&page=%d", org, page)
		if err := c.do(ctx, "list_runner_groups", http.MethodGet, path, nil, &out); err != nil {
			return nil, fmt.Errorf("failed to list runner groups: %w", err)
		}
		if len(out.RunnerGroups) == 0 {
			break
		}
		all = append(all, out.RunnerGroups...)
		if len(out.RunnerGroups) < 100 {
			break
		}
		page++
	}
	return all, nil
}

// GetInstallation resolves the App installation id for an org or repo.
func (c *Client) GetInstallation(ctx context.Context, scope models.Scope) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	var path string
	if scope.OrgMode() {
		path = "/orgs/" + scope.Owner + "/installation"
	} else {
		path = "/repos/" + scope.Owner + "/" + scope.Repo + "/installation"
	}
	if err := c.do(ctx, "get_installation", http.MethodGet, path, nil, &out); err != nil {
		return 0, fmt.Errorf("failed to get installation: %w", err)
	}
	return out.ID, nil
}

func (c *Client) do(ctx context.Context, operation, method, path string, body interface{}, out interface{}) error {
	status, respBody, err := c.request(ctx, operation, method, path, body)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("unexpected status %d from %s %s: %s", status, method, path, string(respBody))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// doRaw performs the request and returns only the status code, used by
// DeleteRunner where the meaningful signal is the status itself.
func (c *Client) doRaw(ctx context.Context, operation, method, path string, body interface{}) (int, error) {
	status, _, err := c.request(ctx, operation, method, path, body)
	return status, err
}

func (c *Client) request(ctx context.Context, operation, method, path string, body interface{}) (int, []byte, error) {
	start := time.Now()
	status, respBody, err := c.doRequest(ctx, method, path, body)
	if c.met != nil {
		statusLabel := "error"
		if err == nil {
			statusLabel = fmt.Sprintf("%d", status)
		}
		c.met.UpstreamAPIRequests.WithLabelValues(operation, statusLabel).Inc()
		c.met.UpstreamAPIDuration.Observe(time.Since(start).Seconds())
	}
	return status, respBody, err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	maxRetries := c.cfg.MaxRetries
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.cfg.RetryBackoffBase, c.cfg.RetryBackoffMax, attempt)
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if isRetriableStatus(resp.StatusCode) && attempt < maxRetries {
			lastErr = fmt.Errorf("retriable status %d", resp.StatusCode)
			continue
		}

		return resp.StatusCode, respBody, nil
	}

	return 0, nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries+1, lastErr)
}

func isRetriableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max {
		return max
	}
	return d
}
