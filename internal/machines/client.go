package machines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const (
	defaultAPIBase    = "https://api.machines.dev/v1"
	defaultGraphQLURL = "https://api.fly.io/graphql"
	defaultOrgSlug    = "personal"
	defaultImage      = "registry.fly.io/ancodeai-app:latest"

	readyMaxRetries = 12
	createdPollWait = 5 * time.Second
	startSettleWait = 2 * time.Second

	execTimeout    = 30 * time.Second
	writeTimeout   = 120 * time.Second
	installTimeout = 300 * time.Second
)

// Config parameterizes a Client. Only Token is required; everything else has
// a production default and exists so tests can point at a fake API.
type Config struct {
	Token      string
	APIBase    string
	GraphQLURL string
	OrgSlug    string
	Image      string
	HTTPClient *http.Client

	PollInterval time.Duration // wait between readiness polls
	StartSettle  time.Duration // wait after starting a stopped machine
	BatchDelay   time.Duration // wait between sync batches
	BatchBytes   int           // max cumulative content bytes per sync batch
}

// Client talks to a Fly-style machines platform: app/machine lifecycle over
// the REST machines API, IP allocation and machine state over GraphQL.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.GraphQLURL == "" {
		cfg.GraphQLURL = defaultGraphQLURL
	}
	if cfg.OrgSlug == "" {
		cfg.OrgSlug = defaultOrgSlug
	}
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = createdPollWait
	}
	if cfg.StartSettle <= 0 {
		cfg.StartSettle = startSettleWait
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = interBatchDelay
	}
	if cfg.BatchBytes <= 0 {
		cfg.BatchBytes = defaultBatchBytes
	}
	return &Client{cfg: cfg}
}

// Machine is the subset of machine state the deployment flow needs.
type Machine struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Region string `json:"region"`
}

// App is the created application record.
type App struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IPAddress is one allocated address.
type IPAddress struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Type    string `json:"type"`
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// DeployResult bundles the artifacts of a full app deployment.
type DeployResult struct {
	App     App         `json:"app"`
	IPs     []IPAddress `json:"ips"`
	Machine Machine     `json:"machine"`
}

// CreateApp registers a new application with subdomains enabled.
func (c *Client) CreateApp(ctx context.Context, appName string) (App, error) {
	body := map[string]any{
		"app_name":          appName,
		"org_slug":          c.cfg.OrgSlug,
		"enable_subdomains": true,
	}
	var app App
	if err := c.rest(ctx, http.MethodPost, "/apps", body, &app); err != nil {
		return App{}, fmt.Errorf("create app %s: %w", appName, err)
	}
	if app.Name == "" {
		app.Name = appName
	}
	return app, nil
}

const allocateIPMutation = `
mutation($appId: ID!, $type: IPAddressType!) {
  allocateIpAddress(input: { appId: $appId, type: $type }) {
    ipAddress { id address type }
  }
}`

// ProvisionIPs allocates a dedicated v6 and a shared v4 address for the app.
func (c *Client) ProvisionIPs(ctx context.Context, appID string) ([]IPAddress, error) {
	ips := make([]IPAddress, 0, 2)
	for _, ipType := range []string{"v6", "shared_v4"} {
		var out struct {
			AllocateIPAddress struct {
				IPAddress IPAddress `json:"ipAddress"`
			} `json:"allocateIpAddress"`
		}
		err := c.graphql(ctx, allocateIPMutation, map[string]any{"appId": appID, "type": ipType}, &out)
		if err != nil {
			return nil, fmt.Errorf("allocate %s address: %w", ipType, err)
		}
		ips = append(ips, out.AllocateIPAddress.IPAddress)
	}
	return ips, nil
}

// CreateMachine boots a machine for the app with the standard web-app shape:
// TLS+HTTP on 443/80 forwarded to 8080, suspend on idle, autostart.
func (c *Client) CreateMachine(ctx context.Context, appName, machineName string) (Machine, error) {
	body := map[string]any{
		"name": machineName,
		"config": map[string]any{
			"image": c.cfg.Image,
			"env": map[string]string{
				"FLY_PROCESS_GROUP": "app",
				"PRIMARY_REGION":    "ord",
				"APP_ENV":           "production",
			},
			"services": []map[string]any{{
				"ports": []map[string]any{
					{"port": 443, "handlers": []string{"tls", "http"}},
					{"port": 80, "handlers": []string{"http"}},
				},
				"protocol":             "tcp",
				"internal_port":        8080,
				"force_https":          true,
				"autostop":             "suspend",
				"autostart":            true,
				"min_machines_running": 0,
				"processes":            []string{"app"},
			}},
			"checks": map[string]any{
				"httpget": map[string]any{
					"type":     "http",
					"port":     8080,
					"method":   "GET",
					"path":     "/",
					"interval": "15s",
					"timeout":  "10s",
				},
			},
			"guest": map[string]any{
				"cpu_kind":  "shared",
				"cpus":      1,
				"memory":    "1gb",
				"memory_mb": 1024,
			},
			"region": "ord",
		},
	}
	var m Machine
	if err := c.rest(ctx, http.MethodPost, "/apps/"+appName+"/machines", body, &m); err != nil {
		return Machine{}, fmt.Errorf("create machine %s: %w", machineName, err)
	}
	return m, nil
}

const machineStateQuery = `
query($appName: String!) {
  app(name: $appName) {
    machines { nodes { id state region } }
  }
}`

// GetMachine returns the app's first machine, queried through GraphQL.
func (c *Client) GetMachine(ctx context.Context, appName string) (Machine, error) {
	var out struct {
		App struct {
			Machines struct {
				Nodes []Machine `json:"nodes"`
			} `json:"machines"`
		} `json:"app"`
	}
	if err := c.graphql(ctx, machineStateQuery, map[string]any{"appName": appName}, &out); err != nil {
		return Machine{}, fmt.Errorf("get machine for %s: %w", appName, err)
	}
	nodes := out.App.Machines.Nodes
	if len(nodes) == 0 {
		return Machine{}, fmt.Errorf("no machines found for app %s", appName)
	}
	return nodes[0], nil
}

// StartMachine starts a stopped or suspended machine.
func (c *Client) StartMachine(ctx context.Context, appName, machineID string) error {
	err := c.rest(ctx, http.MethodPost, "/apps/"+appName+"/machines/"+machineID+"/start", nil, nil)
	if err != nil {
		return fmt.Errorf("start machine %s: %w", machineID, err)
	}
	return nil
}

// Exec runs a command on a machine with a per-call timeout enforced remotely.
func (c *Client) Exec(ctx context.Context, appName, machineID string, command []string, timeout time.Duration) (ExecResult, error) {
	body := map[string]any{
		"command": command,
		"timeout": int(timeout.Seconds()),
	}
	var res ExecResult
	err := c.rest(ctx, http.MethodPost, "/apps/"+appName+"/machines/"+machineID+"/exec", body, &res)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec on machine %s: %w", machineID, err)
	}
	return res, nil
}

// EnsureReady blocks until the app's machine is in state started. A machine
// stuck in created is re-polled up to readyMaxRetries times; a stopped or
// suspended machine is started first. Every iteration counts against the
// retry budget so a machine that never leaves stopped cannot loop forever.
func (c *Client) EnsureReady(ctx context.Context, appName string) (Machine, error) {
	for attempt := 0; attempt < readyMaxRetries; attempt++ {
		m, err := c.GetMachine(ctx, appName)
		if err != nil {
			return Machine{}, err
		}
		switch m.State {
		case "started":
			return m, nil
		case "created":
			log.Printf("machines: %s in state created, waiting (attempt %d)", m.ID, attempt+1)
			if err := sleep(ctx, c.cfg.PollInterval); err != nil {
				return Machine{}, err
			}
		case "stopped", "suspended":
			log.Printf("machines: %s in state %s, starting", m.ID, m.State)
			if err := c.StartMachine(ctx, appName, m.ID); err != nil {
				return Machine{}, err
			}
			if err := sleep(ctx, c.cfg.StartSettle); err != nil {
				return Machine{}, err
			}
		default:
			return Machine{}, fmt.Errorf("unexpected machine state %q", m.State)
		}
	}
	return Machine{}, fmt.Errorf("machine for %s not ready after %d attempts", appName, readyMaxRetries)
}

// RunShell executes a shell command on the app's machine, bringing it to a
// ready state first.
func (c *Client) RunShell(ctx context.Context, appName, command string) (ExecResult, error) {
	m, err := c.EnsureReady(ctx, appName)
	if err != nil {
		return ExecResult{}, err
	}
	return c.Exec(ctx, appName, m.ID, []string{"sh", "-c", command}, installTimeout)
}

// Deploy provisions a complete application: app record, IP addresses, and one
// machine named <app>-machine.
func (c *Client) Deploy(ctx context.Context, appName string) (DeployResult, error) {
	app, err := c.CreateApp(ctx, appName)
	if err != nil {
		return DeployResult{}, err
	}
	ips, err := c.ProvisionIPs(ctx, appName)
	if err != nil {
		return DeployResult{}, err
	}
	m, err := c.CreateMachine(ctx, appName, appName+"-machine")
	if err != nil {
		return DeployResult{}, err
	}
	return DeployResult{App: app, IPs: ips, Machine: m}, nil
}

func (c *Client) rest(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIBase+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, text)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) graphql(ctx context.Context, query string, variables map[string]any, out any) error {
	buf, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GraphQLURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("graphql: status %d: %s", resp.StatusCode, text)
	}
	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql: %s", envelope.Errors[0].Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
