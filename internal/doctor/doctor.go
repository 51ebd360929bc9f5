// Package doctor runs preflight checks before a workload run.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/n-kumar7/sqlagent/internal/config"
	"github.com/n-kumar7/sqlagent/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// PingFunc opens the configured database, pings it and closes it.
type PingFunc func(ctx context.Context, cfg config.Config) error

type Options struct {
	Version string
	Ping    PingFunc
	// Resolver defaults to net.DefaultResolver.
	Resolver interface {
		LookupHost(ctx context.Context, host string) ([]string, error)
	}
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, opts Options) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: opts.Version,
		},
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}

	checks := []func(context.Context, *config.Config, Options) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg, opts))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml (run sqlagent init)", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration invalid", Detail: err.Error()}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAPIKey(_ context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider, model, key := cfg.ResolveLLMConfig()
	if key == "" {
		return CheckResult{
			Name:    "API Key",
			Status:  StatusFail,
			Message: fmt.Sprintf("No API key for provider %s", provider),
			Detail:  "Set the provider's key variable or providers.<name>.api_key",
		}
	}
	result := CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("%s key present (model %s)", provider, model)}
	var missing []string
	for _, fb := range cfg.LLM.Fallbacks {
		if cfg.ProviderAPIKey(fb) == "" {
			missing = append(missing, fb)
		}
	}
	if len(missing) > 0 {
		result.Status = StatusWarn
		result.Detail = fmt.Sprintf("fallbacks without keys are skipped: %v", missing)
	}
	return result
}

func checkDatabase(ctx context.Context, cfg *config.Config, opts Options) CheckResult {
	if cfg == nil || cfg.DB.DSN == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "No DSN configured"}
	}
	if opts.Ping == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "No connectivity check configured"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	err := opts.Ping(pingCtx, *cfg)
	latency := time.Since(start)
	dsn := shared.Redact(cfg.DB.DSN)
	if err != nil {
		return CheckResult{
			Name:    "Database",
			Status:  StatusFail,
			Message: fmt.Sprintf("Connection failed: %s", shared.Redact(err.Error())),
			Detail:  dsn,
		}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Reachable (%dms)", latency.Milliseconds()),
		Detail:  dsn,
	}
}

func checkPermissions(_ context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, cfg.AuditDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(testFile)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Data and audit directories writable"}
}

var providerHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

func checkNetwork(ctx context.Context, cfg *config.Config, opts Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	provider, _, _ := cfg.ResolveLLMConfig()
	host := providerHosts[provider]
	if base := cfg.ResolveBaseURL(provider); base != "" {
		host = hostOf(base)
	}
	if host == "" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: fmt.Sprintf("No known endpoint for %s", provider)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := opts.Resolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", provider),
	}
}

// hostOf extracts the host from a base URL such as http://localhost:11434/v1.
func hostOf(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
