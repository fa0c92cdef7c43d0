package skillapi

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/openskills/ospd/internal/infra/ratelimit"
)

// SystemSkill is osp.std.system: get_time / get_platform_info. It
// deliberately omits kernel release/version/processor, the same
// fingerprinting-risk fields the original standard library skill drops.
type SystemSkill struct{}

func (SystemSkill) Metadata() Metadata {
	return Metadata{
		SkillID:            "osp.std.system",
		DisplayName:        "System",
		Description:        "Reports server time and coarse platform info",
		ActivationKeywords: []string{"time", "platform", "system info"},
		RiskLevel:          "LOW",
	}
}

func platformName(goos string) string {
	switch goos {
	case "darwin":
		return "Darwin"
	case "windows":
		return "Windows"
	default:
		return "Linux"
	}
}

func (SystemSkill) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	command, _ := args["command"].(string)
	switch command {
	case "get_time":
		return time.Now().Format(time.RFC3339Nano), nil
	case "get_platform_info":
		return map[string]string{
			"system":     platformName(runtime.GOOS),
			"go_version": runtime.Version(),
		}, nil
	default:
		return nil, fmt.Errorf("osp.std.system: unknown command %q", command)
	}
}

// FSSkill is osp.std.fs: sandboxed file reads. Every path is resolved
// against sandboxRoot and symlinks are followed before the containment
// check, to close the same symlink-escape hole the original sandbox
// guards against.
type FSSkill struct {
	sandboxRoot string
}

// NewFSSkill constructs an FSSkill rooted at sandboxRoot (an absolute
// path); if sandboxRoot is empty the current working directory is used.
func NewFSSkill(sandboxRoot string) (*FSSkill, error) {
	if sandboxRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		sandboxRoot = cwd
	}
	resolved, err := filepath.EvalSymlinks(sandboxRoot)
	if err != nil {
		return nil, fmt.Errorf("osp.std.fs: resolve sandbox root: %w", err)
	}
	return &FSSkill{sandboxRoot: resolved}, nil
}

func (s *FSSkill) Metadata() Metadata {
	return Metadata{
		SkillID:            "osp.std.fs",
		DisplayName:        "Filesystem",
		Description:        "Reads files from a sandboxed directory",
		ActivationKeywords: []string{"read file", "file contents"},
		RiskLevel:          "MEDIUM",
	}
}

func (s *FSSkill) ensureSandboxed(path string) (string, error) {
	joined := filepath.Join(s.sandboxRoot, path)
	resolved := joined
	if evaluated, err := filepath.EvalSymlinks(joined); err == nil {
		resolved = evaluated
	}
	resolved = filepath.Clean(resolved)
	if resolved != s.sandboxRoot && !strings.HasPrefix(resolved, s.sandboxRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("osp.std.fs: path %q escapes sandbox root", path)
	}
	return resolved, nil
}

func (s *FSSkill) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("osp.std.fs: missing path")
	}
	safePath, err := s.ensureSandboxed(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(safePath)
	if err != nil {
		return nil, fmt.Errorf("osp.std.fs: %w", err)
	}
	return string(data), nil
}

// HTTPSkill is osp.std.http: an SSRF-protected outbound GET. Hostnames
// resolving to any private, loopback, link-local, multicast, or unspecified
// address are rejected, mirroring the original deny-list plus
// ip.IsPrivate()-class checks. Other reserved ranges are not checked.
type HTTPSkill struct {
	client *ratelimit.RateLimitedClient
}

// NewHTTPSkill constructs an HTTPSkill with a bounded-timeout client,
// rate-limited so a single misbehaving caller can't turn osp.std.http into
// an outbound flood against a third party.
func NewHTTPSkill() *HTTPSkill {
	cfg := ratelimit.DefaultConfig()
	cfg.RequestsPerSecond = 10
	cfg.Burst = 20
	return &HTTPSkill{client: ratelimit.NewRateLimitedClient(&http.Client{Timeout: 10 * time.Second}, cfg)}
}

func (s *HTTPSkill) Metadata() Metadata {
	return Metadata{
		SkillID:            "osp.std.http",
		DisplayName:        "HTTP Fetch",
		Description:        "Fetches a remote URL, blocking requests to private/internal networks",
		ActivationKeywords: []string{"fetch url", "http get", "download"},
		RiskLevel:          "MEDIUM",
	}
}

var denyHostnames = map[string]bool{
	"localhost":       true,
	"127.0.0.1":       true,
	"0.0.0.0":         true,
	"169.254.169.254": true,
	"::1":             true,
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified()
}

func validateOutboundURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("osp.std.http: invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("osp.std.http: unsupported scheme %q", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return "", fmt.Errorf("osp.std.http: no hostname in URL")
	}
	if denyHostnames[strings.ToLower(host)] {
		return "", fmt.Errorf("osp.std.http: access denied to restricted host %q", host)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return "", fmt.Errorf("osp.std.http: dns lookup failed: %w", err)
	}
	for _, ip := range ips {
		if isDisallowedIP(ip) {
			return "", fmt.Errorf("osp.std.http: access denied: %q resolves to a restricted address", host)
		}
	}
	return raw, nil
}

func (s *HTTPSkill) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("osp.std.http: missing url")
	}
	safeURL, err := validateOutboundURL(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, safeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("osp.std.http: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("osp.std.http: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("osp.std.http: reading response: %w", err)
	}
	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"body":        string(body),
	}, nil
}
