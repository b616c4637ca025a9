package proxy

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmux/toolmux/internal/config"
	"github.com/toolmux/toolmux/internal/logging"
)

// HeaderRoundTripper injects a fixed header set into every outgoing request.
type HeaderRoundTripper struct {
	Base    http.RoundTripper
	Headers map[string]string
}

func (rt HeaderRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	// Clone to avoid mutating the original request.
	cloned := req.Clone(req.Context())
	for k, v := range rt.Headers {
		cloned.Header.Set(k, v)
	}
	return base.RoundTrip(cloned)
}

// createTransport builds the SDK transport for a downstream definition.
// Process downstreams get their stderr attached to a rotating capture file so
// it never mixes into any protocol stream.
func createTransport(spec *config.DownstreamSpec, stderr *logging.RotatingWriter) (mcp.Transport, error) {
	if spec.IsRemote() {
		httpClient := &http.Client{
			Transport: HeaderRoundTripper{
				Headers: authHeaders(spec),
			},
			Timeout: 30 * time.Second,
		}
		switch spec.EffectiveTransport() {
		case config.TransportSSE:
			return &mcp.SSEClientTransport{
				Endpoint:   spec.URL,
				HTTPClient: httpClient,
			}, nil
		default:
			return &mcp.StreamableClientTransport{
				Endpoint:   spec.URL,
				HTTPClient: httpClient,
			}, nil
		}
	}

	if spec.IsProcess() {
		cmd := exec.Command(spec.Command, spec.Args...)
		// Child env is the parent env with the configured entries merged on top.
		cmd.Env = os.Environ()
		for k, v := range spec.SubstitutedEnv() {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
		if stderr != nil {
			cmd.Stderr = stderr
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	}

	return nil, fmt.Errorf("no URL or command configured for downstream %s", spec.Name)
}

// authHeaders derives the header set for a remote downstream's auth config.
func authHeaders(spec *config.DownstreamSpec) map[string]string {
	headers := make(map[string]string)
	if spec.Auth == nil {
		return headers
	}
	switch spec.Auth.Kind {
	case config.AuthBearer:
		headers["Authorization"] = "Bearer " + spec.SubstitutedToken()
	case config.AuthCustom:
		headers[spec.Auth.Header] = spec.SubstitutedToken()
	}
	return headers
}
