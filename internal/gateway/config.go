package gateway

import (
	"net"
	"strconv"
	"time"

	"go.olrik.dev/inferd/internal/appstate"
	"go.olrik.dev/inferd/internal/core"
)

const (
	DefaultHealthPath  = "/healthz"
	DefaultProcessPath = "/process"
	DefaultDeniedPath  = "/configs"
	// APIVersionPrefix is prepended to every non-exempt forwarded path.
	APIVersionPrefix = "/v1"
)

// Config is the immutable configuration of one gateway listener. It is
// shared read-only by every request handler for the life of the listener.
type Config struct {
	BindHost           string
	BindPort           int
	PathPrefix         string
	UpstreamURL        string
	ForwardedAuthToken appstate.AppToken
	APIKey             string
	TrustedHosts       []string

	// Paths containing HealthPath or ProcessPath (after prefix stripping)
	// are forwarded with their original path. Paths containing any of
	// DeniedPaths are never forwarded.
	HealthPath  string
	ProcessPath string
	DeniedPaths []string

	UpstreamHeaderTimeout time.Duration
}

// NewConfig builds a listener configuration from the gateway settings. The
// upstream is always the supervised worker's fixed address.
func NewConfig(settings core.GatewaySettings, apiKey string, token appstate.AppToken) Config {
	return Config{
		BindHost:              settings.Host,
		BindPort:              settings.Port,
		PathPrefix:            settings.Prefix,
		UpstreamURL:           core.WorkerBaseURL(),
		ForwardedAuthToken:    token,
		APIKey:                apiKey,
		TrustedHosts:          append([]string(nil), settings.TrustedHosts...),
		HealthPath:            DefaultHealthPath,
		ProcessPath:           DefaultProcessPath,
		DeniedPaths:           []string{DefaultDeniedPath},
		UpstreamHeaderTimeout: settings.UpstreamHeaderTimeout,
	}
}

// Addr returns the host:port the listener binds to.
func (c Config) Addr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.BindPort))
}
