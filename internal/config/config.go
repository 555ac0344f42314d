// Package config loads the operator-settable Configuration Snapshot and
// holds it behind an atomically-swappable pointer so every request handler
// can take a stable reference for the lifetime of one request.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// LogLevel mirrors the four levels the Configuration Contract names.
type LogLevel string

const (
	LogDebug   LogLevel = "DEBUG"
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
)

// Config is one immutable Configuration Snapshot. Every field corresponds
// to a row of the Configuration Contract table; SERVER_IP/SERVER_PORT are
// read once at startup and never change even across a hot-reload, since
// rebinding the listening socket is not supported without a restart.
type Config struct {
	ServerIP   string
	ServerPort int

	Users map[string]string

	LocalNetworks   []*net.IPNet
	LocalNetworksRaw []string

	ForceLocalAddr bool

	LogLevel LogLevel

	CDRMergeMode bool

	RegistrationExpires int
	MaxForwards         int

	MetricsAddr string
}

// AdvertisedHost returns the host:port identity this proxy stamps into its
// own Via and Record-Route headers.
func (c *Config) AdvertisedHost() string {
	return net.JoinHostPort(c.ServerIP, strconv.Itoa(c.ServerPort))
}

// IsLocal reports whether ip falls within any configured local network, or
// unconditionally true when ForceLocalAddr collapses every peer to local.
func (c *Config) IsLocal(ip net.IP) bool {
	if c.ForceLocalAddr {
		return true
	}
	for _, n := range c.LocalNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Password looks up a user's configured digest password.
func (c *Config) Password(user string) (string, bool) {
	p, ok := c.Users[user]
	return p, ok
}

const envPrefix = "SIPPROXY_"

var envMap = map[string]string{
	"server-ip":             envPrefix + "SERVER_IP",
	"server-port":           envPrefix + "SERVER_PORT",
	"users":                 envPrefix + "USERS",
	"local-networks":        envPrefix + "LOCAL_NETWORKS",
	"force-local-addr":      envPrefix + "FORCE_LOCAL_ADDR",
	"log-level":             envPrefix + "LOG_LEVEL",
	"cdr-merge-mode":        envPrefix + "CDR_MERGE_MODE",
	"registration-expires":  envPrefix + "REGISTRATION_EXPIRES",
	"max-forwards":          envPrefix + "MAX_FORWARDS",
	"metrics-addr":          envPrefix + "METRICS_ADDR",
}

// Load parses CLI flags (args, typically os.Args[1:]), then applies
// environment variable overrides for any flag the caller did not set
// explicitly, then validates the result. CLI takes precedence over env,
// env takes precedence over the built-in default.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("sipproxy", flag.ContinueOnError)

	serverIP := fs.String("server-ip", "127.0.0.1", "UDP bind host, advertised in Via/Record-Route")
	serverPort := fs.Int("server-port", 5060, "UDP bind port")
	users := fs.String("users", "", "comma-separated user=password pairs")
	localNetworks := fs.String("local-networks", "127.0.0.0/8,10.0.0.0/8,172.16.0.0/12,192.168.0.0/16", "comma-separated CIDRs exempt from NAT rewrite")
	forceLocalAddr := fs.Bool("force-local-addr", false, "collapse every peer to loopback (testing)")
	logLevel := fs.String("log-level", "INFO", "DEBUG|INFO|WARNING|ERROR")
	cdrMergeMode := fs.Bool("cdr-merge-mode", true, "merge CDR milestones into one row per call-id")
	registrationExpires := fs.Int("registration-expires", 3600, "server-side maximum binding lifetime, seconds")
	maxForwards := fs.Int("max-forwards", 70, "default Max-Forwards when absent from a request")
	metricsAddr := fs.String("metrics-addr", "127.0.0.1:9090", "bind address for the Prometheus /metrics endpoint")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	applyEnvOverrides(fs)

	cfg := &Config{
		ServerIP:             *serverIP,
		ServerPort:           *serverPort,
		Users:                parseUsers(*users),
		LocalNetworksRaw:     splitNonEmpty(*localNetworks, ","),
		ForceLocalAddr:       *forceLocalAddr,
		LogLevel:             LogLevel(strings.ToUpper(*logLevel)),
		CDRMergeMode:         *cdrMergeMode,
		RegistrationExpires:  *registrationExpires,
		MaxForwards:          *maxForwards,
		MetricsAddr:          *metricsAddr,
	}

	nets, err := parseCIDRs(cfg.LocalNetworksRaw)
	if err != nil {
		return nil, err
	}
	cfg.LocalNetworks = nets

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides walks the flags the caller did NOT set on the command
// line and, for each one with a corresponding env var set, re-parses that
// flag's value from the environment — the same explicitly-set-flags-win
// pattern used elsewhere for CLI > env > default precedence.
func applyEnvOverrides(fs *flag.FlagSet) {
	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] {
			return
		}
		envVar, ok := envMap[f.Name]
		if !ok {
			return
		}
		if v, ok := os.LookupEnv(envVar); ok {
			_ = f.Value.Set(v)
		}
	})
}

func parseUsers(s string) map[string]string {
	out := map[string]string{}
	for _, pair := range splitNonEmpty(s, ",") {
		if i := strings.IndexByte(pair, '='); i >= 0 {
			out[pair[:i]] = pair[i+1:]
		}
	}
	return out
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseCIDRs(raw []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(raw))
	for _, r := range raw {
		cidr := r
		if !strings.Contains(cidr, "/") {
			if strings.Contains(cidr, ":") {
				cidr += "/128"
			} else {
				cidr += "/32"
			}
		}
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("config: invalid local network %q: %w", r, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func (c *Config) validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("config: invalid server-port %d", c.ServerPort)
	}
	switch c.LogLevel {
	case LogDebug, LogInfo, LogWarning, LogError:
	default:
		return fmt.Errorf("config: invalid log-level %q", c.LogLevel)
	}
	if c.RegistrationExpires <= 0 {
		return fmt.Errorf("config: registration-expires must be positive")
	}
	if c.MaxForwards <= 0 || c.MaxForwards > 255 {
		return fmt.Errorf("config: max-forwards out of range: %d", c.MaxForwards)
	}
	return nil
}

// Snapshot holds the current Config behind an atomic pointer, supporting
// lock-free hot reload: writers publish a wholly new *Config, readers call
// Load and keep the result for the duration of one request.
type Snapshot struct {
	ptr atomic.Pointer[Config]
}

// NewSnapshot wraps an initial Config.
func NewSnapshot(initial *Config) *Snapshot {
	s := &Snapshot{}
	s.ptr.Store(initial)
	return s
}

// Load returns the current Config. Safe for concurrent use.
func (s *Snapshot) Load() *Config {
	return s.ptr.Load()
}

// Store atomically replaces the Config. SERVER_IP/SERVER_PORT in the new
// value are ignored by convention — rebinding the socket requires a
// restart — callers should carry the original bind address forward.
func (s *Snapshot) Store(cfg *Config) {
	s.ptr.Store(cfg)
}
