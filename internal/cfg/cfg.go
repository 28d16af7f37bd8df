package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
)

const (
	BackendGitHub = "github"
	BackendMemory = "memory"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool

	EnableTracing bool
	OTLPEndpoint  string
	TraceSample   float64

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	StoreBackend  string
	StoreOwner    string
	StoreRepo     string
	StoreBranch   string
	StorePath     string
	StoreAPIURL   string
	StoreToken    string
	StoreTimeout  time.Duration
	CommitMessage string

	AdminSecret   string
	AllowedOrigin string
	Route         string
	MaxBodyBytes  int64
	TrustedHops   int

	RateLimitPerSecond float64
	RateLimitBurst     int

	AdminSecretSSMParam string
	StoreTokenSSMParam  string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.StoreBackend, "store-backend", BackendGitHub, "github|memory")
	fs.StringVar(&c.StoreOwner, "store-owner", "", "GitHub repository owner")
	fs.StringVar(&c.StoreRepo, "store-repo", "", "GitHub repository name")
	fs.StringVar(&c.StoreBranch, "store-branch", "main", "branch the document lives on")
	fs.StringVar(&c.StorePath, "store-path", "content/content.json", "path of the document in the repository")
	fs.StringVar(&c.StoreAPIURL, "store-api-url", "", "GitHub API base url (empty for api.github.com)")
	fs.StringVar(&c.StoreToken, "store-token", "", "GitHub token with contents read/write")
	fs.DurationVar(&c.StoreTimeout, "store-timeout", 0, "timeout for each GitHub API call (0 leaves it to the transport)")
	fs.StringVar(&c.CommitMessage, "commit-message", "chore(cms): update content.json", "commit message for content writes")

	fs.StringVar(&c.AdminSecret, "admin-secret", "", "password required to write content")
	fs.StringVar(&c.AllowedOrigin, "allowed-origin", "", "Access-Control-Allow-Origin value (empty echoes the request Origin)")
	fs.StringVar(&c.Route, "route", "/", "path the document is served on")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "max write body size in bytes")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of reverse proxies in front of the server (X-Forwarded-For)")

	fs.Float64Var(&c.RateLimitPerSecond, "rate-limit-per-second", 2, "sustained requests per second per client ip")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 20, "burst size per client ip")

	fs.StringVar(&c.AdminSecretSSMParam, "admin-secret-ssm-param", "", "SSM parameter holding the admin secret (overrides -admin-secret)")
	fs.StringVar(&c.StoreTokenSSMParam, "store-token-ssm-param", "", "SSM parameter holding the GitHub token (overrides -store-token)")
}

// EnvAliases maps flag names to unprefixed env names older deployments set.
var EnvAliases = map[string]string{
	"store-token":    "GH_TOKEN",
	"store-owner":    "GH_OWNER",
	"store-repo":     "GH_REPO",
	"store-branch":   "GH_BRANCH",
	"admin-secret":   "ADMIN_PASSWORD",
	"allowed-origin": "ALLOWED_ORIGIN",
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR, then to its
// entry in aliases if the prefixed name is unset.
// Precedence: cli flag > prefixed env > alias env > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, aliases map[string]string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			alias, ok := aliases[f.Name]
			if !ok {
				return
			}
			if envVal, envSet = os.LookupEnv(alias); !envSet {
				return
			}
			key = alias
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Store
	switch c.StoreBackend {
	case BackendGitHub:
		if c.StoreOwner == "" {
			errs = append(errs, fmt.Errorf("STORE_OWNER (or GH_OWNER) is required for the github backend"))
		}
		if c.StoreRepo == "" {
			errs = append(errs, fmt.Errorf("STORE_REPO (or GH_REPO) is required for the github backend"))
		}
		if c.StoreToken == "" && c.StoreTokenSSMParam == "" {
			errs = append(errs, fmt.Errorf("STORE_TOKEN (or GH_TOKEN) or STORE_TOKEN_SSM_PARAM is required for the github backend"))
		}
		if c.StoreAPIURL != "" {
			if u, err := url.Parse(c.StoreAPIURL); err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, fmt.Errorf("STORE_API_URL must be a URL (got %q)", c.StoreAPIURL))
			}
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid STORE_BACKEND %q (must be github|memory)", c.StoreBackend))
	}
	if c.StoreBranch == "" {
		errs = append(errs, fmt.Errorf("STORE_BRANCH must not be empty"))
	}
	if c.StorePath == "" || strings.HasPrefix(c.StorePath, "/") {
		errs = append(errs, fmt.Errorf("STORE_PATH must be a relative repository path (got %q)", c.StorePath))
	}
	if c.StoreTimeout < 0 {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must not be negative (got %s)", c.StoreTimeout))
	}

	// Gateway
	if c.AdminSecret == "" && c.AdminSecretSSMParam == "" {
		errs = append(errs, fmt.Errorf("ADMIN_SECRET (or ADMIN_PASSWORD) or ADMIN_SECRET_SSM_PARAM is required"))
	}
	if !strings.HasPrefix(c.Route, "/") {
		errs = append(errs, fmt.Errorf("ROUTE must start with / (got %q)", c.Route))
	}
	if strings.HasPrefix(c.Route, "/-/") {
		errs = append(errs, fmt.Errorf("ROUTE must not be under /-/ (got %q)", c.Route))
	}
	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be positive (got %d)", c.MaxBodyBytes))
	}
	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must not be negative (got %d)", c.TrustedHops))
	}
	if c.RateLimitPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_SECOND must be positive (got %g)", c.RateLimitPerSecond))
	}
	if c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be at least 1 (got %d)", c.RateLimitBurst))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
