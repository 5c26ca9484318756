package any2pdf

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/sirupsen/logrus"
)

// Sentinel errors for config operations.
var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrConfigParse    = errors.New("failed to parse config")
	ErrConfigValue    = errors.New("invalid config value")
)

// Config holds all gateway configuration. It is loaded once at startup and
// never mutated afterwards; components receive it by pointer and treat it
// as read-only.
type Config struct {
	// Web server.
	WebserverPort        int           `yaml:"webserverPort"`
	MaxFileSize          int64         `yaml:"maxFileSize"`
	MaxRequestsPerSecond float64       `yaml:"maxRequestsPerSecond"`
	ShutdownTimeout      time.Duration `yaml:"-"`

	// Queue.
	MaxConcurrentJobs int `yaml:"maxConcurrentJobs"`
	MaxQueuedJobs     int `yaml:"maxQueuedJobs"`
	MaxResourceCount  int `yaml:"maxResourceCount"`

	// Supervisors.
	MaxRestarts            int           `yaml:"maxRestarts"`
	RestartDelay           time.Duration `yaml:"-"`
	PDFRenderTimeout       time.Duration `yaml:"-"`
	BrowserLaunchTimeout   time.Duration `yaml:"-"`
	BrowserRestartInterval time.Duration `yaml:"-"`
	OfficeLaunchTimeout    time.Duration `yaml:"-"`
	OfficeBasePort         int           `yaml:"officeBasePort"`

	// Backend executables. An empty BrowserPath lets go-rod manage its own
	// Chromium download; an empty PandocPath disables the Pandoc backend.
	BrowserPath     string `yaml:"browserPath"`
	UnoserverPath   string `yaml:"unoserverPath"`
	UnoconvertPath  string `yaml:"unoconvertPath"`
	PandocPath      string `yaml:"pandocPath"`
	PandocPDFEngine string `yaml:"pandocPdfEngine"`

	// Temp root for per-worker PID files and profile directories.
	TempDir string `yaml:"tempDir"`
}

// Defaults mirror the documented environment variable defaults.
const (
	defaultWebserverPort          = 8080
	defaultMaxFileSize            = 128 * 1024 * 1024
	defaultMaxConcurrentJobs      = 6
	defaultMaxQueuedJobs          = 128
	defaultMaxResourceCount       = 16
	defaultMaxRestarts            = 3
	defaultRestartDelay           = 5 * time.Second
	defaultPDFRenderTimeout       = 150 * time.Second
	defaultBrowserLaunchTimeout   = 30 * time.Second
	defaultBrowserRestartInterval = 24 * time.Hour
	defaultOfficeLaunchTimeout    = 30 * time.Second
	defaultOfficeBasePort         = 2003
	defaultUnoserverPath          = "unoserver"
	defaultUnoconvertPath         = "unoconvert"
	defaultPandocPDFEngine        = "weasyprint"
	defaultShutdownTimeout        = 30 * time.Second
)

// knownEnvVars lists valid environment variables. Used to warn about
// likely typos in ANY2PDF_-prefixed variables.
var knownEnvVars = map[string]bool{
	"ANY2PDF_CONFIG":           true,
	"WEBSERVER_PORT":           true,
	"MAX_FILE_SIZE":            true,
	"MAX_REQUESTS_PER_SECOND":  true,
	"MAX_CONCURRENT_JOBS":      true,
	"MAX_QUEUED_JOBS":          true,
	"MAX_RESOURCE_COUNT":       true,
	"MAX_RESTARTS":             true,
	"RESTART_DELAY":            true,
	"PDF_RENDER_TIMEOUT":       true,
	"BROWSER_LAUNCH_TIMEOUT":   true,
	"BROWSER_RESTART_INTERVAL": true,
	"OFFICE_LAUNCH_TIMEOUT":    true,
	"OFFICE_BASE_PORT":         true,
	"BROWSER_PATH":             true,
	"UNOSERVER_PATH":           true,
	"UNOCONVERT_PATH":          true,
	"PANDOC_PATH":              true,
	"PANDOC_PDF_ENGINE":        true,
	"TMP_DIR":                  true,
	"LOG_LEVEL":                true,
}

// DefaultConfig returns the configuration with all documented defaults.
func DefaultConfig() *Config {
	return &Config{
		WebserverPort:          defaultWebserverPort,
		MaxFileSize:            defaultMaxFileSize,
		MaxRequestsPerSecond:   0,
		ShutdownTimeout:        defaultShutdownTimeout,
		MaxConcurrentJobs:      defaultMaxConcurrentJobs,
		MaxQueuedJobs:          defaultMaxQueuedJobs,
		MaxResourceCount:       defaultMaxResourceCount,
		MaxRestarts:            defaultMaxRestarts,
		RestartDelay:           defaultRestartDelay,
		PDFRenderTimeout:       defaultPDFRenderTimeout,
		BrowserLaunchTimeout:   defaultBrowserLaunchTimeout,
		BrowserRestartInterval: defaultBrowserRestartInterval,
		OfficeLaunchTimeout:    defaultOfficeLaunchTimeout,
		OfficeBasePort:         defaultOfficeBasePort,
		UnoserverPath:          defaultUnoserverPath,
		UnoconvertPath:         defaultUnoconvertPath,
		PandocPDFEngine:        defaultPandocPDFEngine,
		TempDir:                os.TempDir(),
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// (ANY2PDF_CONFIG), and environment variable overrides, in that order.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("ANY2PDF_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	warnUnknownEnvVars()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays values from a YAML config file.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- config path is operator-provided
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigParse, err)
	}
	return nil
}

// loadEnv overlays values from environment variables. Durations are
// expressed in milliseconds, matching the documented variables.
func (c *Config) loadEnv() error {
	var err error
	setInt := func(key string, dst *int) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("%w: %s=%q", ErrConfigValue, key, v)
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			ms, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("%w: %s=%q", ErrConfigValue, key, v)
				return
			}
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	setInt("WEBSERVER_PORT", &c.WebserverPort)
	setInt("MAX_CONCURRENT_JOBS", &c.MaxConcurrentJobs)
	setInt("MAX_QUEUED_JOBS", &c.MaxQueuedJobs)
	setInt("MAX_RESOURCE_COUNT", &c.MaxResourceCount)
	setInt("MAX_RESTARTS", &c.MaxRestarts)
	setInt("OFFICE_BASE_PORT", &c.OfficeBasePort)

	setDuration("RESTART_DELAY", &c.RestartDelay)
	setDuration("PDF_RENDER_TIMEOUT", &c.PDFRenderTimeout)
	setDuration("BROWSER_LAUNCH_TIMEOUT", &c.BrowserLaunchTimeout)
	setDuration("BROWSER_RESTART_INTERVAL", &c.BrowserRestartInterval)
	setDuration("OFFICE_LAUNCH_TIMEOUT", &c.OfficeLaunchTimeout)

	setString("BROWSER_PATH", &c.BrowserPath)
	setString("UNOSERVER_PATH", &c.UnoserverPath)
	setString("UNOCONVERT_PATH", &c.UnoconvertPath)
	setString("PANDOC_PATH", &c.PandocPath)
	setString("PANDOC_PDF_ENGINE", &c.PandocPDFEngine)
	setString("TMP_DIR", &c.TempDir)

	if err != nil {
		return err
	}

	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return fmt.Errorf("%w: MAX_FILE_SIZE=%q", ErrConfigValue, v)
		}
		c.MaxFileSize = n
	}
	if v := os.Getenv("MAX_REQUESTS_PER_SECOND"); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return fmt.Errorf("%w: MAX_REQUESTS_PER_SECOND=%q", ErrConfigValue, v)
		}
		c.MaxRequestsPerSecond = f
	}
	return nil
}

// validate rejects values the rest of the gateway cannot operate with.
func (c *Config) validate() error {
	if c.WebserverPort < 1 || c.WebserverPort > 65535 {
		return fmt.Errorf("%w: webserver port %d", ErrConfigValue, c.WebserverPort)
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("%w: max concurrent jobs %d", ErrConfigValue, c.MaxConcurrentJobs)
	}
	if c.MaxQueuedJobs < 1 {
		return fmt.Errorf("%w: max queued jobs %d", ErrConfigValue, c.MaxQueuedJobs)
	}
	if c.MaxFileSize < 1 {
		return fmt.Errorf("%w: max file size %d", ErrConfigValue, c.MaxFileSize)
	}
	if c.MaxResourceCount < 0 {
		return fmt.Errorf("%w: max resource count %d", ErrConfigValue, c.MaxResourceCount)
	}
	if c.OfficeBasePort < 1 || c.OfficeBasePort+c.MaxConcurrentJobs-1 > 65535 {
		return fmt.Errorf("%w: office port range %d..%d", ErrConfigValue,
			c.OfficeBasePort, c.OfficeBasePort+c.MaxConcurrentJobs-1)
	}
	return nil
}

// PandocEnabled reports whether the Pandoc backend is configured.
func (c *Config) PandocEnabled() bool {
	return c.PandocPath != ""
}

// OfficePorts returns the fixed worker ports in stable ascending order.
func (c *Config) OfficePorts() []int {
	ports := make([]int, c.MaxConcurrentJobs)
	for i := range ports {
		ports[i] = c.OfficeBasePort + i
	}
	return ports
}

// uptimeResetWindow is the continuous-uptime span after which a subsystem's
// restart counter resets to zero.
func (c *Config) uptimeResetWindow() time.Duration {
	return c.RestartDelay * time.Duration(c.MaxRestarts) * 2
}

// warnUnknownEnvVars logs a warning for ANY2PDF_-prefixed variables that
// are not recognized, to surface typos early.
func warnUnknownEnvVars() {
	for _, entry := range os.Environ() {
		name, _, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, "ANY2PDF_") {
			continue
		}
		if !knownEnvVars[name] {
			logrus.WithField("variable", name).Warn("Unknown ANY2PDF_ environment variable")
		}
	}
}
