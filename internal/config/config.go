package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/busybox42/egressd/internal/api"
	"github.com/busybox42/egressd/internal/delivery"
	"github.com/busybox42/egressd/internal/egress"
	"github.com/busybox42/egressd/internal/logging"
	"github.com/busybox42/egressd/internal/policy"
	"github.com/busybox42/egressd/internal/queue"
	"github.com/busybox42/egressd/internal/spool"
	"github.com/busybox42/egressd/internal/throttle"
)

const maxConfigFileSize = 1 << 20

// Throttle store backends
const (
	ThrottleMemory    = "memory"
	ThrottleRedis     = "redis"
	ThrottleValkey    = "valkey"
	ThrottleMemcached = "memcached"
)

// Config represents the daemon configuration
type Config struct {
	// Admin API and metrics listeners
	Server struct {
		Hostname      string `toml:"hostname"`
		AdminListen   string `toml:"admin_listen"`
		MetricsListen string `toml:"metrics_listen"`
	} `toml:"server"`

	// Admin API middleware; the listener is server.admin_listen
	API api.Config `toml:"api"`

	Logging logging.Config `toml:"logging"`

	Spool spool.Config `toml:"spool"`

	// Throttle state store; only shared backends coordinate nodes
	Throttle struct {
		Backend   string   `toml:"backend"`
		Addresses []string `toml:"addresses"`
		Password  string   `toml:"password"`
		DB        int      `toml:"db"`
	} `toml:"throttle"`

	DNS struct {
		CacheTTL policy.Duration `toml:"cache_ttl"`
		Timeout  policy.Duration `toml:"timeout"`
		Retries  int             `toml:"retries"`
	} `toml:"dns"`

	Shutdown struct {
		MaxGrace policy.Duration `toml:"max_grace"`
	} `toml:"shutdown"`

	// Rule tables consulted in order; the first match wins
	Queues  []QueueRule     `toml:"queue"`
	Pools   []egress.Pool   `toml:"pool"`
	Sources []egress.Source `toml:"source"`
	Paths   []PathRule      `toml:"path"`

	// Requeue rules rewrite or reject messages returning to scheduling;
	// the first match wins
	Requeue []RequeueRule `toml:"requeue"`
	// ThrottleInsert rules delay promotion to a ready queue. Every
	// matching rule is consulted.
	ThrottleInsert []ThrottleInsertRule `toml:"throttle_insert"`

	warnings []string
}

// QueueMatch selects scheduled queues. Fields are glob patterns; empty
// fields match anything.
type QueueMatch struct {
	Queue         string `toml:"match_queue"`
	Campaign      string `toml:"match_campaign"`
	Tenant        string `toml:"match_tenant"`
	Domain        string `toml:"match_domain"`
	RoutingDomain string `toml:"match_routing_domain"`
}

// QueueRule applies a queue configuration to matching queues
type QueueRule struct {
	QueueMatch
	queue.QueueConfig
}

// RequeueRule rewrites or rejects messages of matching queues when a
// transient failure sends them back to scheduling
type RequeueRule struct {
	QueueMatch
	// MinAttempts skips messages with fewer delivery attempts
	MinAttempts     uint16            `toml:"match_min_attempts"`
	Set             map[string]string `toml:"set"`
	ClearScheduling bool              `toml:"clear_scheduling"`
	// Reject bounces the message with this text instead
	Reject string `toml:"reject"`
}

// ThrottleInsertRule delays promotion out of matching queues
type ThrottleInsertRule struct {
	QueueMatch
	Name string        `toml:"name"`
	Rate throttle.Spec `toml:"rate"`
	// PerQueue gives each matching queue its own budget
	PerQueue bool `toml:"per_queue"`
}

// PathMatch selects egress paths. Domain and Site are glob patterns,
// Source is exact; empty fields match anything.
type PathMatch struct {
	Domain string `toml:"match_domain"`
	Site   string `toml:"match_site"`
	Source string `toml:"match_source"`
}

// PathRule applies a path configuration to matching egress paths
type PathRule struct {
	PathMatch
	egress.PathConfig
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Hostname = "localhost"
	cfg.Server.AdminListen = "127.0.0.1:8025"
	cfg.Server.MetricsListen = ":9090"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Spool.Driver = "memory"
	cfg.Spool.Table = "egressd_spool"

	cfg.Throttle.Backend = ThrottleMemory

	mx := delivery.DefaultMXConfig()
	cfg.DNS.CacheTTL = policy.Duration(mx.CacheTTL)
	cfg.DNS.Timeout = policy.Duration(mx.Timeout)
	cfg.DNS.Retries = mx.Retries

	cfg.Shutdown.MaxGrace = policy.Duration(5 * time.Minute)

	return cfg
}

// MXConfig returns the resolver settings
func (c *Config) MXConfig() delivery.MXConfig {
	return delivery.MXConfig{
		CacheTTL: c.DNS.CacheTTL.Std(),
		Timeout:  c.DNS.Timeout.Std(),
		Retries:  c.DNS.Retries,
	}
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./egressd.toml",
		"./config/egressd.toml",
		os.ExpandEnv("$HOME/.egressd.toml"),
		"/etc/egressd/egressd.toml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", errors.New("no config file found")
}

// LoadEnv loads dotenv files into the process environment. Variables that
// are already set keep their value; missing files are skipped.
func LoadEnv(files ...string) error {
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with their environment value
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(ref[2 : len(ref)-1])
		return []byte(os.Getenv(name))
	})
}

// LoadConfig loads a configuration from a file. Without a file the
// defaults are returned.
func LoadConfig(configPath string) (*Config, error) {
	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		return DefaultConfig(), nil
	}

	info, err := os.Stat(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", configFile, err)
	}

	if cfg.Spool.Driver == spool.DriverSQLite && cfg.Spool.DSN != "" && !filepath.IsAbs(cfg.Spool.DSN) && !strings.HasPrefix(cfg.Spool.DSN, "file:") {
		cfg.Spool.DSN = filepath.Join(filepath.Dir(configFile), cfg.Spool.DSN)
	}

	result := cfg.Validate()
	if !result.Valid {
		var messages []string
		for _, e := range result.Errors {
			messages = append(messages, e.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(messages, "; "))
	}
	for _, w := range result.Warnings {
		cfg.warnings = append(cfg.warnings, w.Error())
	}
	return cfg, nil
}

// rawRules holds the rule tables as generic maps so that each rule can be
// decoded on top of the built-in defaults
type rawRules struct {
	Queue []map[string]any `toml:"queue"`
	Path  []map[string]any `toml:"path"`
}

// Parse decodes TOML configuration text after ${VAR} expansion. Rule
// fields that are not set keep their default value.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(data)

	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("error parsing TOML configuration: %s", strict.String())
		}
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	var raw rawRules
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}
	for i, table := range raw.Queue {
		rule := QueueRule{QueueConfig: queue.DefaultQueueConfig()}
		if err := redecode(table, &rule); err != nil {
			return nil, fmt.Errorf("queue rule %d: %w", i, err)
		}
		cfg.Queues[i] = rule
	}
	for i, table := range raw.Path {
		rule := PathRule{PathConfig: egress.DefaultPathConfig()}
		if err := redecode(table, &rule); err != nil {
			return nil, fmt.Errorf("path rule %d: %w", i, err)
		}
		cfg.Paths[i] = rule
	}
	return cfg, nil
}

func redecode(table map[string]any, out any) error {
	data, err := toml.Marshal(table)
	if err != nil {
		return err
	}
	return toml.Unmarshal(data, out)
}

// Warnings returns the validation warnings recorded by LoadConfig
func (c *Config) Warnings() []string {
	return c.warnings
}

// SaveConfig writes the configuration in TOML format
func (c *Config) SaveConfig(configPath string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	header := []byte("# egressd configuration\n\n")
	if err := os.WriteFile(configPath, append(header, data...), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate performs validation of the whole configuration
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	c.validateServer(result)
	c.validateLogging(result)
	c.validateSpool(result)
	c.validateThrottle(result)
	c.validateDNS(result)
	c.validateRules(result)
	c.validateSchedulingRules(result)

	return result
}

func (c *Config) validateServer(result *ValidationResult) {
	if !isValidHostname(c.Server.Hostname) {
		result.AddError("server.hostname", c.Server.Hostname, "invalid hostname")
	}
	if c.Server.AdminListen != "" && !isValidListenAddress(c.Server.AdminListen) {
		result.AddError("server.admin_listen", c.Server.AdminListen, "invalid listen address")
	}
	if c.Server.MetricsListen != "" && !isValidListenAddress(c.Server.MetricsListen) {
		result.AddError("server.metrics_listen", c.Server.MetricsListen, "invalid listen address")
	}
	if c.Server.AdminListen == "" {
		result.AddWarning("server.admin_listen", "", "admin API disabled")
	}
	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerSecond < 0 {
		result.AddError("api.rate_limit.requests_per_second", c.API.RateLimit.RequestsPerSecond, "must not be negative")
	}
	if c.API.CORS.Enabled && len(c.API.CORS.AllowedOrigins) == 0 {
		result.AddWarning("api.cors.allowed_origins", "", "CORS enabled without allowed origins")
	}
}

func (c *Config) validateLogging(result *ValidationResult) {
	if _, err := logging.StringToLevel(c.Logging.Level); err != nil {
		result.AddError("logging.level", c.Logging.Level, "must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		result.AddError("logging.format", c.Logging.Format, "must be json or text")
	}
}

func (c *Config) validateSpool(result *ValidationResult) {
	switch c.Spool.Driver {
	case "", "memory":
		result.AddWarning("spool.driver", c.Spool.Driver, "memory spool loses queued messages on restart")
	case spool.DriverSQLite:
		if c.Spool.DSN == "" {
			result.AddError("spool.dsn", c.Spool.DSN, "sqlite spool requires a database path")
		}
	case spool.DriverMySQL, spool.DriverPostgres:
		if c.Spool.DSN == "" && c.Spool.Host == "" {
			result.AddError("spool.host", c.Spool.Host, "requires host or dsn")
		}
	default:
		result.AddError("spool.driver", c.Spool.Driver, "must be memory, sqlite, mysql or postgres")
	}
}

func (c *Config) validateThrottle(result *ValidationResult) {
	switch c.Throttle.Backend {
	case "", ThrottleMemory:
	case ThrottleRedis, ThrottleValkey, ThrottleMemcached:
		if len(c.Throttle.Addresses) == 0 {
			result.AddError("throttle.addresses", c.Throttle.Addresses, "shared throttle backend requires at least one address")
		}
		for _, addr := range c.Throttle.Addresses {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				result.AddError("throttle.addresses", addr, "must be host:port")
			}
		}
	default:
		result.AddError("throttle.backend", c.Throttle.Backend, "must be memory, redis, valkey or memcached")
	}
}

func (c *Config) validateDNS(result *ValidationResult) {
	if c.DNS.Timeout <= 0 {
		result.AddError("dns.timeout", c.DNS.Timeout, "must be positive")
	}
	if c.DNS.Retries < 0 || c.DNS.Retries > 10 {
		result.AddError("dns.retries", c.DNS.Retries, "must be between 0 and 10")
	}
	if c.Shutdown.MaxGrace <= 0 {
		result.AddError("shutdown.max_grace", c.Shutdown.MaxGrace, "must be positive")
	}
}

func (c *Config) validateRules(result *ValidationResult) {
	for i := range c.Queues {
		rule := &c.Queues[i]
		field := fmt.Sprintf("queue[%d]", i)
		for _, p := range []string{rule.QueueMatch.Queue, rule.Campaign, rule.Tenant, rule.Domain, rule.RoutingDomain} {
			if !validPattern(p) {
				result.AddError(field, p, "invalid match pattern")
			}
		}
		if err := rule.QueueConfig.Validate(); err != nil {
			result.AddError(field, rule.QueueMatch, err.Error())
		}
	}

	sources := make(map[string]bool)
	for i := range c.Sources {
		src := &c.Sources[i]
		field := fmt.Sprintf("source[%d]", i)
		if sources[src.Name] {
			result.AddError(field, src.Name, "duplicate source name")
		}
		sources[src.Name] = true
		if err := src.Validate(); err != nil {
			result.AddError(field, src.Name, err.Error())
		}
	}

	pools := make(map[string]bool)
	for i := range c.Pools {
		pool := &c.Pools[i]
		field := fmt.Sprintf("pool[%d]", i)
		if pools[pool.Name] {
			result.AddError(field, pool.Name, "duplicate pool name")
		}
		pools[pool.Name] = true
		if err := pool.Validate(); err != nil {
			result.AddError(field, pool.Name, err.Error())
			continue
		}
		for _, e := range pool.Entries {
			if e.Name != egress.Unspecified && !sources[e.Name] {
				result.AddError(field, e.Name, "pool references an undefined source")
			}
		}
	}

	for i := range c.Paths {
		rule := &c.Paths[i]
		field := fmt.Sprintf("path[%d]", i)
		if !validPattern(rule.PathMatch.Domain) || !validPattern(rule.Site) {
			result.AddError(field, rule.PathMatch, "invalid match pattern")
		}
		warnings, err := rule.PathConfig.Validate()
		if err != nil {
			result.AddError(field, rule.PathMatch, err.Error())
		}
		for _, w := range warnings {
			result.AddWarning(field, rule.PathMatch, w)
		}
	}
}

func (c *Config) validateSchedulingRules(result *ValidationResult) {
	for i := range c.Requeue {
		rule := &c.Requeue[i]
		field := fmt.Sprintf("requeue[%d]", i)
		if !rule.QueueMatch.valid() {
			result.AddError(field, rule.QueueMatch, "invalid match pattern")
		}
		if rule.Reject == "" && len(rule.Set) == 0 && !rule.ClearScheduling {
			result.AddError(field, rule.QueueMatch, "rule has no action")
		}
		if rule.Reject != "" && (len(rule.Set) > 0 || rule.ClearScheduling) {
			result.AddError(field, rule.Reject, "reject cannot be combined with set or clear_scheduling")
		}
	}

	names := make(map[string]bool)
	for i := range c.ThrottleInsert {
		rule := &c.ThrottleInsert[i]
		field := fmt.Sprintf("throttle_insert[%d]", i)
		if rule.Name == "" {
			result.AddError(field, rule.QueueMatch, "name is required")
		} else if names[rule.Name] {
			result.AddError(field, rule.Name, "duplicate throttle_insert name")
		}
		names[rule.Name] = true
		if !rule.QueueMatch.valid() {
			result.AddError(field, rule.QueueMatch, "invalid match pattern")
		}
		if rule.Rate.Limit == 0 || rule.Rate.Period <= 0 {
			result.AddError(field, rule.Name, "rate is required")
		}
	}
}

func (m QueueMatch) valid() bool {
	for _, p := range []string{m.Queue, m.Campaign, m.Tenant, m.Domain, m.RoutingDomain} {
		if !validPattern(p) {
			return false
		}
	}
	return true
}

func validPattern(p string) bool {
	_, err := path.Match(p, "")
	return err == nil
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	if hostname == "localhost" || net.ParseIP(hostname) != nil {
		return true
	}
	hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
	return hostnameRegex.MatchString(hostname)
}

func isValidListenAddress(addr string) bool {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return false
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return true
	}
	return isValidHostname(host) || net.ParseIP(host) != nil
}

// CreateDefaultConfig writes a default configuration file
func CreateDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}
	return DefaultConfig().SaveConfig(configPath)
}
