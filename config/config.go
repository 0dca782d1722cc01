// Package config loads the TOML configuration for the three bouncer
// binaries (daemon, observer, client) using the same path-resolution
// order for each: a positional command-line argument, an environment
// variable, `$HOME/<name>.toml`, then `./<name>.toml`.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DatabaseEndpointConfig holds connection settings for one pgx pool
// (read or write).
type DatabaseEndpointConfig struct {
	Hosts           []string `toml:"hosts"`
	Port            int      `toml:"port"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	Name            string   `toml:"name"`
	TLSMode         bool     `toml:"tls"`
	MaxConns        int      `toml:"max_conns"`
	MinConns        int      `toml:"min_conns"`
	MaxConnLifetime string   `toml:"max_conn_lifetime"`
	MaxConnIdleTime string   `toml:"max_conn_idle_time"`
	QueryTimeout    string   `toml:"query_timeout"`
}

// GetMaxConnLifetime parses the pool's max connection lifetime, defaulting to one hour.
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the pool's max connection idle time, defaulting to 30 minutes.
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return ParseDuration(e.MaxConnIdleTime)
}

// DatabaseConfig holds write/read pgx pool configuration and query timeouts.
type DatabaseConfig struct {
	QueryTimeout string                  `toml:"query_timeout"`
	WriteTimeout string                  `toml:"write_timeout"`
	Write        *DatabaseEndpointConfig `toml:"write"`
	Read         *DatabaseEndpointConfig `toml:"read"`
}

// GetQueryTimeout parses the general query timeout, defaulting to 30 seconds.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return ParseDuration(d.QueryTimeout)
}

// GetWriteTimeout parses the write timeout, defaulting to 10 seconds.
func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return ParseDuration(d.WriteTimeout)
}

// LoggingConfig mirrors logger.Config for TOML decoding.
type LoggingConfig struct {
	Output     string `toml:"output"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	SyslogTag  string `toml:"syslog_tag"`
	SyslogAddr string `toml:"syslog_addr"`
}

// MetricsConfig holds Prometheus exporter settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

func (m MetricsConfig) normalize() MetricsConfig {
	if m.Addr == "" {
		m.Addr = ":9110"
	}
	if m.Path == "" {
		m.Path = "/metrics"
	}
	return m
}

// SpoolConfig holds the layout of the on-disk spool tree.
type SpoolConfig struct {
	Root string `toml:"root"`
}

func (s SpoolConfig) normalize() SpoolConfig {
	if s.Root == "" {
		s.Root = "/var/spool/bouncer"
	}
	return s
}

// IMAPFallbackConfig holds the optional IMAP polling fallback settings.
type IMAPFallbackConfig struct {
	Enabled                bool   `toml:"enabled"`
	Host                   string `toml:"host"`
	User                   string `toml:"user"`
	Pass                   string `toml:"pass"`
	Mailbox                string `toml:"mailbox"`
	PollInterval           string `toml:"poll_interval"`
	ConnectTimeout         string `toml:"connect_timeout"`
	MaxMessagesPerPoll     int    `toml:"max_messages_per_poll"`
	MaxHistory             int    `toml:"max_history"`
	MarkSeenIfNotProcessed bool   `toml:"mark_seen_if_not_processed"`
}

func (i IMAPFallbackConfig) normalize() IMAPFallbackConfig {
	if i.Mailbox == "" {
		i.Mailbox = "INBOX"
	}
	if i.PollInterval == "" {
		i.PollInterval = "60s"
	}
	if i.ConnectTimeout == "" {
		i.ConnectTimeout = "10s"
	}
	if i.MaxMessagesPerPoll == 0 {
		i.MaxMessagesPerPoll = 50
	}
	if i.MaxHistory == 0 {
		i.MaxHistory = 1000
	}
	return i
}

// GetPollInterval parses the poll interval.
func (i *IMAPFallbackConfig) GetPollInterval() (time.Duration, error) {
	return ParseDuration(i.PollInterval)
}

// GetConnectTimeout parses the connect timeout.
func (i *IMAPFallbackConfig) GetConnectTimeout() (time.Duration, error) {
	return ParseDuration(i.ConnectTimeout)
}

// StatusMapping resolves a DSN class/action pair into an operator-defined
// store status string, letting deployments customize the mapping named in
// spec.md's Open Questions without a code change.
type StatusMapping struct {
	SuccessActions []string `toml:"success_actions"`
	PendingActions []string `toml:"pending_actions"`
	FailedActions  []string `toml:"failed_actions"`
	SuspendClasses []string `toml:"suspend_classes"` // DSN status classes, e.g. "5.7"
}

func defaultStatusMapping() StatusMapping {
	return StatusMapping{
		SuccessActions: []string{"delivered", "relayed", "expanded"},
		PendingActions: []string{"delayed"},
		FailedActions:  []string{"failed"},
		SuspendClasses: []string{"5.7"},
	}
}

// Classify resolves an action/status ("delivered", "bounced", "deferred",
// "delayed", "error") and a DSN class ("N.N.N") into one of the store's
// four canonical categories: "delivered", "pending", "suspended", "failed".
// Action takes precedence; the DSN class only refines an otherwise
// ambiguous action (spec.md §6's "DSN class further refines" rule).
func (m StatusMapping) Classify(action, dsn string) string {
	for _, a := range m.SuccessActions {
		if strings.EqualFold(a, action) {
			return "delivered"
		}
	}
	for _, a := range m.PendingActions {
		if strings.EqualFold(a, action) {
			return "pending"
		}
	}
	for _, a := range m.FailedActions {
		if strings.EqualFold(a, action) {
			return "failed"
		}
	}

	for _, class := range m.SuspendClasses {
		if strings.HasPrefix(dsn, class) {
			return "suspended"
		}
	}
	switch {
	case strings.HasPrefix(dsn, "2."):
		return "delivered"
	case strings.HasPrefix(dsn, "4."):
		return "pending"
	case strings.HasPrefix(dsn, "5."):
		return "failed"
	default:
		return "failed"
	}
}

// DaemonConfig is the top-level configuration for bouncer-daemon.
type DaemonConfig struct {
	Listen             string             `toml:"listen"`
	MaxHeaderLen       int                `toml:"max_header_len"`
	MaxBodyLen         int64              `toml:"max_body_len"`
	IdleTimeout        string             `toml:"idle_timeout"`
	Spool              SpoolConfig        `toml:"spool"`
	WorkerConcurrency  int                `toml:"worker_concurrency"`
	ProcessQueueSize   int                `toml:"process_queue_size"`
	IncomingScanPeriod string             `toml:"incoming_scan_period"`
	Database           DatabaseConfig     `toml:"database"`
	StatusMapping      StatusMapping      `toml:"status_mapping"`
	IMAP               IMAPFallbackConfig `toml:"imap"`
	Logging            LoggingConfig      `toml:"logging"`
	Metrics            MetricsConfig      `toml:"metrics"`
}

// Normalize fills in defaults for zero-valued fields.
func (c *DaemonConfig) Normalize() {
	if c.Listen == "" {
		c.Listen = ":8420"
	}
	if c.MaxHeaderLen == 0 {
		c.MaxHeaderLen = 64 * 1024
	}
	if c.MaxBodyLen == 0 {
		c.MaxBodyLen = 25 * 1024 * 1024
	}
	if c.IdleTimeout == "" {
		c.IdleTimeout = "5m"
	}
	if c.WorkerConcurrency == 0 {
		c.WorkerConcurrency = 4
	}
	if c.ProcessQueueSize == 0 {
		c.ProcessQueueSize = c.WorkerConcurrency * 16
	}
	if c.IncomingScanPeriod == "" {
		c.IncomingScanPeriod = "30s"
	}
	c.Spool = c.Spool.normalize()
	c.IMAP = c.IMAP.normalize()
	c.Metrics = c.Metrics.normalize()
	if len(c.StatusMapping.SuccessActions) == 0 && len(c.StatusMapping.PendingActions) == 0 &&
		len(c.StatusMapping.FailedActions) == 0 && len(c.StatusMapping.SuspendClasses) == 0 {
		c.StatusMapping = defaultStatusMapping()
	}
}

// Validate returns an error describing the first invalid setting found.
func (c *DaemonConfig) Validate() error {
	if c.Database.Write == nil {
		return fmt.Errorf("config: database.write is required")
	}
	if len(c.Database.Write.Hosts) == 0 {
		return fmt.Errorf("config: database.write.hosts is required")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("config: worker_concurrency must be at least 1")
	}
	if c.IMAP.Enabled && c.IMAP.Host == "" {
		return fmt.Errorf("config: imap.host is required when imap.enabled is true")
	}
	return nil
}

// GetIdleTimeout parses the per-connection idle read timeout.
func (c *DaemonConfig) GetIdleTimeout() (time.Duration, error) {
	return ParseDuration(c.IdleTimeout)
}

// GetIncomingScanPeriod parses the fallback directory scan period.
func (c *DaemonConfig) GetIncomingScanPeriod() (time.Duration, error) {
	return ParseDuration(c.IncomingScanPeriod)
}

// ObserverConfig is the top-level configuration for bouncer-observer.
type ObserverConfig struct {
	ListenUDP      string        `toml:"listen_udp"`
	Server         string        `toml:"server"` // daemon TCP address to publish to
	Source         string        `toml:"source"`
	QueueCapacity  int           `toml:"queue_capacity"`
	ConnectTimeout string        `toml:"connect_timeout"`
	IOTimeout      string        `toml:"io_timeout"`
	HeartbeatEvery string        `toml:"heartbeat_secs"`
	MappingTTL     string        `toml:"mapping_ttl_secs"`
	MaxMapEntries  int           `toml:"max_map_entries"`
	Logging        LoggingConfig `toml:"logging"`
	Metrics        MetricsConfig `toml:"metrics"`
}

// Normalize fills in defaults for zero-valued fields.
func (c *ObserverConfig) Normalize() {
	if c.ListenUDP == "" {
		c.ListenUDP = ":10514"
	}
	if c.Source == "" {
		hostname, _ := os.Hostname()
		c.Source = hostname
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 1024
	}
	if c.ConnectTimeout == "" {
		c.ConnectTimeout = "10s"
	}
	if c.IOTimeout == "" {
		c.IOTimeout = "10s"
	}
	if c.HeartbeatEvery == "" {
		c.HeartbeatEvery = "30s"
	}
	if c.MappingTTL == "" {
		c.MappingTTL = "300s"
	}
	if c.MaxMapEntries == 0 {
		c.MaxMapEntries = 100000
	}
	c.Metrics = c.Metrics.normalize()
}

// Validate returns an error describing the first invalid setting found.
func (c *ObserverConfig) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("config: server is required")
	}
	return nil
}

// GetConnectTimeout parses the daemon dial timeout.
func (c *ObserverConfig) GetConnectTimeout() (time.Duration, error) {
	return ParseDuration(c.ConnectTimeout)
}

// GetIOTimeout parses the per-frame write/ACK timeout.
func (c *ObserverConfig) GetIOTimeout() (time.Duration, error) {
	return ParseDuration(c.IOTimeout)
}

// GetHeartbeatInterval parses the heartbeat frame interval.
func (c *ObserverConfig) GetHeartbeatInterval() (time.Duration, error) {
	return ParseDuration(c.HeartbeatEvery)
}

// GetMappingTTL parses the queue-id correlation entry TTL.
func (c *ObserverConfig) GetMappingTTL() (time.Duration, error) {
	return ParseDuration(c.MappingTTL)
}

// ClientConfig holds optional defaults for bouncer-client. Server may
// also be supplied with the -server flag, which takes precedence; the
// timeouts are read only from the file or left at their defaults.
type ClientConfig struct {
	Server         string `toml:"server"`
	ConnectTimeout string `toml:"connect_timeout"`
	IOTimeout      string `toml:"io_timeout"`
}

// Normalize fills in defaults for zero-valued fields.
func (c *ClientConfig) Normalize() {
	if c.ConnectTimeout == "" {
		c.ConnectTimeout = "10s"
	}
	if c.IOTimeout == "" {
		c.IOTimeout = "10s"
	}
}

// GetConnectTimeout parses the daemon dial timeout.
func (c *ClientConfig) GetConnectTimeout() (time.Duration, error) {
	return ParseDuration(c.ConnectTimeout)
}

// GetIOTimeout parses the frame write/ACK timeout.
func (c *ClientConfig) GetIOTimeout() (time.Duration, error) {
	return ParseDuration(c.IOTimeout)
}

// ResolvePath returns the configuration file to load, in the documented
// order: positionalArg (if non-empty), then the named environment
// variable, then $HOME/<name>.toml, then ./<name>.toml. It does not
// check that the file exists; callers surface the eventual read error.
func ResolvePath(positionalArg, envVar, name string) string {
	if positionalArg != "" {
		return positionalArg
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		candidate := filepath.Join(home, name+".toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "./" + name + ".toml"
}

// Load decodes path as TOML into cfg, trims whitespace from all string
// fields, and warns (without failing) about unknown keys.
func Load(path string, cfg any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		fmt.Fprintf(os.Stderr, "WARNING: %s: unknown configuration keys ignored: %s\n", path, strings.Join(keys, ", "))
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// trimStringFields recursively trims whitespace from every string field
// in a struct, since TOML files are frequently hand-edited.
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Field(i).CanSet() {
				trimStringFields(v.Field(i))
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}

// ParseDuration parses a duration string, additionally accepting a
// trailing "d" for days (e.g. "14d"), which time.ParseDuration rejects.
func ParseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		daysStr := strings.TrimSuffix(s, "d")
		days, err := strconv.ParseFloat(daysStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
