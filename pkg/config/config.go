package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides,
	// e.g. SEGMENTOOR_UPLOADER_ROOT.
	EnvPrefix = "SEGMENTOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultRoot is the default directory holding recorded segments.
	DefaultRoot = "/data/media/0/realdata"

	// DefaultMarkerSuffix marks a segment that is still being written.
	DefaultMarkerSuffix = ".lock"

	// DefaultTempSuffix marks a partially written file.
	DefaultTempSuffix = ".tmp"

	// DefaultCompressedSuffix is appended to log artifacts after compression.
	DefaultCompressedSuffix = ".bz2"

	// DefaultIdleInterval is the sleep between scans when nothing is pending.
	DefaultIdleInterval = "5s"

	// DefaultBackoffBase is the first retry delay after a failed upload.
	DefaultBackoffBase = "100ms"

	// DefaultNice is the scheduling priority of the compression process.
	DefaultNice = 19

	// DefaultCredentialMethod selects the identity API signer.
	DefaultCredentialMethod = "api"

	// DefaultAPIEndpoint is the base URL of the identity service.
	DefaultAPIEndpoint = "https://api.commadotai.com"

	// DefaultAPITimeout bounds each signed URL request.
	DefaultAPITimeout = "2s"

	// DefaultPresignExpiry is the validity of locally presigned S3 URLs.
	DefaultPresignExpiry = "15m"

	// DefaultControlListen is the listen address of the control server.
	// The abort route is unauthenticated, so it stays on loopback.
	DefaultControlListen = "127.0.0.1:9123"

	// DefaultMetricsNamespace prefixes all exported metrics.
	DefaultMetricsNamespace = "segmentoor"
)

// Credential methods.
const (
	CredentialMethodAPI = "api"
	CredentialMethodS3  = "s3"
)

// DefaultLogNames are the uncompressed structured log artifact names.
var DefaultLogNames = []string{"rlog"}

// DefaultCompressionCommand writes the compressed artifact to stdout.
var DefaultCompressionCommand = []string{"bzip2", "-c"}

// Config is the root configuration for segmentoor.
type Config struct {
	Global      GlobalConfig      `yaml:"global" mapstructure:"global"`
	Uploader    UploaderConfig    `yaml:"uploader" mapstructure:"uploader"`
	Compression CompressionConfig `yaml:"compression" mapstructure:"compression"`
	Identity    IdentityConfig    `yaml:"identity" mapstructure:"identity"`
	Credential  CredentialConfig  `yaml:"credential" mapstructure:"credential"`
	Transfer    TransferConfig    `yaml:"transfer" mapstructure:"transfer"`
	Control     ControlConfig     `yaml:"control" mapstructure:"control"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
}

// GlobalConfig contains process-wide settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
	LockFile string `yaml:"lock_file,omitempty" mapstructure:"lock_file"`
}

// UploaderConfig describes the segment tree and the retry loop.
type UploaderConfig struct {
	Root                string   `yaml:"root" mapstructure:"root"`
	MarkerSuffix        string   `yaml:"marker_suffix" mapstructure:"marker_suffix"`
	TempSuffix          string   `yaml:"temp_suffix" mapstructure:"temp_suffix"`
	LogNames            []string `yaml:"log_names" mapstructure:"log_names"`
	CompressedSuffix    string   `yaml:"compressed_suffix" mapstructure:"compressed_suffix"`
	IdleInterval        string   `yaml:"idle_interval" mapstructure:"idle_interval"`
	BackoffBase         string   `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax          string   `yaml:"backoff_max,omitempty" mapstructure:"backoff_max"`
	ClearMarkersOnStart bool     `yaml:"clear_markers_on_start" mapstructure:"clear_markers_on_start"`
}

// CompressionConfig controls the external compression step applied to
// log artifacts before transfer.
type CompressionConfig struct {
	Enabled bool     `yaml:"enabled" mapstructure:"enabled"`
	Command []string `yaml:"command" mapstructure:"command"`
	Nice    int      `yaml:"nice" mapstructure:"nice"`
}

// IdentityConfig holds the device credentials presented to the identity
// service.
type IdentityConfig struct {
	DongleID     string `yaml:"dongle_id" mapstructure:"dongle_id"`
	DongleSecret string `yaml:"dongle_secret,omitempty" mapstructure:"dongle_secret"`
}

// CredentialConfig selects how signed transfer URLs are obtained.
type CredentialConfig struct {
	Method string              `yaml:"method" mapstructure:"method"`
	API    APICredentialConfig `yaml:"api" mapstructure:"api"`
	S3     S3CredentialConfig  `yaml:"s3" mapstructure:"s3"`
}

// APICredentialConfig is the identity HTTP API.
type APICredentialConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Timeout  string `yaml:"timeout" mapstructure:"timeout"`
}

// S3CredentialConfig presigns PUT URLs locally against an S3-compatible
// bucket.
type S3CredentialConfig struct {
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	Expiry          string `yaml:"expiry" mapstructure:"expiry"`
}

// TransferConfig controls the data transfer itself.
type TransferConfig struct {
	Timeout        string `yaml:"timeout,omitempty" mapstructure:"timeout"`
	BandwidthLimit string `yaml:"bandwidth_limit,omitempty" mapstructure:"bandwidth_limit"`
	Killable       bool   `yaml:"killable" mapstructure:"killable"`
}

// ControlConfig is the local control HTTP server.
type ControlConfig struct {
	Enabled     bool     `yaml:"enabled" mapstructure:"enabled"`
	Listen      string   `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
}

// MetricsConfig controls prometheus metric collection.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// Load reads and merges the given configuration files in order, later
// files overriding earlier ones, then applies environment overrides.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	registerDefaults(v)

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if i == 0 {
			err = v.ReadConfig(bytes.NewReader(data))
		} else {
			err = v.MergeConfig(bytes.NewReader(data))
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// registerDefaults makes every key known to viper so that environment
// variables can override keys absent from the file.
func registerDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.lock_file", "")

	v.SetDefault("uploader.root", DefaultRoot)
	v.SetDefault("uploader.marker_suffix", DefaultMarkerSuffix)
	v.SetDefault("uploader.temp_suffix", DefaultTempSuffix)
	v.SetDefault("uploader.log_names", DefaultLogNames)
	v.SetDefault("uploader.compressed_suffix", DefaultCompressedSuffix)
	v.SetDefault("uploader.idle_interval", DefaultIdleInterval)
	v.SetDefault("uploader.backoff_base", DefaultBackoffBase)
	v.SetDefault("uploader.backoff_max", "")
	v.SetDefault("uploader.clear_markers_on_start", false)

	v.SetDefault("compression.enabled", true)
	v.SetDefault("compression.command", DefaultCompressionCommand)
	v.SetDefault("compression.nice", DefaultNice)

	v.SetDefault("identity.dongle_id", "")
	v.SetDefault("identity.dongle_secret", "")

	v.SetDefault("credential.method", DefaultCredentialMethod)
	v.SetDefault("credential.api.endpoint", DefaultAPIEndpoint)
	v.SetDefault("credential.api.timeout", DefaultAPITimeout)
	v.SetDefault("credential.s3.bucket", "")
	v.SetDefault("credential.s3.region", "")
	v.SetDefault("credential.s3.endpoint_url", "")
	v.SetDefault("credential.s3.access_key_id", "")
	v.SetDefault("credential.s3.secret_access_key", "")
	v.SetDefault("credential.s3.force_path_style", false)
	v.SetDefault("credential.s3.prefix", "")
	v.SetDefault("credential.s3.expiry", DefaultPresignExpiry)

	v.SetDefault("transfer.timeout", "")
	v.SetDefault("transfer.bandwidth_limit", "")
	v.SetDefault("transfer.killable", false)

	v.SetDefault("control.enabled", false)
	v.SetDefault("control.listen", DefaultControlListen)
	v.SetDefault("control.cors_origins", []string{})

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", DefaultMetricsNamespace)
}

// applyDefaults sets default values for options left empty, e.g. by an
// environment variable set to "".
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Uploader.MarkerSuffix == "" {
		c.Uploader.MarkerSuffix = DefaultMarkerSuffix
	}

	if c.Uploader.TempSuffix == "" {
		c.Uploader.TempSuffix = DefaultTempSuffix
	}

	if len(c.Uploader.LogNames) == 0 {
		c.Uploader.LogNames = append([]string(nil), DefaultLogNames...)
	}

	if c.Uploader.CompressedSuffix == "" {
		c.Uploader.CompressedSuffix = DefaultCompressedSuffix
	}

	if c.Uploader.IdleInterval == "" {
		c.Uploader.IdleInterval = DefaultIdleInterval
	}

	if c.Uploader.BackoffBase == "" {
		c.Uploader.BackoffBase = DefaultBackoffBase
	}

	if len(c.Compression.Command) == 0 {
		c.Compression.Command = append([]string(nil), DefaultCompressionCommand...)
	}

	if c.Credential.Method == "" {
		c.Credential.Method = DefaultCredentialMethod
	}

	if c.Credential.API.Timeout == "" {
		c.Credential.API.Timeout = DefaultAPITimeout
	}

	if c.Credential.S3.Expiry == "" {
		c.Credential.S3.Expiry = DefaultPresignExpiry
	}

	if c.Control.Listen == "" {
		c.Control.Listen = DefaultControlListen
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsNamespace
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Uploader.Root == "" {
		return fmt.Errorf("uploader.root is required")
	}

	idle, err := c.Uploader.IdleIntervalDuration()
	if err != nil {
		return fmt.Errorf("uploader.idle_interval: %w", err)
	}

	if idle <= 0 {
		return fmt.Errorf("uploader.idle_interval must be positive")
	}

	base, err := c.Uploader.BackoffBaseDuration()
	if err != nil {
		return fmt.Errorf("uploader.backoff_base: %w", err)
	}

	if base <= 0 {
		return fmt.Errorf("uploader.backoff_base must be positive")
	}

	ceiling, err := c.Uploader.BackoffMaxDuration()
	if err != nil {
		return fmt.Errorf("uploader.backoff_max: %w", err)
	}

	if ceiling > 0 && ceiling < base {
		return fmt.Errorf(
			"uploader.backoff_max (%s) must not be below backoff_base (%s)",
			ceiling, base,
		)
	}

	for _, name := range c.Uploader.LogNames {
		if name == "" || strings.ContainsRune(name, '/') {
			return fmt.Errorf("uploader.log_names: invalid name %q", name)
		}
	}

	if c.Compression.Enabled && len(c.Compression.Command) == 0 {
		return fmt.Errorf("compression.command is required when compression is enabled")
	}

	if c.Compression.Nice < -20 || c.Compression.Nice > 19 {
		return fmt.Errorf("compression.nice must be between -20 and 19, got %d", c.Compression.Nice)
	}

	switch c.Credential.Method {
	case CredentialMethodAPI:
		if c.Identity.DongleID == "" {
			return fmt.Errorf("identity.dongle_id is required for credential method %q", c.Credential.Method)
		}

		if c.Credential.API.Endpoint == "" {
			return fmt.Errorf("credential.api.endpoint is required")
		}

		if _, err := c.Credential.API.TimeoutDuration(); err != nil {
			return fmt.Errorf("credential.api.timeout: %w", err)
		}
	case CredentialMethodS3:
		if c.Credential.S3.Bucket == "" {
			return fmt.Errorf("credential.s3.bucket is required")
		}

		if _, err := c.Credential.S3.ExpiryDuration(); err != nil {
			return fmt.Errorf("credential.s3.expiry: %w", err)
		}
	default:
		return fmt.Errorf("unknown credential method %q", c.Credential.Method)
	}

	if _, err := c.Transfer.TimeoutDuration(); err != nil {
		return fmt.Errorf("transfer.timeout: %w", err)
	}

	if _, err := c.Transfer.BandwidthBytes(); err != nil {
		return fmt.Errorf("transfer.bandwidth_limit: %w", err)
	}

	if c.Control.Enabled && c.Control.Listen == "" {
		return fmt.Errorf("control.listen is required when control is enabled")
	}

	return nil
}

// IdleIntervalDuration returns the parsed idle interval.
func (c *UploaderConfig) IdleIntervalDuration() (time.Duration, error) {
	return parseDuration(c.IdleInterval, DefaultIdleInterval)
}

// BackoffBaseDuration returns the parsed base backoff.
func (c *UploaderConfig) BackoffBaseDuration() (time.Duration, error) {
	return parseDuration(c.BackoffBase, DefaultBackoffBase)
}

// BackoffMaxDuration returns the backoff ceiling. Zero means unbounded.
func (c *UploaderConfig) BackoffMaxDuration() (time.Duration, error) {
	return parseDuration(c.BackoffMax, "0s")
}

// TimeoutDuration returns the parsed signed URL request timeout.
func (c *APICredentialConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration(c.Timeout, DefaultAPITimeout)
}

// ExpiryDuration returns the parsed presigned URL validity.
func (c *S3CredentialConfig) ExpiryDuration() (time.Duration, error) {
	return parseDuration(c.Expiry, DefaultPresignExpiry)
}

// TimeoutDuration returns the per-transfer timeout. Zero means none.
func (c *TransferConfig) TimeoutDuration() (time.Duration, error) {
	return parseDuration(c.Timeout, "0s")
}

// BandwidthBytes returns the uplink limit in bytes per second. Zero means
// unlimited.
func (c *TransferConfig) BandwidthBytes() (int64, error) {
	if c.BandwidthLimit == "" {
		return 0, nil
	}

	n, err := units.RAMInBytes(c.BandwidthLimit)
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", c.BandwidthLimit, err)
	}

	if n < 0 {
		return 0, fmt.Errorf("must not be negative, got %q", c.BandwidthLimit)
	}

	return n, nil
}

// Redacted returns a copy of the configuration with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Uploader.LogNames = append([]string(nil), c.Uploader.LogNames...)
	out.Compression.Command = append([]string(nil), c.Compression.Command...)
	out.Control.CORSOrigins = append([]string(nil), c.Control.CORSOrigins...)

	if out.Identity.DongleSecret != "" {
		out.Identity.DongleSecret = redactedValue
	}

	if out.Credential.S3.SecretAccessKey != "" {
		out.Credential.S3.SecretAccessKey = redactedValue
	}

	return &out
}

const redactedValue = "********"

func parseDuration(value, fallback string) (time.Duration, error) {
	if value == "" {
		value = fallback
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", value, err)
	}

	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", value)
	}

	return d, nil
}
