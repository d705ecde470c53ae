// Package config loads the uploader configuration from a config file, a
// .env file and FHIR_UPLOADER_* environment variables, in increasing order
// of precedence, and turns it into run options.
package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	fv "github.com/gofhir/uploader"
	"github.com/gofhir/uploader/pkg/logger"
)

// EnvPrefix prefixes every environment variable, e.g. FHIR_UPLOADER_SERVER_URL.
const EnvPrefix = "FHIR_UPLOADER"

// FileName is the config file base name searched for without --config.
const FileName = "fhir-uploader"

// Config is the full uploader configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Validation  ValidationConfig  `mapstructure:"validation"`
	Performance PerformanceConfig `mapstructure:"performance"`
	IG          IGConfig          `mapstructure:"ig"`
	Listen      ListenConfig      `mapstructure:"listen"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig is the target FHIR server.
type ServerConfig struct {
	URL           string `mapstructure:"url"`
	Token         string `mapstructure:"token"`
	Authorization string `mapstructure:"authorization"`
	FHIRVersion   string `mapstructure:"fhir_version"`
}

// UploadConfig selects the upload protocol and error policy.
type UploadConfig struct {
	Mode           string   `mapstructure:"mode"`
	Conditional    bool     `mapstructure:"conditional"`
	Force          bool     `mapstructure:"force"`
	DryRun         bool     `mapstructure:"dry_run"`
	Policy         string   `mapstructure:"policy"`
	Workers        int      `mapstructure:"workers"`
	ExcludeTypes   []string `mapstructure:"exclude_types"`
	ExcludeSources []string `mapstructure:"exclude_sources"`
	Filter         string   `mapstructure:"filter"`
	References     string   `mapstructure:"references"`
}

// ValidationConfig controls validation before upload.
type ValidationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Profile string `mapstructure:"profile"`
}

// PerformanceConfig bounds parallelism, timeouts and request rates.
type PerformanceConfig struct {
	Workers            int           `mapstructure:"workers"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	RateBurst          int           `mapstructure:"rate_burst"`
	EventBuffer        int           `mapstructure:"event_buffer"`
	MaxMemberSize      int64         `mapstructure:"max_member_size"`
}

// IGConfig selects what push-ig uploads from a package.
type IGConfig struct {
	Types []string `mapstructure:"types"`
	Skip  []string `mapstructure:"skip"`
}

// ListenConfig is the HTTP surface of serve.
type ListenConfig struct {
	Addr       string `mapstructure:"addr"`
	MaxBody    int64  `mapstructure:"max_body"`
	RunHistory int    `mapstructure:"run_history"`
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with defaults and environment binding set.
// Callers may bind command-line flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers the default of every key. Keys without a default
// are not picked up from the environment by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := fv.DefaultOptions()

	v.SetDefault("server.url", "")
	v.SetDefault("server.token", "")
	v.SetDefault("server.authorization", "")
	v.SetDefault("server.fhir_version", string(d.FHIRVersion))

	v.SetDefault("upload.mode", string(d.Mode))
	v.SetDefault("upload.conditional", d.Conditional)
	v.SetDefault("upload.force", d.Force)
	v.SetDefault("upload.dry_run", d.DryRun)
	v.SetDefault("upload.policy", string(d.Policy))
	v.SetDefault("upload.workers", d.UploadWorkers)
	v.SetDefault("upload.exclude_types", []string{})
	v.SetDefault("upload.exclude_sources", []string{})
	v.SetDefault("upload.filter", "")
	v.SetDefault("upload.references", string(d.ReferenceStrategy))

	v.SetDefault("validation.enabled", false)
	v.SetDefault("validation.profile", "")

	v.SetDefault("performance.workers", d.WorkerCount)
	v.SetDefault("performance.request_timeout", d.RequestTimeout)
	v.SetDefault("performance.transaction_timeout", d.TransactionTimeout)
	v.SetDefault("performance.rate_limit", d.RateLimit)
	v.SetDefault("performance.rate_burst", d.RateBurst)
	v.SetDefault("performance.event_buffer", d.EventBuffer)
	v.SetDefault("performance.max_member_size", d.MaxMemberSize)

	v.SetDefault("ig.types", []string{})
	v.SetDefault("ig.skip", []string{})

	v.SetDefault("listen.addr", ":8080")
	v.SetDefault("listen.max_body", 256<<20)
	v.SetDefault("listen.run_history", 64)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// LoadDotEnv loads the given .env files into the environment. Missing files
// are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return errors.Wrapf(err, "failed to load %s", p)
		}
	}
	return nil
}

// Load reads the config file into v and decodes the result. With an empty
// file the working directory and the user config directory are searched for
// fhir-uploader.{toml,yaml,json}; not finding one is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, FileName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, errors.WithHint(errors.Wrap(err, "failed to read config file"),
				"check the file passed with --config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	return &cfg, nil
}

// File returns the config file in use, if any.
func File(v *viper.Viper) string {
	return v.ConfigFileUsed()
}

// Options converts the configuration into checked run options.
func (c *Config) Options() (*fv.Options, error) {
	opts := []fv.Option{
		fv.WithBaseURL(c.Server.URL),
		fv.WithBearerToken(c.Server.Token),
		fv.WithFHIRVersion(fv.ParseFHIRVersion(c.Server.FHIRVersion)),
		fv.WithMode(fv.UploadMode(c.Upload.Mode)),
		fv.WithConditional(c.Upload.Conditional),
		fv.WithForce(c.Upload.Force),
		fv.WithDryRun(c.Upload.DryRun),
		fv.WithPolicy(fv.ErrorPolicy(c.Upload.Policy)),
		fv.WithUploadWorkers(c.Upload.Workers),
		fv.WithExcludeTypes(c.Upload.ExcludeTypes...),
		fv.WithExcludeSources(c.Upload.ExcludeSources...),
		fv.WithFilterExpression(c.Upload.Filter),
		fv.WithReferenceStrategy(fv.ReferenceStrategy(c.Upload.References)),
		fv.WithValidation(c.Validation.Enabled, c.Validation.Profile),
		fv.WithWorkerCount(c.Performance.Workers),
		fv.WithRequestTimeout(c.Performance.RequestTimeout),
		fv.WithTransactionTimeout(c.Performance.TransactionTimeout),
		fv.WithRateLimit(c.Performance.RateLimit, c.Performance.RateBurst),
		fv.WithEventBuffer(c.Performance.EventBuffer),
		fv.WithMaxMemberSize(c.Performance.MaxMemberSize),
	}
	if c.Server.Authorization != "" {
		opts = append(opts, fv.WithAuthorization(c.Server.Authorization))
	}
	if c.Upload.Workers < 1 {
		return nil, errors.WithHint(errors.Newf("upload workers must be at least 1, got %d", c.Upload.Workers),
			"set upload.workers or pass --upload-workers")
	}

	o, err := fv.NewOptions(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return o, nil
}

// Logger builds the logger described by the configuration.
func (c *Config) Logger() *logger.Logger {
	format := logger.FormatConsole
	if strings.EqualFold(c.Log.Format, "json") {
		format = logger.FormatJSON
	}
	return logger.New(os.Stderr, logger.ParseLevel(c.Log.Level), format)
}
