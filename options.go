package fhiruploader

import (
	"runtime"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrorPolicy decides whether a failure stops the run.
type ErrorPolicy string

// Error policies.
const (
	PolicyStopOnFirstError ErrorPolicy = "stop-on-first-error"
	PolicyContinueOnError  ErrorPolicy = "continue-on-error"
)

// UploadMode selects the upload protocol.
type UploadMode string

// Upload modes.
const (
	ModeIndividual  UploadMode = "individual"
	ModeTransaction UploadMode = "transaction"
)

// ReferenceStrategy selects how references are discovered.
type ReferenceStrategy string

// Reference strategies.
const (
	// StrategyStructural only follows objects with a reference member and
	// canonical-valued elements.
	StrategyStructural ReferenceStrategy = "structural"
	// StrategyAggressive also treats any string shaped like a reference as one.
	StrategyAggressive ReferenceStrategy = "aggressive"
)

// Option configures a run.
type Option func(*Options)

// Options holds the configuration of one run. It is passed to the run
// controller at construction and never read from global state.
type Options struct {
	// Target server
	BaseURL       string
	Authorization string
	FHIRVersion   FHIRVersion

	// Upload protocol
	Mode        UploadMode
	Conditional bool
	Force       bool
	DryRun      bool

	// Error handling
	Policy ErrorPolicy

	// Validation
	ValidationEnabled bool
	ValidationProfile string

	// Filter
	ExcludeTypes     []string
	ExcludeSources   []string
	FilterExpression string

	// Reference discovery
	ReferenceStrategy ReferenceStrategy

	// Performance
	WorkerCount        int
	UploadWorkers      int
	RequestTimeout     time.Duration
	TransactionTimeout time.Duration
	RateLimit          float64
	RateBurst          int
	EventBuffer        int
	MaxMemberSize      int64
}

// DefaultOptions returns the default configuration.
func DefaultOptions() *Options {
	return &Options{
		FHIRVersion: R4,

		Mode:        ModeIndividual,
		Conditional: true,

		Policy: PolicyStopOnFirstError,

		ReferenceStrategy: StrategyStructural,

		WorkerCount:        runtime.NumCPU(),
		UploadWorkers:      1,
		RequestTimeout:     30 * time.Second,
		TransactionTimeout: 5 * time.Minute,
		RateBurst:          1,
		EventBuffer:        64,
		MaxMemberSize:      100 << 20,
	}
}

// NewOptions applies opts over the defaults and checks the result.
func NewOptions(opts ...Option) (*Options, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if err := o.Check(); err != nil {
		return nil, err
	}
	return o, nil
}

// Check reports configuration errors.
func (o *Options) Check() error {
	switch o.Mode {
	case ModeIndividual, ModeTransaction:
	default:
		return errors.Newf("unknown upload mode %q", o.Mode)
	}
	switch o.Policy {
	case PolicyStopOnFirstError, PolicyContinueOnError:
	default:
		return errors.Newf("unknown error policy %q", o.Policy)
	}
	switch o.ReferenceStrategy {
	case StrategyStructural, StrategyAggressive:
	default:
		return errors.Newf("unknown reference strategy %q", o.ReferenceStrategy)
	}
	if !o.FHIRVersion.IsValid() {
		return errors.Newf("unsupported FHIR version %q", o.FHIRVersion)
	}
	if o.BaseURL == "" && !o.DryRun {
		return errors.WithHint(errors.New("no FHIR server base URL configured"),
			"set server.url in the config file or pass --server")
	}
	if o.BaseURL != "" && !strings.HasPrefix(o.BaseURL, "http://") && !strings.HasPrefix(o.BaseURL, "https://") {
		return errors.Newf("base URL %q must be http or https", o.BaseURL)
	}
	if o.UploadWorkers < 1 {
		return errors.Newf("upload workers must be at least 1, got %d", o.UploadWorkers)
	}
	return nil
}

// --- Server Options ---

// WithBaseURL sets the FHIR server base URL.
func WithBaseURL(url string) Option {
	return func(o *Options) {
		o.BaseURL = strings.TrimRight(url, "/")
	}
}

// WithAuthorization sets the Authorization header value, passed through unchanged.
func WithAuthorization(value string) Option {
	return func(o *Options) {
		o.Authorization = value
	}
}

// WithBearerToken sets a bearer Authorization header.
func WithBearerToken(token string) Option {
	return func(o *Options) {
		if token != "" {
			o.Authorization = "Bearer " + token
		}
	}
}

// WithFHIRVersion sets the FHIR version announced to the server.
func WithFHIRVersion(v FHIRVersion) Option {
	return func(o *Options) {
		o.FHIRVersion = v
	}
}

// --- Upload Options ---

// WithMode sets the upload protocol.
func WithMode(mode UploadMode) Option {
	return func(o *Options) {
		o.Mode = mode
	}
}

// WithConditional enables existence checks and conditional updates in individual mode.
func WithConditional(enable bool) Option {
	return func(o *Options) {
		o.Conditional = enable
	}
}

// WithForce uploads resources even when the server copy is identical.
func WithForce(enable bool) Option {
	return func(o *Options) {
		o.Force = enable
	}
}

// WithDryRun reports what would happen without writing to the server.
func WithDryRun(enable bool) Option {
	return func(o *Options) {
		o.DryRun = enable
	}
}

// WithPolicy sets the error policy.
func WithPolicy(p ErrorPolicy) Option {
	return func(o *Options) {
		o.Policy = p
	}
}

// --- Validation Options ---

// WithValidation enables the validation collaborator before upload.
// profile may be empty to validate against the declared profiles only.
func WithValidation(enable bool, profile string) Option {
	return func(o *Options) {
		o.ValidationEnabled = enable
		o.ValidationProfile = profile
	}
}

// --- Filter Options ---

// WithExcludeTypes skips resources of the given types.
func WithExcludeTypes(types ...string) Option {
	return func(o *Options) {
		o.ExcludeTypes = append(o.ExcludeTypes, types...)
	}
}

// WithExcludeSources skips resources whose source matches one of the patterns.
func WithExcludeSources(patterns ...string) Option {
	return func(o *Options) {
		o.ExcludeSources = append(o.ExcludeSources, patterns...)
	}
}

// WithFilterExpression skips resources for which the FHIRPath expression is true.
func WithFilterExpression(expr string) Option {
	return func(o *Options) {
		o.FilterExpression = expr
	}
}

// WithReferenceStrategy sets how references are discovered.
func WithReferenceStrategy(s ReferenceStrategy) Option {
	return func(o *Options) {
		o.ReferenceStrategy = s
	}
}

// --- Performance Options ---

// WithWorkerCount sets the number of decode and validation workers.
// Defaults to runtime.NumCPU().
func WithWorkerCount(count int) Option {
	return func(o *Options) {
		if count > 0 {
			o.WorkerCount = count
		}
	}
}

// WithUploadWorkers sets how many independent resources may upload at once.
func WithUploadWorkers(count int) Option {
	return func(o *Options) {
		if count > 0 {
			o.UploadWorkers = count
		}
	}
}

// WithRequestTimeout bounds every individual network call.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.RequestTimeout = d
	}
}

// WithTransactionTimeout bounds the transaction submission.
func WithTransactionTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.TransactionTimeout = d
	}
}

// WithRateLimit caps outbound requests per second. Zero disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *Options) {
		o.RateLimit = rps
		if burst > 0 {
			o.RateBurst = burst
		}
	}
}

// WithEventBuffer sets the progress channel buffer size.
func WithEventBuffer(size int) Option {
	return func(o *Options) {
		if size >= 0 {
			o.EventBuffer = size
		}
	}
}

// WithMaxMemberSize caps the size of a single archive member.
func WithMaxMemberSize(n int64) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxMemberSize = n
		}
	}
}
