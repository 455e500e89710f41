package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Defaults.
const (
	DefaultEndpoint              = "https://participants.evolv.ai"
	DefaultVersion               = 2
	DefaultLegacyPollingInterval = 100 * time.Millisecond
	DefaultTimeoutThreshold      = 60 * time.Second
	DefaultActiveKeyPrefix       = "web"
	DefaultBeaconBatchSize       = 25
	DefaultBeaconFlushInterval   = time.Second
	DefaultBeaconRate            = 5.0
)

// Storage kinds.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Options configures a client.
type Options struct {
	Environment           string        `yaml:"environment" json:"environment"`
	Endpoint              string        `yaml:"endpoint" json:"endpoint"`
	Version               int           `yaml:"version" json:"version"`
	UID                   string        `yaml:"uid" json:"uid,omitempty"`
	SID                   string        `yaml:"sid" json:"sid,omitempty"`
	Storage               Storage       `yaml:"storage" json:"storage"`
	LegacyPollingInterval time.Duration `yaml:"legacy_polling_interval" json:"legacy_polling_interval"`
	TimeoutThreshold      time.Duration `yaml:"timeout_threshold" json:"timeout_threshold"`
	ActiveKeyPrefix       string        `yaml:"active_key_prefix" json:"active_key_prefix"`
	Beacon                Beacon        `yaml:"beacon" json:"beacon"`
}

// Storage selects where uid, sid and cached payloads live.
type Storage struct {
	Kind string `yaml:"kind" json:"kind"`
	Path string `yaml:"path" json:"path,omitempty"`
}

// Beacon configures telemetry delivery.
type Beacon struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	BatchSize     int           `yaml:"batch_size" json:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
	Rate          float64       `yaml:"rate" json:"rate"`
}

// Error reports an invalid option.
type Error struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsConfigError returns true if err is (or wraps) a *Error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Load reads and parses the options file at path.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read options: %w", err)
	}
	opts, err := Parse(data)
	if err != nil {
		return Options{}, fmt.Errorf("%s: %w", path, err)
	}
	return opts, nil
}

// Parse validates a YAML document against the schema, decodes it and
// applies defaults.
func Parse(data []byte) (Options, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Options{}, &Error{Message: fmt.Sprintf("invalid YAML: %v", err)}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := checkSchema(raw); err != nil {
		return Options{}, err
	}

	var opts Options
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, &Error{Message: fmt.Sprintf("decode: %v", err)}
	}
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// checkSchema unifies raw with #Options.
func checkSchema(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile options schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Options"))

	doc := ctx.Encode(raw)
	if err := doc.Err(); err != nil {
		return &Error{Message: fmt.Sprintf("encode: %v", err)}
	}
	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return schemaError(err)
	}
	return nil
}

func schemaError(err error) *Error {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return &Error{Message: err.Error()}
	}
	first := list[0]
	path := first.Path()
	// Paths from the definition start with "#Options".
	if len(path) > 0 && path[0] == "#Options" {
		path = path[1:]
	}
	format, args := first.Msg()
	return &Error{Field: strings.Join(path, "."), Message: fmt.Sprintf(format, args...)}
}

// WithDefaults returns o with unset fields defaulted.
func (o Options) WithDefaults() Options {
	if o.Endpoint == "" {
		o.Endpoint = DefaultEndpoint
	}
	if o.Version == 0 {
		o.Version = DefaultVersion
	}
	if o.Storage.Kind == "" {
		o.Storage.Kind = StorageMemory
	}
	if o.LegacyPollingInterval == 0 {
		o.LegacyPollingInterval = DefaultLegacyPollingInterval
	}
	if o.TimeoutThreshold == 0 {
		o.TimeoutThreshold = DefaultTimeoutThreshold
	}
	if o.ActiveKeyPrefix == "" {
		o.ActiveKeyPrefix = DefaultActiveKeyPrefix
	}
	if o.Beacon.BatchSize == 0 {
		o.Beacon.BatchSize = DefaultBeaconBatchSize
	}
	if o.Beacon.FlushInterval == 0 {
		o.Beacon.FlushInterval = DefaultBeaconFlushInterval
	}
	if o.Beacon.Rate == 0 {
		o.Beacon.Rate = DefaultBeaconRate
	}
	return o
}

// Validate checks option values. Returns *Error on the first problem.
func (o Options) Validate() error {
	switch {
	case o.Environment == "":
		return &Error{Field: "environment", Message: "is required"}
	case o.Version != 1 && o.Version != 2:
		return &Error{Field: "version", Message: fmt.Sprintf("unsupported version %d", o.Version)}
	case o.Storage.Kind != StorageMemory && o.Storage.Kind != StorageSQLite:
		return &Error{Field: "storage.kind", Message: fmt.Sprintf("unknown storage %q", o.Storage.Kind)}
	case o.Storage.Kind == StorageSQLite && o.Storage.Path == "":
		return &Error{Field: "storage.path", Message: "is required for sqlite storage"}
	case o.LegacyPollingInterval <= 0:
		return &Error{Field: "legacy_polling_interval", Message: "must be positive"}
	case o.TimeoutThreshold <= 0:
		return &Error{Field: "timeout_threshold", Message: "must be positive"}
	case o.Beacon.BatchSize <= 0:
		return &Error{Field: "beacon.batch_size", Message: "must be positive"}
	case o.Beacon.Rate <= 0:
		return &Error{Field: "beacon.rate", Message: "must be positive"}
	}
	return nil
}
