package backend

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Kinds accepted by New.
const (
	KindRemote   = "remote"
	KindEmbedded = "embedded"
	KindNative   = "native"
)

// Defaults for the remote variant.
const (
	DefaultBaseURL        = "http://localhost:1234"
	DefaultProbeTimeout   = 3 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultProbeCacheTTL  = 10 * time.Second
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 512
)

// Options configures a port. Zero values select defaults.
type Options struct {
	BaseURL string
	APIKey  string

	// Model overrides the model name sent to the remote server.
	Model string

	ProbeTimeout   time.Duration
	RequestTimeout time.Duration
	ProbeCacheTTL  time.Duration

	// Stream lets the remote variant request SSE replies for streaming sends.
	Stream bool

	// ContextSize bounds the decode cache of in-process variants.
	ContextSize int
	Threads     int

	// ReuseContext overrides the variant default (embedded: true, native: false).
	ReuseContext *bool

	// TokenizerRepo names a Hugging Face repo whose tokenizer the embedded
	// variant loads instead of a local one.
	TokenizerRepo string
	// HubCacheDir overrides the Hugging Face hub cache directory.
	HubCacheDir   string

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.BaseURL) == "" {
		o.BaseURL = DefaultBaseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ProbeCacheTTL <= 0 {
		o.ProbeCacheTTL = DefaultProbeCacheTTL
	}
	return o
}

func (o Options) reuse(def bool) bool {
	if o.ReuseContext == nil {
		return def
	}
	return *o.ReuseContext
}

// New constructs the port of the given kind.
func New(kind string, opts Options) (Port, error) {
	opts = opts.withDefaults()
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindRemote, "":
		return NewRemote(opts), nil
	case KindEmbedded:
		return NewEmbedded(opts), nil
	case KindNative:
		return NewNative(opts), nil
	}
	return nil, fmt.Errorf("unknown backend %q (want remote, embedded or native)", kind)
}

// NativeAvailable reports whether the native variant is compiled in.
func NativeAvailable() bool { return nativeBuilt }
