package acp

import (
	"log/slog"
	"time"

	"perch/internal/logging"
)

// Default client configuration values.
const (
	defaultMethodTimeout = 30 * time.Second
	defaultGracePeriod   = 5 * time.Second
)

// ClientOptions holds resolved construction-time configuration.
type ClientOptions struct {
	// Binary is the adapter executable name or path.
	Binary string

	// Args are extra arguments for the adapter binary.
	Args []string

	// ProviderID identifies the provider this client is bound to. Sessions
	// created through this client belong to this provider permanently.
	ProviderID string

	// CWD is the working directory given to new sessions.
	CWD string

	// MethodTimeout bounds every request except session/prompt, which
	// waits only on subprocess liveness.
	MethodTimeout time.Duration

	// GracePeriod is the wait between SIGTERM and SIGKILL on Close.
	GracePeriod time.Duration

	// MaxFrameSize caps one inbound JSON-RPC frame.
	MaxFrameSize int

	// Extract configures the visible-text fallback whitelist.
	Extract ExtractConfig

	// Logger receives structured protocol events.
	Logger *slog.Logger

	// Events receives observable protocol records; nil means discard.
	Events logging.EventFunc
}

// ClientOption configures a Client at construction time.
type ClientOption func(*ClientOptions)

// WithBinary sets the adapter executable.
func WithBinary(binary string) ClientOption {
	return func(o *ClientOptions) {
		if binary != "" {
			o.Binary = binary
		}
	}
}

// WithArgs sets extra adapter arguments.
func WithArgs(args ...string) ClientOption {
	return func(o *ClientOptions) { o.Args = args }
}

// WithProviderID binds the client to one provider identity.
func WithProviderID(id string) ClientOption {
	return func(o *ClientOptions) { o.ProviderID = id }
}

// WithCWD sets the session working directory.
func WithCWD(cwd string) ClientOption {
	return func(o *ClientOptions) { o.CWD = cwd }
}

// WithMethodTimeout bounds non-prompt requests. Values <= 0 are ignored.
func WithMethodTimeout(d time.Duration) ClientOption {
	return func(o *ClientOptions) {
		if d > 0 {
			o.MethodTimeout = d
		}
	}
}

// WithGracePeriod sets the SIGTERM→SIGKILL wait. Values <= 0 are ignored.
func WithGracePeriod(d time.Duration) ClientOption {
	return func(o *ClientOptions) {
		if d > 0 {
			o.GracePeriod = d
		}
	}
}

// WithExtractConfig replaces the visible-text whitelist.
func WithExtractConfig(cfg ExtractConfig) ClientOption {
	return func(o *ClientOptions) { o.Extract = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *ClientOptions) { o.Logger = logger }
}

// WithEvents sets the observable event sink.
func WithEvents(events logging.EventFunc) ClientOption {
	return func(o *ClientOptions) {
		if events != nil {
			o.Events = events
		}
	}
}

func resolveClientOptions(opts ...ClientOption) ClientOptions {
	o := ClientOptions{
		MethodTimeout: defaultMethodTimeout,
		GracePeriod:   defaultGracePeriod,
		MaxFrameSize:  defaultMaxFrameSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.Events == nil {
		o.Events = logging.NopEvent
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}
