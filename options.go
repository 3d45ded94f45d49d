package parinvoke

import "go.uber.org/zap"

// Option adjusts how Persist, NewInvoker and RunSP behave.
type Option func(*settings)

type settings struct {
	method      Method
	config      *ParallelConfig
	logger      *zap.Logger
	metrics     *Metrics
	compression Compression
	context     *Context
}

func newSettings(opts []Option) *settings {
	s := &settings{}
	for _, opt := range opts {
		opt(s)
	}
	if s.config == nil {
		s.config = DefaultConfig()
	}
	if s.logger == nil {
		s.logger = zap.L().Named("parinvoke")
	}
	return s
}

// WithMethod selects the persistence backend explicitly.
func WithMethod(m Method) Option {
	return func(s *settings) { s.method = m }
}

// WithConfig supplies the configuration used for process counts and overrides.
func WithConfig(cfg *ParallelConfig) Option {
	return func(s *settings) { s.config = cfg }
}

// WithLogger routes the package's own log output to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithMetrics records pool and persistence activity on m.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithCompression compresses buffers written by the file backend. Compressed
// containers cannot be paged in lazily and are fully decoded on Get.
func WithCompression(c Compression) Option {
	return func(s *settings) { s.compression = c }
}

// WithContext takes configuration, backend choice, logger and metrics from c.
// Options given after it override the corresponding settings.
func WithContext(c *Context) Option {
	return func(s *settings) {
		s.context = c
		s.config = c.Config
		s.method = c.Method
		s.logger = c.Logger
		s.metrics = c.Metrics
	}
}
