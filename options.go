package noesis

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	databaseURL       string
	notifyURL         string
	logger            *slog.Logger
	version           string
	embeddingClient   EmbeddingClient
	judgeClient       JudgeClient
	resolverClient    ResolverBackend
	schedulerDisabled bool
	extraMigrations   []fs.FS
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler (e.g. PgBouncer) for queries — LISTEN/NOTIFY
// requires a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingClient replaces the auto-detected embedding provider (OpenAI/noop).
// The provided implementation must satisfy the EmbeddingClient interface.
func WithEmbeddingClient(c EmbeddingClient) Option {
	return func(o *resolvedOptions) { o.embeddingClient = c }
}

// WithJudgeClient replaces the auto-detected LLM judge (OpenAI/noop) used to
// classify candidate evidence against invalidates_if/assumes/confirms_if
// conditions (spec §6.3).
func WithJudgeClient(c JudgeClient) Option {
	return func(o *resolvedOptions) { o.judgeClient = c }
}

// WithResolverClient replaces the auto-detected resolver backend (none/
// webhook/issue_tracker, selected by RESOLVER_TYPE) used to deliver batched
// violation/confirmation/cascade events (spec §6.5).
func WithResolverClient(c ResolverBackend) Option {
	return func(o *resolvedOptions) { o.resolverClient = c }
}

// WithSchedulerDisabled prevents the App from starting its internal minute/
// daily scheduler loop (spec §6.6) on Run. Use this when the host process
// drives shock propagation and overdue-prediction sweeps itself, or in tests.
func WithSchedulerDisabled() Option {
	return func(o *resolvedOptions) { o.schedulerDisabled = true }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after OSS migrations.
// Multiple filesystems may be registered; they are applied in registration order.
// The FS must contain sequential SQL files compatible with the Atlas migration format.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
