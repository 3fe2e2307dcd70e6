package dandori

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	sqlitePath      string
	logger          *slog.Logger
	version         string
	planner         Planner
	memory          MemoryAccessor
	embedder        Embedder
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (DANDORI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the embedded SQLite path from config
// (DANDORI_SQLITE_PATH env var). Ignored when a database URL is set.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithPlanner replaces the HTTP planner client with an in-process planner.
// Only the last call wins.
func WithPlanner(p Planner) Option {
	return func(o *resolvedOptions) { o.planner = p }
}

// WithMemoryAccessor replaces the built-in pgvector memory accessor.
// Only the last call wins.
func WithMemoryAccessor(m MemoryAccessor) Option {
	return func(o *resolvedOptions) { o.memory = m }
}

// WithEmbedder sets the embedding client used by the built-in pgvector
// memory accessor. Required when DANDORI_MEMORY_ENABLED is true and no
// WithMemoryAccessor override is given.
func WithEmbedder(e Embedder) Option {
	return func(o *resolvedOptions) { o.embedder = e }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the built-in migrations. Multiple filesystems may be registered;
// they are applied in registration order. Postgres only.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
