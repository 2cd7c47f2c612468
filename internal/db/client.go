package db

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

func init() {
	// WebSocket upgrades fail when ALPN negotiates HTTP/2 on wss:// endpoints.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// Auth levels accepted by Config.AuthLevel.
const (
	AuthRoot     = "root"
	AuthDatabase = "database"
)

// pipelineTables lists every table the pipeline writes, dependents first.
var pipelineTables = []string{"entity_mention", "sub_unit", "unit", "progress", "job_log", "job"}

// Config holds SurrealDB connection configuration.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // AuthRoot (default) or AuthDatabase

	// Reconnect policy for the underlying websocket. Zero values use defaults.
	DialTimeout    time.Duration
	ReconnectDelay time.Duration
	ReconnectMax   time.Duration
	ReconnectTries int
}

func (c Config) withDefaults() Config {
	if c.AuthLevel == "" {
		c.AuthLevel = AuthRoot
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ReconnectTries <= 0 {
		c.ReconnectTries = 10
	}
	return c
}

func (c Config) validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("url is required"))
	}
	if c.Namespace == "" || c.Database == "" {
		errs = append(errs, errors.New("namespace and database are required"))
	}
	if c.AuthLevel != AuthRoot && c.AuthLevel != AuthDatabase {
		errs = append(errs, fmt.Errorf("unknown auth level %q", c.AuthLevel))
	}
	return errors.Join(errs...)
}

// rpcBaseURL strips the /rpc suffix; gorillaws appends it itself.
func rpcBaseURL(raw string) string {
	return strings.TrimSuffix(strings.TrimRight(raw, "/"), "/rpc")
}

// Client owns the pipeline's SurrealDB session: job records, the progress
// ledger, the structure tables, entity mentions and the job log.
type Client struct {
	conn   *rews.Connection[*gorillaws.Connection]
	db     *surrealdb.DB
	log    *slog.Logger
	tables []string
}

// NewClient dials SurrealDB over an auto-reconnecting websocket, signs in
// and selects the configured namespace and database.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("surrealdb config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "db")

	conn := dial(cfg, logger.New(log.Handler()))
	log.Info("connecting to SurrealDB", "url", cfg.URL)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	sdb, err := surrealdb.FromConnection(ctx, conn)
	if err == nil {
		err = openSession(ctx, sdb, cfg)
	}
	if err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	log.Info("SurrealDB session ready", "namespace", cfg.Namespace, "database", cfg.Database, "auth_level", cfg.AuthLevel)
	return &Client{conn: conn, db: sdb, log: log, tables: pipelineTables}, nil
}

func dial(cfg Config, sdkLogger logger.Logger) *rews.Connection[*gorillaws.Connection] {
	codec := surrealcbor.New()
	base := rpcBaseURL(cfg.URL)

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     base,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		cfg.DialTimeout,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = cfg.ReconnectDelay
	retryer.MaxDelay = cfg.ReconnectMax
	retryer.Multiplier = 2.0
	retryer.MaxRetries = cfg.ReconnectTries
	conn.Retryer = retryer
	return conn
}

func openSession(ctx context.Context, sdb *surrealdb.DB, cfg Config) error {
	auth := surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}
	if cfg.AuthLevel == AuthDatabase {
		auth.Namespace = cfg.Namespace
		auth.Database = cfg.Database
	}
	if _, err := sdb.SignIn(ctx, auth); err != nil {
		return fmt.Errorf("signin as %s (%s): %w", cfg.Username, cfg.AuthLevel, err)
	}
	if err := sdb.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return fmt.Errorf("use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}
	return nil
}

// Close closes the SurrealDB connection.
func (c *Client) Close(ctx context.Context) error {
	c.log.Info("closing SurrealDB connection")
	return c.conn.Close(ctx)
}

// InitSchema applies the table and index definitions. The statements are
// idempotent so this runs on every server start.
func (c *Client) InitSchema(ctx context.Context) error {
	start := time.Now()
	_, err := surrealdb.Query[any](ctx, c.db, SchemaSQL, nil)
	if err = wrapQueryError(err); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	c.log.Debug("schema applied", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Ping checks the session can still run queries. Used by the health route.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, c.db, "RETURN true", nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// WipeData empties every pipeline table and keeps the schema. Testing only.
func (c *Client) WipeData(ctx context.Context) error {
	for _, table := range c.tables {
		if _, err := surrealdb.Query[any](ctx, c.db, "DELETE type::table($tb)", map[string]any{"tb": table}); err != nil {
			return fmt.Errorf("wipe %s: %w", table, err)
		}
	}
	c.log.Warn("pipeline tables wiped", "tables", c.tables)
	return nil
}
