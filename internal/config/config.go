// Package config defines the service and CLI configuration structs,
// parsed with go-flags (long/short flags, env vars, and defaults) the
// way the teacher's entry points configure themselves.
package config

import (
	"time"

	"github.com/jessevdk/go-flags"
)

// Config is the top-level configuration for cmd/reconciled.
// cmd/reconcilectl does not use it; the CLI has its own flags and
// passes per-request parameters to the service.
type Config struct {
	Store struct {
		DSN string `long:"dsn" env:"DSN" default:"./reconsync.db" description:"sqlite DSN for the store (crosswalk/shadow/conflict/sync_log/sync_state/customer tables)"`
	} `group:"store" namespace:"store" env-namespace:"STORE"`

	B struct {
		BaseURL string `long:"base-url" env:"BASE_URL" required:"true" description:"base URL of B's subscriber API"`
		Token   string `long:"token" env:"TOKEN" required:"true" description:"bearer token for B's subscriber API"`
	} `group:"b" namespace:"b" env-namespace:"B"`

	RateLimit struct {
		Capacity int           `long:"capacity" env:"CAPACITY" default:"120" description:"token bucket capacity"`
		PerWindow int          `long:"per-window" env:"PER_WINDOW" default:"120" description:"tokens refilled per window"`
		Window    time.Duration `long:"window" env:"WINDOW" default:"60s" description:"refill window"`
	} `group:"rate-limit" namespace:"rate-limit" env-namespace:"RATE_LIMIT"`

	Backfill struct {
		ChunkSizePhase12 int `long:"chunk-size-phase12" env:"CHUNK_SIZE_PHASE12" default:"100" description:"page size for backfill phases 1 and 2"`
		ChunkSizePhase3  int `long:"chunk-size-phase3" env:"CHUNK_SIZE_PHASE3" default:"500" description:"page size for backfill phase 3"`
	} `group:"backfill" namespace:"backfill" env-namespace:"BACKFILL"`

	Bidirectional struct {
		MaxDuration time.Duration `long:"max-duration" env:"MAX_DURATION" default:"5m" description:"wall-clock budget for bidirectional runs; not read by cmd/reconciled, where each request's maxDurationMs applies (0 for unbounded)"`
		MaxRecords  int           `long:"max-records" env:"MAX_RECORDS" default:"0" description:"record cap for bidirectional runs; not read by cmd/reconciled, where each request's maxRecords applies (0 for unbounded)"`
	} `group:"bidirectional" namespace:"bidirectional" env-namespace:"BIDIRECTIONAL"`

	IDRepair struct {
		ChunkSize      int           `long:"chunk-size" env:"CHUNK_SIZE" default:"100" description:"crosswalk rows repaired per chunk"`
		RequestSpacing time.Duration `long:"request-spacing" env:"REQUEST_SPACING" default:"500ms" description:"minimum gap between GetByEmail calls"`
	} `group:"id-repair" namespace:"id-repair" env-namespace:"ID_REPAIR"`

	Diagnostic struct {
		BatchSize int `long:"batch-size" env:"BATCH_SIZE" default:"100" description:"crosswalk rows scanned per diagnostic invocation"`
	} `group:"diagnostic" namespace:"diagnostic" env-namespace:"DIAGNOSTIC"`

	Admin struct {
		SharedSecret string `long:"shared-secret" env:"SHARED_SECRET" description:"dev-mode shared secret accepted by RequireAdmin; production deployments should replace the hook entirely"`
	} `group:"admin" namespace:"admin" env-namespace:"ADMIN"`

	Server struct {
		Addr string `long:"addr" env:"ADDR" default:":8080" description:"listen address for cmd/reconciled's HTTP RPC surface"`
	} `group:"server" namespace:"server" env-namespace:"SERVER"`

	Log struct {
		Level string `long:"level" env:"LEVEL" default:"info" description:"logrus level: debug, info, warn, error"`
	} `group:"log" namespace:"log" env-namespace:"LOG"`
}

// Parse parses args (typically os.Args[1:]) into a fresh Config.
func Parse(args []string) (*Config, error) {
	cfg := new(Config)
	parser := flags.NewParser(cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return cfg, nil
}
