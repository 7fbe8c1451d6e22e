package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/FunnelPipe/internal/api"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/util"
	"github.com/BTreeMap/FunnelPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

const (
	// DefaultStateDir holds the instance lock and SQLite databases unless
	// overridden by flag or environment.
	DefaultStateDir = "/var/lib/funnelpipe"

	whatsappDBFile = "whatsmeow.db"
	appDBFile      = "funnelpipe.db"
)

// settings is the merged flag and environment configuration. Flags win over
// environment variables, which win over built-in defaults.
type settings struct {
	stateDir      string
	whatsappDSN   string
	appDSN        string
	apiAddr       string
	defaultFunnel string
	attributionID string
	fallbackURL   string
	qrOutput      string
	numericCode   bool
}

func main() {
	// .env loads first so it can influence log setup.
	envErr := godotenv.Load()
	setupLogging()
	if envErr != nil {
		slog.Debug("main: no .env file loaded", "error", envErr)
	}

	cfg := parseFlags(envSettings())
	if err := ensureStateDirs(cfg); err != nil {
		slog.Error("main: cannot create state directories", "error", err)
		os.Exit(1)
	}

	slog.Info("FunnelPipe starting", "state_dir", cfg.stateDir, "api_addr", cfg.apiAddr)
	if err := api.Run(cfg.whatsappOptions(), cfg.storeOptions(), cfg.apiOptions()); err != nil {
		slog.Error("FunnelPipe exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("FunnelPipe shut down cleanly")
}

// setupLogging installs the default text logger. FUNNELPIPE_DEBUG=1 lowers
// the level to debug.
func setupLogging() {
	level := slog.LevelInfo
	if util.BoolEnv("FUNNELPIPE_DEBUG", false) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

// envSettings reads configuration from the environment. DATABASE_URL is
// accepted as a fallback for DATABASE_DSN for compatibility with hosted
// Postgres providers.
func envSettings() settings {
	cfg := settings{
		stateDir:      os.Getenv("FUNNELPIPE_STATE_DIR"),
		whatsappDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		appDSN:        os.Getenv("DATABASE_DSN"),
		apiAddr:       os.Getenv("API_ADDR"),
		defaultFunnel: os.Getenv("DEFAULT_FUNNEL_ID"),
		attributionID: os.Getenv("ATTRIBUTION_ID"),
		fallbackURL:   os.Getenv("FALLBACK_URL"),
	}
	if cfg.stateDir == "" {
		cfg.stateDir = DefaultStateDir
	}
	if cfg.appDSN == "" {
		cfg.appDSN = os.Getenv("DATABASE_URL")
	}
	return cfg
}

// parseFlags overlays command line flags on the environment settings and
// resolves the remaining defaults.
func parseFlags(env settings) settings {
	cfg := env
	flag.StringVar(&cfg.stateDir, "state-dir", env.stateDir, "state directory for the instance lock and SQLite data (env FUNNELPIPE_STATE_DIR)")
	flag.StringVar(&cfg.whatsappDSN, "whatsapp-db-dsn", env.whatsappDSN, "DSN for the whatsmeow session store; derived from -state-dir when empty (env WHATSAPP_DB_DSN)")
	flag.StringVar(&cfg.appDSN, "db-dsn", env.appDSN, "DSN for the application store; derived from -state-dir when empty (env DATABASE_DSN or DATABASE_URL)")
	flag.StringVar(&cfg.apiAddr, "api-addr", env.apiAddr, "API listen address (env API_ADDR)")
	flag.StringVar(&cfg.defaultFunnel, "default-funnel", env.defaultFunnel, "funnel to enroll unrecognized senders into (env DEFAULT_FUNNEL_ID)")
	flag.StringVar(&cfg.attributionID, "attribution-id", env.attributionID, "application identifier appended to resolved links (env ATTRIBUTION_ID)")
	flag.StringVar(&cfg.fallbackURL, "fallback-url", env.fallbackURL, "landing URL when a resource has no usable link (env FALLBACK_URL)")
	flag.StringVar(&cfg.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	flag.BoolVar(&cfg.numericCode, "numeric-code", false, "pair with a numeric code instead of a QR code")
	flag.Parse()
	return cfg.resolve()
}

// resolve derives the SQLite DSN defaults from the final state directory, so
// passing -state-dir alone relocates both databases. Explicitly configured
// DSNs are left alone. Foreign keys must be on in the whatsmeow DSN or its
// schema migrations misbehave.
func (s settings) resolve() settings {
	if s.stateDir == "" {
		s.stateDir = DefaultStateDir
	}
	if s.whatsappDSN == "" {
		s.whatsappDSN = "file:" + filepath.Join(s.stateDir, whatsappDBFile) + "?_foreign_keys=on"
	}
	if s.appDSN == "" {
		s.appDSN = filepath.Join(s.stateDir, appDBFile)
	}
	return s
}

// sqlitePath strips the file: prefix and query parameters from a SQLite DSN.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	path, _, _ = strings.Cut(path, "?")
	return path
}

// ensureStateDirs creates the state directory and the parent directories of
// any SQLite databases before the stores open their files.
func ensureStateDirs(cfg settings) error {
	dirs := []string{cfg.stateDir}
	for _, dsn := range []string{cfg.whatsappDSN, cfg.appDSN} {
		if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
			continue
		}
		dirs = append(dirs, filepath.Dir(sqlitePath(dsn)))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		slog.Debug("main: state directory ready", "dir", dir)
	}
	return nil
}

func (s settings) whatsappOptions() []whatsapp.Option {
	var opts []whatsapp.Option
	if s.whatsappDSN != "" {
		opts = append(opts, whatsapp.WithDBDSN(s.whatsappDSN))
	}
	if s.qrOutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(s.qrOutput))
	}
	if s.numericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

func (s settings) storeOptions() []store.Option {
	switch {
	case s.appDSN == "":
		return nil // in-memory store
	case store.DetectDSNType(s.appDSN) == "postgres":
		return []store.Option{store.WithPostgresDSN(s.appDSN)}
	default:
		return []store.Option{store.WithSQLiteDSN(s.appDSN)}
	}
}

func (s settings) apiOptions() []api.Option {
	var opts []api.Option
	if s.apiAddr != "" {
		opts = append(opts, api.WithAddr(s.apiAddr))
	}
	if s.stateDir != "" {
		opts = append(opts, api.WithStateDir(s.stateDir))
	}
	if s.defaultFunnel != "" {
		opts = append(opts, api.WithDefaultFunnel(s.defaultFunnel))
	}
	if s.attributionID != "" {
		opts = append(opts, api.WithAttributionID(s.attributionID))
	}
	if s.fallbackURL != "" {
		opts = append(opts, api.WithFallbackURL(s.fallbackURL))
	}
	return opts
}
