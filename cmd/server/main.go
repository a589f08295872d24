package main

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/credvault/internal/api"
	"github.com/org/credvault/internal/audit"
	"github.com/org/credvault/internal/auth"
	"github.com/org/credvault/internal/keymgr"
	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type userEntry struct {
	ID           string `yaml:"id"`
	Email        string `yaml:"email"`
	PasswordHash string `yaml:"password_hash"`
}

type config struct {
	ListenAddr    string      `yaml:"listen_addr"`
	TLSCertFile   string      `yaml:"tls_cert"`
	TLSKeyFile    string      `yaml:"tls_key"`
	DBUrl         string      `yaml:"db_url"`
	RedisAddr     string      `yaml:"redis_addr"`
	RedisPassword string      `yaml:"redis_password"`
	RedisDB       int         `yaml:"redis_db"`
	MasterKey     string      `yaml:"master_key"`
	BackupDir     string      `yaml:"backup_dir"`
	MigrationsDir string      `yaml:"migrations_dir"`
	TokenTTLHours int         `yaml:"token_ttl_hours"`
	LogLevel      string      `yaml:"log_level"`
	Users         []userEntry `yaml:"users"`
}

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	cfgFile := "config.yaml"
	if v := os.Getenv("CREDVAULT_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:    ":8300",
		BackupDir:     "backups",
		MigrationsDir: "migrations",
		TokenTTLHours: 24,
		LogLevel:      "info",
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("CREDVAULT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("CREDVAULT_MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DBUrl == "" {
		log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
	}
	if cfg.MasterKey == "" {
		log.Fatal().Msg("master_key must be configured (or CREDVAULT_MASTER_KEY env var)")
	}
	master, err := hex.DecodeString(cfg.MasterKey)
	if err != nil || len(master) < 32 {
		log.Fatal().Msg("master_key must be at least 32 hex-encoded bytes")
	}

	ctx := context.Background()

	// Connect to database
	backend, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer backend.Close()

	// Run migrations
	if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations applied")

	// Rate limiting and session state live in Redis when configured,
	// otherwise in process memory (single-node deployments only).
	var kv store.KV
	if cfg.RedisAddr != "" {
		redisKV, err := store.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		kv = redisKV
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis for security state")
	} else {
		kv = store.NewMemory()
		log.Warn().Msg("no redis_addr configured, security state is in-memory")
	}

	// Load (or create) the encryption key
	keys := keymgr.New(master, cfg.BackupDir, backend, audit.NewSink(backend))
	if err := keys.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load encryption key")
	}
	status := keys.Status()
	log.Info().Int("key_version", status.Version).Bool("rotation_due", status.NeedsRotation).Msg("encryption key ready")

	users := make([]auth.User, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		users = append(users, auth.User{ID: u.ID, Email: u.Email, PasswordHash: u.PasswordHash})
	}

	srv := api.NewServer(backend, kv, keys, api.Config{
		ListenAddr:  cfg.ListenAddr,
		TLSCertFile: cfg.TLSCertFile,
		TLSKeyFile:  cfg.TLSKeyFile,
		Users:       users,
		TokenTTL:    time.Duration(cfg.TokenTTLHours) * time.Hour,
	})

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}
