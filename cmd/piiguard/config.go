package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	piiguard "github.com/SamuelRCrider/pii-guard"
	"github.com/SamuelRCrider/pii-guard/core"
	"github.com/SamuelRCrider/pii-guard/kv"
	"github.com/SamuelRCrider/pii-guard/kv/postgres"
	"github.com/SamuelRCrider/pii-guard/kv/sqlite"
	"github.com/SamuelRCrider/pii-guard/utils"
)

// envPrefix namespaces environment overrides, e.g. PIIGUARD_STORE.
const envPrefix = "PIIGUARD"

// Config is the effective CLI configuration.
type Config struct {
	// Store selects the backend: "memory", a SQLite path (optionally
	// prefixed "sqlite:") or a postgres:// URL.
	Store string `mapstructure:"store"`

	Log struct {
		Level string `mapstructure:"level"`
		JSON  bool   `mapstructure:"json"`
	} `mapstructure:"log"`

	Audit struct {
		File  string `mapstructure:"file"`
		Level string `mapstructure:"level"`
	} `mapstructure:"audit"`

	DebounceWindow   time.Duration `mapstructure:"debounce_window"`
	SettingsTTL      time.Duration `mapstructure:"settings_ttl"`
	BatchConcurrency int           `mapstructure:"batch_concurrency"`

	HTTP struct {
		Addr       string        `mapstructure:"addr"`
		RateLimit  int           `mapstructure:"rate_limit"`
		RateWindow time.Duration `mapstructure:"rate_window"`
	} `mapstructure:"http"`

	Vault struct {
		// Key is one or more comma-separated base64 AES-256 keys. Empty
		// stores tokenized originals unencrypted.
		Key string `mapstructure:"key"`

		TokenTTL time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"vault"`

	// Groups maps user ids to group names for clearance checks.
	Groups map[string][]string `mapstructure:"groups"`
}

// flagKeys maps persistent flag names to config keys.
var flagKeys = map[string]string{
	"store":       "store",
	"log-level":   "log.level",
	"log-json":    "log.json",
	"audit-file":  "audit.file",
	"audit-level": "audit.level",
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sqlite:piiguard.db"
	}
	return "sqlite:" + filepath.Join(home, ".piiguard", "piiguard.db")
}

func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".piiguard", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store", defaultStorePath())
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.json", false)
	v.SetDefault("audit.file", "")
	v.SetDefault("audit.level", string(core.AuditLogLevelStandard))
	v.SetDefault("debounce_window", core.DefaultDebounceWindow)
	v.SetDefault("settings_ttl", core.DefaultSettingsTTL)
	v.SetDefault("batch_concurrency", piiguard.DefaultBatchConcurrency)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit", 0)
	v.SetDefault("http.rate_window", time.Minute)
	v.SetDefault("vault.key", "")
	v.SetDefault("vault.token_ttl", time.Duration(0))
	v.SetDefault("groups", map[string][]string{})
}

// loadConfig resolves configuration with precedence
// defaults < config file < PIIGUARD_* env < flags.
func loadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	setDefaults(v)

	path := userConfigPath()
	explicit := false
	if f := lookupFlag(cmd, "config"); f != nil && f.Value.String() != "" {
		path = f.Value.String()
		explicit = true
	}
	if err := mergeConfigFile(v, path, explicit); err != nil {
		return Config{}, err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if f := lookupFlag(cmd, name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// lookupFlag finds a flag on cmd whether or not cobra has merged the
// persistent flags yet.
func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f
	}
	if f := cmd.PersistentFlags().Lookup(name); f != nil {
		return f
	}
	return cmd.InheritedFlags().Lookup(name)
}

// mergeConfigFile merges the YAML config at path. A missing default file is
// not an error; a missing explicit one is.
func mergeConfigFile(v *viper.Viper, path string, explicit bool) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("stat config %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("merge config %s: %w", path, err)
	}
	return nil
}

func validateConfig(cfg Config) error {
	switch core.AuditLogLevel(cfg.Audit.Level) {
	case core.AuditLogLevelMinimal, core.AuditLogLevelStandard, core.AuditLogLevelVerbose:
	default:
		return fmt.Errorf("invalid audit level %q (minimal, standard, verbose)", cfg.Audit.Level)
	}
	if cfg.DebounceWindow < 0 {
		return fmt.Errorf("debounce_window must not be negative")
	}
	if cfg.BatchConcurrency < 0 {
		return fmt.Errorf("batch_concurrency must not be negative")
	}
	if cfg.HTTP.RateLimit < 0 {
		return fmt.Errorf("http.rate_limit must not be negative")
	}
	if cfg.Vault.TokenTTL < 0 {
		return fmt.Errorf("vault.token_ttl must not be negative")
	}
	return nil
}

// runtime holds everything a command needs and releases it on Close.
type runtime struct {
	cfg     Config
	logger  *log.Logger
	guard   *piiguard.Guard
	closers []func() error
}

func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openRuntime loads config and wires the store, logger, audit trail and
// Guard for one command invocation.
func openRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	opts := utils.DefaultLoggerOptions()
	opts.Level = cfg.Log.Level
	opts.JSON = cfg.Log.JSON
	opts.Output = cmd.ErrOrStderr()
	logger := utils.NewLogger(opts)

	rt := &runtime{cfg: cfg, logger: logger}

	enc, err := core.ParseEncryptionKeys(cfg.Vault.Key)
	if err != nil {
		return nil, fmt.Errorf("vault key: %w", err)
	}

	store, closeStore, err := openStore(cmd.Context(), cfg.Store)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		rt.closers = append(rt.closers, closeStore)
	}

	var audit *core.AuditTrail
	if cfg.Audit.File != "" {
		f, err := core.OpenAuditFile(cfg.Audit.File)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, f.Close)
		audit = core.NewAuditTrail(f, core.AuditLogLevel(cfg.Audit.Level))
	}

	var groups core.GroupResolver
	if len(cfg.Groups) > 0 {
		groups = core.StaticGroups(cfg.Groups)
	}

	rt.guard = piiguard.New(piiguard.Config{
		Store:            store,
		Logger:           logger,
		Audit:            audit,
		Groups:           groups,
		DebounceWindow:   cfg.DebounceWindow,
		SettingsTTL:      cfg.SettingsTTL,
		BatchConcurrency: cfg.BatchConcurrency,
		Encryptor:        enc,
		TokenTTL:         cfg.Vault.TokenTTL,
	})
	logger.Debug("runtime ready", "store", storeKind(cfg.Store), "vault_encrypted", enc != nil)
	return rt, nil
}

// openStore opens the backend named by dsn.
func openStore(ctx context.Context, dsn string) (kv.Store, func() error, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	switch storeKind(dsn) {
	case "memory":
		return kv.NewMemory(), nil, nil
	case "postgres":
		store, err := postgres.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return store, func() error { store.Close(); return nil }, nil
	default:
		store, err := sqlite.Open(strings.TrimPrefix(dsn, "sqlite:"))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
}

func storeKind(dsn string) string {
	switch {
	case dsn == "" || dsn == "memory":
		return "memory"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}
