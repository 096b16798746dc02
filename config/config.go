package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/imap-backup/sink"
)

// EnvPrefix prefixes the environment variable of every flag, e.g.
// IMAP_BACKUP_IMAP_HOST.
const EnvPrefix = "IMAP_BACKUP"

// Config captures all command-line options required to run a backup.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	StartTLS           bool
	InsecureSkipVerify bool

	// Nil bounds are unset.
	SkipOlderThanDays   *int
	SkipYoungerThanDays *int
	IncludeFolders      []string
	ExcludeFolders      []string

	Format    sink.Format
	OutputDir string
	Delete    bool
	BatchSize int

	RetryFile string
	StateDir  string

	CatalogPath string
	UseKeyring  bool
	KeyringDir  string

	LogLevel  string
	LogFormat string
	LogDir    string
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultKeyringDir, err := defaultKeyringDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.SetNormalizeFunc(normalizeAliases)

	flags.String("config", "", "Config file (yaml, toml or json) with flag values")
	flags.String("imap-host", "", "IMAP server hostname (prompted when empty)")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP login (prompted when empty)")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var, the keyring, then a prompt)")
	flags.Bool("use-tls", true, "Use implicit TLS for the IMAP connection")
	flags.Bool("starttls", false, "Upgrade a plain connection with STARTTLS (overrides --use-tls)")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.Int("younger", 0, "Only archive messages younger than DAYS (alias --skip-older)")
	flags.Int("older", 0, "Only archive messages older than DAYS (alias --skip-younger)")
	flags.StringArray("include-folder", nil, "Regex allow-list applied to folder names (mutually exclusive with --exclude-folder)")
	flags.StringArray("exclude-folder", nil, "Regex block-list applied to folder names (mutually exclusive with --include-folder)")
	flags.String("format", string(sink.FormatDir), "Output format: dir, zip or mbox")
	flags.Bool("zip", false, "Write a single zip archive (same as --format zip)")
	flags.String("output", "output", "Root directory for backups")
	flags.Bool("delete", false, "Delete archived messages from the server")
	flags.Int("batch-size", 10, "Messages fetched per round trip")
	flags.String("retry", "", "Resume file of an aborted run; its folders are skipped")
	flags.String("state-dir", ".", "Directory for resume files")
	flags.String("catalog", "", "SQLite catalog of archived messages (disabled when empty)")
	flags.Bool("keyring", false, "Look up and store the password in the OS keyring")
	flags.String("keyring-dir", defaultKeyringDir, "Directory of the file keyring backend")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-format", "text", "Logging format: text, json, dev")
	flags.String("log-dir", "", "Directory for log files (stdout only when empty)")

	return nil
}

func normalizeAliases(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	switch name {
	case "skip-older":
		name = "younger"
	case "skip-younger":
		name = "older"
	}
	return pflag.NormalizedName(name)
}

// LoadConfig resolves the flags, IMAP_BACKUP_* environment variables and the
// optional config file into a validated Config. Flags win over the
// environment, which wins over the file.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	format := sink.Format(strings.ToLower(v.GetString("format")))
	if v.GetBool("zip") {
		if v.IsSet("format") && format != sink.FormatZip {
			return Config{}, fmt.Errorf("--zip conflicts with --format %s", format)
		}
		format = sink.FormatZip
	}

	imapPass := v.GetString("imap-pass")
	if imapPass == "" {
		imapPass = os.Getenv("IMAP_PASS")
	}

	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	startTLS := v.GetBool("starttls")

	cfg := Config{
		IMAPHost:            v.GetString("imap-host"),
		IMAPPort:            v.GetInt("imap-port"),
		IMAPUser:            v.GetString("imap-user"),
		IMAPPass:            imapPass,
		UseTLS:              v.GetBool("use-tls") && !startTLS,
		StartTLS:            startTLS,
		InsecureSkipVerify:  v.GetBool("insecure-skip-verify"),
		SkipOlderThanDays:   optionalInt(v, "younger"),
		SkipYoungerThanDays: optionalInt(v, "older"),
		IncludeFolders:      stringArray(v, flags, "include-folder"),
		ExcludeFolders:      stringArray(v, flags, "exclude-folder"),
		Format:              format,
		OutputDir:           v.GetString("output"),
		Delete:              v.GetBool("delete"),
		BatchSize:           v.GetInt("batch-size"),
		RetryFile:           v.GetString("retry"),
		StateDir:            filepath.Clean(v.GetString("state-dir")),
		CatalogPath:         v.GetString("catalog"),
		UseKeyring:          v.GetBool("keyring"),
		KeyringDir:          v.GetString("keyring-dir"),
		LogLevel:            logLevel,
		LogFormat:           strings.ToLower(v.GetString("log-format")),
		LogDir:              v.GetString("log-dir"),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func optionalInt(v *viper.Viper, key string) *int {
	if !v.IsSet(key) {
		return nil
	}
	n := v.GetInt(key)
	return &n
}

// stringArray reads repeated flags verbatim; viper would split them on commas.
func stringArray(v *viper.Viper, flags *pflag.FlagSet, name string) []string {
	if flags.Changed(name) {
		values, err := flags.GetStringArray(name)
		if err == nil {
			return values
		}
	}
	return v.GetStringSlice(name)
}

func validateConfig(cfg Config) error {
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	if cfg.SkipOlderThanDays != nil && *cfg.SkipOlderThanDays < 0 {
		return fmt.Errorf("--younger must not be negative")
	}
	if cfg.SkipYoungerThanDays != nil && *cfg.SkipYoungerThanDays < 0 {
		return fmt.Errorf("--older must not be negative")
	}
	if len(cfg.IncludeFolders) > 0 && len(cfg.ExcludeFolders) > 0 {
		return fmt.Errorf("--include-folder and --exclude-folder are mutually exclusive")
	}
	if _, err := sink.ParseFormat(string(cfg.Format)); err != nil {
		return fmt.Errorf("invalid --format: %w", err)
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("--batch-size must be positive")
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return errors.New("--output must not be empty")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "text", "json", "dev":
	default:
		return fmt.Errorf("invalid --log-format: %s", cfg.LogFormat)
	}

	return nil
}

func defaultKeyringDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "imap-backup", "keyring"), nil
}
