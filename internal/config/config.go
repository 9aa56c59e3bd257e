package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentworkforce/drivesync/internal/clouddrive"
)

const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
	ModeHybrid  = "hybrid"
)

const (
	DefaultAddr              = ":8080"
	DefaultSyncInterval      = 5 * time.Minute
	DefaultMaxFileBytes      = 20 << 20
	DefaultStaleAfter        = time.Hour
	DefaultExtractionTimeout = 2 * time.Minute
	DefaultGeminiLocation    = "europe-west1"
)

type GeminiConfig struct {
	ProjectID string
	Location  string
	Model     string
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type OAuthApp struct {
	ClientID     string
	ClientSecret string
}

type Config struct {
	Addr                string
	StoreDSN            string
	ArchiveDSN          string
	SyncInterval        time.Duration
	SyncMode            string
	SupportedExtensions []string
	MaxFileBytes        int64
	JWTSecret           string
	OwnTaxID            string
	StaleAfter          time.Duration
	ExtractionTimeout   time.Duration
	RateLimitMax        int
	RateLimitWindow     time.Duration
	MaxBodyBytes        int64
	AllowedOrigins      []string

	Gemini            GeminiConfig
	OpenAI            OpenAIConfig
	Dropbox           OAuthApp
	GoogleDrive       OAuthApp
	DriveChannelToken string
}

// Load reads configuration from the environment. Values from envFiles are
// applied first without overriding variables that are already set; missing
// files are ignored.
func Load(logger *slog.Logger, envFiles ...string) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}
	env := envReader{logger: logger}
	cfg := Config{
		Addr:              env.str("DRIVESYNC_ADDR", DefaultAddr),
		StoreDSN:          env.str("DRIVESYNC_STORE_DSN", ""),
		ArchiveDSN:        env.str("DRIVESYNC_ARCHIVE_DSN", ""),
		SyncInterval:      env.durationValue("DRIVESYNC_SYNC_INTERVAL", DefaultSyncInterval),
		SyncMode:          strings.ToLower(env.str("DRIVESYNC_SYNC_MODE", ModeHybrid)),
		MaxFileBytes:      env.int64Value("DRIVESYNC_MAX_FILE_BYTES", DefaultMaxFileBytes),
		JWTSecret:         env.str("DRIVESYNC_JWT_SECRET", ""),
		OwnTaxID:          env.str("DRIVESYNC_OWN_TAX_ID", ""),
		StaleAfter:        env.durationValue("DRIVESYNC_STALE_AFTER", DefaultStaleAfter),
		ExtractionTimeout: env.durationValue("DRIVESYNC_EXTRACTION_TIMEOUT", DefaultExtractionTimeout),
		RateLimitMax:      env.intValue("DRIVESYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow:   env.durationValue("DRIVESYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:      env.int64Value("DRIVESYNC_MAX_BODY_BYTES", 0),
		AllowedOrigins:    splitList(env.str("DRIVESYNC_ALLOWED_ORIGINS", "")),
		Gemini: GeminiConfig{
			ProjectID: env.str("GEMINI_PROJECT_ID", ""),
			Location:  env.str("GEMINI_LOCATION", DefaultGeminiLocation),
			Model:     env.str("GEMINI_MODEL", ""),
		},
		OpenAI: OpenAIConfig{
			APIKey:  env.str("OPENAI_API_KEY", ""),
			Model:   env.str("OPENAI_MODEL", ""),
			BaseURL: env.str("OPENAI_BASE_URL", ""),
		},
		Dropbox: OAuthApp{
			ClientID:     env.str("DROPBOX_CLIENT_ID", ""),
			ClientSecret: env.str("DROPBOX_CLIENT_SECRET", ""),
		},
		GoogleDrive: OAuthApp{
			ClientID:     env.str("GOOGLE_CLIENT_ID", ""),
			ClientSecret: env.str("GOOGLE_CLIENT_SECRET", ""),
		},
		DriveChannelToken: env.str("GOOGLE_DRIVE_CHANNEL_TOKEN", ""),
	}
	cfg.SupportedExtensions = clouddrive.ParseExtensions(env.str("DRIVESYNC_SUPPORTED_EXTENSIONS", ""))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.SyncMode {
	case ModePolling, ModeWebhook, ModeHybrid:
	default:
		return fmt.Errorf("unsupported DRIVESYNC_SYNC_MODE: %s", c.SyncMode)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("DRIVESYNC_SYNC_INTERVAL must be positive, got %s", c.SyncInterval)
	}
	if c.MaxFileBytes <= 0 {
		return fmt.Errorf("DRIVESYNC_MAX_FILE_BYTES must be positive, got %d", c.MaxFileBytes)
	}
	return nil
}

func (c Config) PollingEnabled() bool {
	return c.SyncMode == ModePolling || c.SyncMode == ModeHybrid
}

func (c Config) WebhooksEnabled() bool {
	return c.SyncMode == ModeWebhook || c.SyncMode == ModeHybrid
}

type envReader struct {
	logger *slog.Logger
}

func (r envReader) str(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func (r envReader) intValue(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		r.logger.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (r envReader) int64Value(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.logger.Warn("invalid integer setting, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (r envReader) durationValue(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		r.logger.Warn("invalid duration setting, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
