package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// セッション永続化先の種別
const (
	SessionStoreFile     = "file"
	SessionStorePostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Remote service
	SupabaseURL     string
	SupabaseAnonKey string
	HTTPTimeout     time.Duration
	RemoteRateLimit float64 // req/sec

	// Session
	SessionStore            string
	SessionFile             string
	SessionProfileKey       string
	SessionRefreshThreshold time.Duration
	SessionRefreshInterval  time.Duration

	// Database（SESSION_STORE=postgres の場合のみ必須）
	DatabaseURL string

	// Realtime
	RealtimeMaxRetries int
	RealtimeRetryBase  time.Duration
	RealtimeRetryMax   time.Duration
	RealtimeHeartbeat  time.Duration

	// Rate Limit
	RateLimitGeneral int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string
	LoginPath  string

	// Cookie
	CookieSecure bool

	// CORS
	CORSAllowedOrigin string
}

// LoadDotEnv はカレントディレクトリの.envを読み込む。
// 既に設定済みの環境変数は上書きしない。ファイルが存在しない場合は何もしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.SupabaseURL = strings.TrimRight(os.Getenv("SUPABASE_URL"), "/")
	if cfg.SupabaseURL == "" {
		missing = append(missing, "SUPABASE_URL")
	}

	cfg.SupabaseAnonKey = os.Getenv("SUPABASE_ANON_KEY")
	if cfg.SupabaseAnonKey == "" {
		missing = append(missing, "SUPABASE_ANON_KEY")
	}

	cfg.SessionStore = getEnvString("SESSION_STORE", SessionStoreFile)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.SessionStore == SessionStorePostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.SessionStore != SessionStoreFile && cfg.SessionStore != SessionStorePostgres {
		return nil, fmt.Errorf("unsupported SESSION_STORE: %q (allowed: %s, %s)",
			cfg.SessionStore, SessionStoreFile, SessionStorePostgres)
	}

	// Optional fields with defaults
	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", 10*time.Second)
	cfg.RemoteRateLimit = getEnvFloat("REMOTE_RATE_LIMIT", 10)
	cfg.SessionFile = getEnvString("SESSION_FILE", ".todoshell/session.json")
	cfg.SessionProfileKey = getEnvString("SESSION_PROFILE_KEY", "default")
	cfg.SessionRefreshThreshold = getEnvDuration("SESSION_REFRESH_THRESHOLD", 60*time.Second)
	cfg.SessionRefreshInterval = getEnvDuration("SESSION_REFRESH_INTERVAL", 30*time.Second)
	cfg.RealtimeMaxRetries = getEnvInt("REALTIME_MAX_RETRIES", 5)
	cfg.RealtimeRetryBase = getEnvDuration("REALTIME_RETRY_BASE", 1*time.Second)
	cfg.RealtimeRetryMax = getEnvDuration("REALTIME_RETRY_MAX", 30*time.Second)
	cfg.RealtimeHeartbeat = getEnvDuration("REALTIME_HEARTBEAT", 30*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "3000")
	cfg.BaseURL = strings.TrimRight(getEnvString("BASE_URL", "http://localhost:"+cfg.ServerPort), "/")
	cfg.LoginPath = getEnvString("LOGIN_PATH", "/login")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.BaseURL)

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
