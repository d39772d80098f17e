// Package config resolves daemon settings from the environment, an optional
// .env file and command-line flags, in increasing order of precedence.
package config

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/lotas/tabgruppen/internal/applog"
)

// Session value backends.
const (
	SessionBrowser = "browser" // values live with the native tab in the browser
	SessionLocal   = "local"   // values live in the local database
)

// Config holds the daemon settings.
type Config struct {
	Port    int
	DataDir string
	DBPath  string
	LogDir  string
	Debug   bool

	CatchDebounce     time.Duration
	StorageRetries    int
	StorageRetryDelay time.Duration
	SyncDelay         time.Duration
	CallTimeout       time.Duration

	// Extensions is the path of the external-extension whitelist.
	Extensions   string
	SessionStore string
}

// Load reads configuration from environment variables and an optional .env
// file in the working directory.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		applog.Debug("config.dotenv", "error", err)
	}

	dataDir := getEnvOrDefault("TABGRUPPEN_DATA_DIR", defaultDataDir())
	return &Config{
		Port:              getEnvIntOrDefault("TABGRUPPEN_PORT", 19191),
		DataDir:           dataDir,
		DBPath:            getEnvOrDefault("TABGRUPPEN_DB", filepath.Join(dataDir, "tabgruppen.db")),
		LogDir:            getEnvOrDefault("TABGRUPPEN_LOG_DIR", filepath.Join(dataDir, "logs")),
		Debug:             getEnvBoolOrDefault("TABGRUPPEN_DEBUG", false),
		CatchDebounce:     getEnvMillisOrDefault("TABGRUPPEN_CATCH_DEBOUNCE_MS", 100),
		StorageRetries:    getEnvIntOrDefault("TABGRUPPEN_STORAGE_RETRIES", 5),
		StorageRetryDelay: getEnvMillisOrDefault("TABGRUPPEN_STORAGE_RETRY_DELAY_MS", 200),
		SyncDelay:         getEnvMillisOrDefault("TABGRUPPEN_SYNC_DELAY_MS", 500),
		CallTimeout:       getEnvMillisOrDefault("TABGRUPPEN_CALL_TIMEOUT_MS", 10000),
		Extensions:        getEnvOrDefault("TABGRUPPEN_EXTENSIONS", filepath.Join(dataDir, "extensions.json")),
		SessionStore:      getEnvOrDefault("TABGRUPPEN_SESSION_STORE", SessionBrowser),
	}
}

// RegisterFlags binds the flag-overridable settings to fs. Defaults come
// from c, so call it after Load.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Port, "port", c.Port, "WebSocket port the extension connects to")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "SQLite database path")
	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "Directory for the rotating log file")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Log debug events")
	fs.StringVar(&c.Extensions, "extensions", c.Extensions, "External extension whitelist (JSON)")
	fs.StringVar(&c.SessionStore, "session-store", c.SessionStore, `Where tab and window values live: "browser" or "local"`)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabgruppen"
	}
	return filepath.Join(home, ".local", "share", "tabgruppen")
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvMillisOrDefault(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvIntOrDefault(key, defaultMillis)) * time.Millisecond
}
