package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the relay worker.
type Profile struct {
	// Telegram transport configuration
	TelegramAPIToken string // Bot token from @BotFather
	AllowedChatIDs   []int64
	FilterExpr       string // CEL expression gating inbound updates (empty admits all)
	ParseMode        string // Outbound parse mode: "" (plain) or "HTML"

	// Assistant backend configuration (OpenAI-compatible protocol)
	// All providers (opencode, openai, deepseek, openrouter, ollama) use the same config
	BackendProvider string // Provider identifier
	BackendAPIKey   string
	BackendBaseURL  string // Optional, has default per provider
	BackendModel    string

	// Relay pipeline knobs, all durations in milliseconds
	PollIntervalMs        int
	SessionIdleTimeoutMs  int
	SessionMaxConcurrent  int
	SessionRetryAttempts  int
	RelayTimeoutMs        int
	ProgressFirstMs       int
	ProgressEveryMs       int
	ProgressMaxCount      int
	MaxConcurrentTopics   int
	SemaphoreMaxQueueSize int
	DefaultWorkspacePath  string

	// Startup announcement target, zero values mean disabled
	StartupAnnounceChatID   int64
	StartupAnnounceThreadID int

	// Storage and ops server
	Mode    string
	Driver  string
	DSN     string
	Data    string
	Addr    string
	Port    int
	Version string
}

// Provider default configurations for the assistant backend.
// Used when COURIER_AI_BASE_URL is not explicitly set.
var backendProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"opencode": {
		BaseURL: "http://localhost:4096/v1",
		Model:   "default",
	},
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-5.2",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultInt64 returns environment variable value as int64 or default value.
func getEnvOrDefaultInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// parseChatIDList parses a comma-separated list of chat ids, skipping blanks
// and malformed entries.
func parseChatIDList(raw string) []int64 {
	if raw == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			slog.Warn("ignoring malformed chat id in allowlist", "value", part)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	// Telegram transport
	p.TelegramAPIToken = getEnvOrDefault("COURIER_TELEGRAM_API_TOKEN", "")
	p.AllowedChatIDs = parseChatIDList(getEnvOrDefault("COURIER_ALLOWED_CHAT_IDS", ""))
	p.FilterExpr = getEnvOrDefault("COURIER_FILTER_EXPR", "")
	p.ParseMode = getEnvOrDefault("COURIER_PARSE_MODE", "")

	// Assistant backend
	p.BackendProvider = getEnvOrDefault("COURIER_AI_PROVIDER", "opencode")
	p.BackendAPIKey = getEnvOrDefault("COURIER_AI_API_KEY", "")
	p.BackendBaseURL = getEnvOrDefault("COURIER_AI_BASE_URL", "")
	p.BackendModel = getEnvOrDefault("COURIER_AI_MODEL", "")

	// Validate and apply provider defaults if not explicitly set
	if p.BackendProvider != "" {
		if _, ok := backendProviderDefaults[p.BackendProvider]; !ok {
			slog.Warn("Unknown backend provider, using default: opencode", "provider", p.BackendProvider)
			p.BackendProvider = "opencode"
		}
	}
	if p.BackendBaseURL == "" || p.BackendModel == "" {
		if defaults, ok := backendProviderDefaults[p.BackendProvider]; ok {
			if p.BackendBaseURL == "" {
				p.BackendBaseURL = defaults.BaseURL
			}
			if p.BackendModel == "" {
				p.BackendModel = defaults.Model
			}
		}
	}

	// Relay pipeline knobs. RELAY_TIMEOUT_MS is honored without the prefix as
	// well; the timeout notice shown to users names that variable.
	p.PollIntervalMs = getEnvOrDefaultInt("COURIER_POLL_INTERVAL_MS", 2000)
	p.SessionIdleTimeoutMs = getEnvOrDefaultInt("COURIER_SESSION_IDLE_TIMEOUT_MS", 45*60*1000)
	p.SessionMaxConcurrent = getEnvOrDefaultInt("COURIER_SESSION_MAX_CONCURRENT", 5)
	p.SessionRetryAttempts = getEnvOrDefaultInt("COURIER_SESSION_RETRY_ATTEMPTS", 1)
	p.RelayTimeoutMs = getEnvOrDefaultInt("COURIER_RELAY_TIMEOUT_MS", getEnvOrDefaultInt("RELAY_TIMEOUT_MS", 300000))
	p.ProgressFirstMs = getEnvOrDefaultInt("COURIER_PROGRESS_FIRST_MS", 10000)
	p.ProgressEveryMs = getEnvOrDefaultInt("COURIER_PROGRESS_EVERY_MS", 30000)
	p.ProgressMaxCount = getEnvOrDefaultInt("COURIER_PROGRESS_MAX_COUNT", 3)
	p.MaxConcurrentTopics = getEnvOrDefaultInt("COURIER_MAX_CONCURRENT_TOPICS", 3)
	p.SemaphoreMaxQueueSize = getEnvOrDefaultInt("COURIER_SEMAPHORE_MAX_QUEUE_SIZE", 100)

	p.DefaultWorkspacePath = getEnvOrDefault("COURIER_DEFAULT_WORKSPACE_PATH", "")
	if p.DefaultWorkspacePath == "" {
		if wd, err := os.Getwd(); err == nil {
			p.DefaultWorkspacePath = wd
		} else {
			p.DefaultWorkspacePath = "."
		}
	}

	// Startup announcement
	p.StartupAnnounceChatID = getEnvOrDefaultInt64("COURIER_STARTUP_ANNOUNCE_CHAT_ID", 0)
	p.StartupAnnounceThreadID = getEnvOrDefaultInt("COURIER_STARTUP_ANNOUNCE_THREAD_ID", 0)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "courier")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/courier"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}

	p.Data = dataDir
	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("courier_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}

	if p.SessionMaxConcurrent < 1 {
		return errors.Errorf("session max concurrent must be at least 1, got %d", p.SessionMaxConcurrent)
	}
	if p.MaxConcurrentTopics < 1 {
		return errors.Errorf("max concurrent topics must be at least 1, got %d", p.MaxConcurrentTopics)
	}
	if p.SemaphoreMaxQueueSize < 0 {
		return errors.Errorf("semaphore max queue size must not be negative, got %d", p.SemaphoreMaxQueueSize)
	}

	return nil
}
