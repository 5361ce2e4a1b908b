package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 30s, how long in-flight jobs may drain

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	// Fetching
	DownloadDir     string        // per-job subdirectories are created here
	CredentialDir   string        // cookie files (+ optional credentials.yaml)
	CredentialsFile string        // manifest path, defaults to <CredentialDir>/credentials.yaml
	LinkRulesFile   string        // optional yaml overriding link detection/normalization rules
	Cooldown        time.Duration // credential reuse cooldown (default 90s)
	Workers         int           // W, concurrent jobs per process
	ToolBinary      string        // external retrieval tool (yt-dlp)
	ToolUserAgent   string        // identity string presented to the remote site
	ToolRetries     int           // --retries
	ToolFragRetries int           // --fragment-retries
	ToolSocketTO    time.Duration // --socket-timeout
	MergeFormat     string        // --merge-output-format

	// Backend
	APIToken          string        // optional shared secret required on /download and /file
	AllowedCIDRS      []string      // optional, restrict access to specific IPs/CIDRs
	TrustProxy        bool          // true => trust X-Forwarded-For headers
	RateBurst         int           // token bucket burst per IP for /download
	RatePerMin        int           // token refill per IP per minute
	ArtifactRetention time.Duration // backend copies older than this are garbage collected
	GCInterval        time.Duration // interval between garbage collection runs

	// Redis (optional: empty address = memory only)
	RedisAddr           string
	RedisUser           string
	RedisPassword       string
	RedisDB             int
	RedisDT             time.Duration
	RedisRT             time.Duration
	RedisWT             time.Duration
	RedisMaxWait        time.Duration
	RedisPingTimeout    time.Duration
	RedisPoolSize       int
	RedisConnectTimeout time.Duration
	RedisRetryInterval  time.Duration
	RedisWarnThreshold  int

	// Bot (requester)
	BotToken         string        // chat API token
	AdminID          int64         // chat user id of the administrator
	Mode             string        // "remote" (trigger/retrieve via backend) | "local" (fetch in-process)
	BackendURL       string        // base URL of the backend process
	TransferTimeout  time.Duration // long timeout for trigger and retrieve (default 30m)
	UsersFile        string        // persisted authorization store
	ProgressInterval time.Duration // minimum delay between two status edits
	PollTimeout      time.Duration // long polling timeout for chat updates
	UploadLimitMB    int           // largest file the chat API accepts, 0 = no check
	BotDownloadDir   string        // retrieved copies waiting for upload (remote mode)
}

const (
	ModeRemote = "remote"
	ModeLocal  = "local"
)

func Load() *Config {
	// A missing .env is fine, the environment may be set by the supervisor.
	_ = godotenv.Load()

	credDir := getenv("TERAFETCH_CREDENTIAL_DIR", "./cookies")

	cfg := &Config{
		// Server settings
		ListenPort:      getenv("TERAFETCH_LISTEN_PORT", ":8080"),
		ShutdownTimeout: mustDuration("TERAFETCH_SHUTDOWN_TIMEOUT", 30*time.Second),

		// Logging
		LogLevel:  getenv("TERAFETCH_LOG_LEVEL", "info"),
		PrettyLog: mustBool("TERAFETCH_PRETTY_LOG", true),

		// Fetching
		DownloadDir:     getenv("TERAFETCH_DOWNLOAD_DIR", "./downloads"),
		CredentialDir:   credDir,
		CredentialsFile: getenv("TERAFETCH_CREDENTIALS_FILE", credDir+"/credentials.yaml"),
		LinkRulesFile:   getenv("TERAFETCH_LINK_RULES", ""),
		Cooldown:        mustDuration("TERAFETCH_COOLDOWN", 90*time.Second),
		Workers:         getenvInt("TERAFETCH_WORKERS", 3),
		ToolBinary:      getenv("TERAFETCH_TOOL", "yt-dlp"),
		ToolUserAgent:   getenv("TERAFETCH_TOOL_USER_AGENT", "Mozilla/5.0"),
		ToolRetries:     getenvInt("TERAFETCH_TOOL_RETRIES", 3),
		ToolFragRetries: getenvInt("TERAFETCH_TOOL_FRAGMENT_RETRIES", 2),
		ToolSocketTO:    mustDuration("TERAFETCH_TOOL_SOCKET_TIMEOUT", 120*time.Second),
		MergeFormat:     getenv("TERAFETCH_MERGE_FORMAT", "mp4"),

		// Backend
		APIToken:          getenv("TERAFETCH_API_TOKEN", ""),
		AllowedCIDRS:      parseAllowedIPs(getenv("TERAFETCH_ALLOWED_CIDRS", "")),
		TrustProxy:        mustBool("TERAFETCH_TRUST_PROXY", false),
		RateBurst:         getenvInt("TERAFETCH_RATE_BURST", 10),
		RatePerMin:        getenvInt("TERAFETCH_RATE_PER_MIN", 30),
		ArtifactRetention: mustDuration("TERAFETCH_ARTIFACT_RETENTION", 6*time.Hour),
		GCInterval:        mustDuration("TERAFETCH_GC_INTERVAL", 15*time.Minute),

		// Redis settings
		RedisAddr:           getenv("TERAFETCH_REDIS_ADDR", ""),
		RedisUser:           getenv("TERAFETCH_REDIS_USERNAME", ""),
		RedisPassword:       getenv("TERAFETCH_REDIS_PASSWORD", ""),
		RedisDB:             getenvInt("TERAFETCH_REDIS_DB", 0),
		RedisDT:             mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:             mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:             mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:        mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:    mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:       getenvInt("REDIS_POOL_SIZE", 10),
		RedisConnectTimeout: mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:  mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:  getenvInt("REDIS_WARN_THRESHOLD", 3),

		// Bot
		BotToken:         getenv("TERAFETCH_BOT_TOKEN", ""),
		AdminID:          getenvInt64("TERAFETCH_ADMIN_ID", 0),
		Mode:             strings.ToLower(getenv("TERAFETCH_MODE", ModeRemote)),
		BackendURL:       strings.TrimRight(getenv("TERAFETCH_BACKEND_URL", "http://localhost:8080"), "/"),
		TransferTimeout:  mustDuration("TERAFETCH_TRANSFER_TIMEOUT", 30*time.Minute),
		UsersFile:        getenv("TERAFETCH_USERS_FILE", "./data/users.json"),
		ProgressInterval: mustDuration("TERAFETCH_PROGRESS_INTERVAL", 3*time.Second),
		PollTimeout:      mustDuration("TERAFETCH_POLL_TIMEOUT", 50*time.Second),
		UploadLimitMB:    getenvInt("TERAFETCH_UPLOAD_LIMIT_MB", 50),
		BotDownloadDir:   getenv("TERAFETCH_BOT_DOWNLOAD_DIR", "./downloads/bot"),
	}

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		cfgCopy.RedisPassword = redact(cfg.RedisPassword)
		cfgCopy.BotToken = redact(cfg.BotToken)
		cfgCopy.APIToken = redact(cfg.APIToken)
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// ValidateBot checks the settings only the requester process needs.
func (c *Config) ValidateBot() error {
	var errs []error
	if c.BotToken == "" {
		errs = append(errs, errors.New("TERAFETCH_BOT_TOKEN is required"))
	}
	if c.AdminID == 0 {
		errs = append(errs, errors.New("TERAFETCH_ADMIN_ID is required"))
	}
	switch c.Mode {
	case ModeRemote:
		if c.BackendURL == "" {
			errs = append(errs, errors.New("TERAFETCH_BACKEND_URL is required in remote mode"))
		}
	case ModeLocal:
	default:
		errs = append(errs, fmt.Errorf("TERAFETCH_MODE must be %q or %q, got %q", ModeRemote, ModeLocal, c.Mode))
	}
	return errors.Join(errs...)
}

func redact(v string) string {
	if v == "" {
		return ""
	}
	return "***REDACTED***"
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
