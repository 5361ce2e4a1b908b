package deps

import (
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrSnakeDoc/terafetch/internal/credentials"
	"github.com/MrSnakeDoc/terafetch/internal/fetch"
	"github.com/MrSnakeDoc/terafetch/internal/index"
	"github.com/MrSnakeDoc/terafetch/internal/links"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
	redisstore "github.com/MrSnakeDoc/terafetch/internal/store/redis"
)

type Deps struct {
	Logger       logger.Logger
	StartTime    time.Time
	Version      string
	Commit       string
	BuildDate    string
	GoVersion    string
	TimeNow      func() time.Time // for testing, defaults to time.Now
	AllowedCIDRS []string         // IPs allowed to reach the API
	TrustProxy   bool             // true if running behind a trusted reverse proxy (e.g., cloudflared)
	APIToken     string           // shared secret for /download and /file, empty disables auth
	RateBurst    int              // /download token bucket burst per IP
	RatePerMin   int              // /download token refill per IP per minute

	Links       links.Rules          // admission rules applied before any fetch
	Credentials *credentials.Pool    // cookie pool with per-credential cooldown
	Executor    *fetch.Executor      // runs the retrieval tool
	Slots       *semaphore.Weighted  // bounds concurrent fetches to Workers
	Workers     int                  // size of Slots
	MemoryIndex *index.MemoryIndex   // artifacts available for retrieval
	Store       *redisstore.Store    // nil when Redis is disabled
	DownloadDir string               // root of every served path
}
