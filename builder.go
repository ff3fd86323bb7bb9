package authgate

import (
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kervale/authgate/internal/audit"
	"github.com/kervale/authgate/internal/trackers"
	"github.com/kervale/authgate/jwt"
	"github.com/kervale/authgate/oauth"
	"github.com/kervale/authgate/password"
	"github.com/kervale/authgate/quota"
)

// Builder assembles an Engine. Chain WithX calls and finish with Build;
// Build is fail-fast and reports the first missing or invalid piece.
//
// Supplying a Redis client switches every shared concern (attempt
// trackers, challenge store, exchange cache, quota rows) to Redis-backed
// implementations unless an explicit store overrides it; without Redis
// the engine is single-instance and in-process.
type Builder struct {
	config        *Config
	redis         redis.UniversalClient
	accounts      AccountStore
	refreshTokens RefreshTokenStore
	challenges    ChallengeStore
	devices       TrustedDeviceStore
	backupCodes   BackupCodeStore
	notifier      Notifier
	auditSink     audit.Sink
	clock         Clock
	quotaRepo     quota.Repository
	exchangeCache oauth.ExchangeCache
	providers     []oauth.Provider
	oauthHTTP     *http.Client
}

func New() *Builder {
	return &Builder{}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = &cfg
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithAccountStore(store AccountStore) *Builder {
	b.accounts = store
	return b
}

func (b *Builder) WithRefreshTokenStore(store RefreshTokenStore) *Builder {
	b.refreshTokens = store
	return b
}

func (b *Builder) WithChallengeStore(store ChallengeStore) *Builder {
	b.challenges = store
	return b
}

func (b *Builder) WithTrustedDeviceStore(store TrustedDeviceStore) *Builder {
	b.devices = store
	return b
}

func (b *Builder) WithBackupCodeStore(store BackupCodeStore) *Builder {
	b.backupCodes = store
	return b
}

func (b *Builder) WithNotifier(notifier Notifier) *Builder {
	b.notifier = notifier
	return b
}

func (b *Builder) WithAuditSink(sink audit.Sink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

func (b *Builder) WithQuotaRepository(repo quota.Repository) *Builder {
	b.quotaRepo = repo
	return b
}

func (b *Builder) WithExchangeCache(cache oauth.ExchangeCache) *Builder {
	b.exchangeCache = cache
	return b
}

func (b *Builder) WithOAuthProviders(providers ...oauth.Provider) *Builder {
	b.providers = append(b.providers, providers...)
	return b
}

// WithOAuthHTTPClient overrides the HTTP client used for provider token
// and userinfo calls, for deployments behind an egress proxy or with
// pinned TLS roots.
func (b *Builder) WithOAuthHTTPClient(client *http.Client) *Builder {
	b.oauthHTTP = client
	return b
}

func (b *Builder) Build() (*Engine, error) {
	cfg := DefaultConfig()
	if b.config != nil {
		cfg = *b.config
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineNotReady, err)
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	if b.accounts == nil {
		return nil, fmt.Errorf("%w: account store required", ErrEngineNotReady)
	}
	if b.refreshTokens == nil {
		return nil, fmt.Errorf("%w: refresh token store required", ErrEngineNotReady)
	}

	challenges := b.challenges
	if challenges == nil {
		if b.redis == nil {
			return nil, fmt.Errorf("%w: challenge store required without redis", ErrEngineNotReady)
		}
		challenges = newRedisChallengeStore(b.redis, "chl", clock)
	}

	if cfg.TrustedDevice.Enabled && b.devices == nil {
		return nil, fmt.Errorf("%w: trusted device store required", ErrEngineNotReady)
	}

	hasher, err := password.NewArgon2(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineNotReady, err)
	}

	jwtCfg := cfg.JWT
	jwtCfg.Now = clock
	tokenManager, err := jwt.NewManager(jwtCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineNotReady, err)
	}

	var loginTracker, mfaTracker trackers.Tracker
	if b.redis != nil {
		loginTracker = trackers.NewRedisTracker(b.redis, "agt:")
		mfaTracker = trackers.NewRedisTracker(b.redis, "agt:")
	} else {
		shared := trackers.NewMemoryTracker(clock)
		loginTracker = shared
		mfaTracker = shared
	}

	quotaRepo := b.quotaRepo
	if quotaRepo == nil && cfg.Quota.Enabled {
		if b.redis != nil {
			quotaRepo = quota.NewRedisRepository(b.redis, "quota")
		} else {
			quotaRepo = quota.NewMemoryRepository()
		}
	}
	quotaLimiter, err := quota.NewLimiter(cfg.Quota, quotaRepo, clock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineNotReady, err)
	}

	var breach *password.BreachChecker
	if cfg.Breach.Enabled {
		policy := password.FailOpen
		if cfg.Breach.FailClosed {
			policy = password.FailClosed
		}
		breach, err = password.NewBreachChecker(password.BreachConfig{
			BaseURL:   cfg.Breach.BaseURL,
			Timeout:   cfg.Breach.Timeout,
			Policy:    policy,
			UserAgent: cfg.Breach.UserAgent,
		}, quotaLimiter)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEngineNotReady, err)
		}
	}

	var (
		registry      *oauth.Registry
		oauthClient   *oauth.Client
		exchangeCache oauth.ExchangeCache
	)
	if cfg.OAuth.Enabled {
		if len(b.providers) == 0 {
			return nil, fmt.Errorf("%w: oauth enabled without providers", ErrEngineNotReady)
		}
		registry, err = oauth.NewRegistry(b.providers...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEngineNotReady, err)
		}
		oauthClient = oauth.NewClient(cfg.OAuth.ClientTimeout, quotaLimiter).WithHTTPClient(b.oauthHTTP)

		exchangeCache = b.exchangeCache
		if exchangeCache == nil {
			if b.redis != nil {
				exchangeCache = oauth.NewRedisExchangeCache(b.redis, "oxc")
			} else {
				exchangeCache = oauth.NewMemoryExchangeCache(clock)
			}
		}
	}

	sink := b.auditSink
	if sink == nil {
		sink = audit.NoOpSink{}
	}
	dispatcher := audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, sink)

	return &Engine{
		config:          cfg,
		accounts:        b.accounts,
		refreshTokens:   b.refreshTokens,
		challenges:      challenges,
		devices:         b.devices,
		backupCodes:     b.backupCodes,
		notifier:        b.notifier,
		clock:           clock,
		hasher:          hasher,
		breach:          breach,
		tokens:          tokenManager,
		loginTracker:    loginTracker,
		mfaTracker:      mfaTracker,
		quota:           quotaLimiter,
		oauthRegistry:   registry,
		oauthClient:     oauthClient,
		exchangeCache:   exchangeCache,
		auditDispatcher: dispatcher,
		metrics:         NewMetrics(cfg.Metrics),
	}, nil
}
