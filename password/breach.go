package password

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// FailurePolicy decides what a breach lookup failure means for the caller.
type FailurePolicy int

const (
	// FailOpen treats an unreachable breach service as "not breached".
	// Logins keep working through an outage.
	FailOpen FailurePolicy = iota
	// FailClosed treats an unreachable breach service as an error. Use it
	// where policy forbids accepting an unchecked password.
	FailClosed
)

// ErrBreachServiceUnavailable is returned under FailClosed when the range
// endpoint cannot be queried.
var ErrBreachServiceUnavailable = errors.New("breach service unavailable")

// QuotaGate limits outbound breach lookups. A nil gate means unlimited.
type QuotaGate interface {
	TryIncrement(ctx context.Context, api string) (bool, error)
}

// BreachConfig configures the k-anonymity range client.
type BreachConfig struct {
	BaseURL   string
	Timeout   time.Duration
	Policy    FailurePolicy
	UserAgent string
}

// BreachChecker queries a k-anonymity range endpoint. Only the first five
// hex characters of the SHA-1 ever leave the process; suffix matching
// happens locally.
type BreachChecker struct {
	config BreachConfig
	client *http.Client
	quota  QuotaGate
}

const breachQuotaAPI = "breach_range"

func NewBreachChecker(cfg BreachConfig, quota QuotaGate) (*BreachChecker, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("breach base URL required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &BreachChecker{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		quota:  quota,
	}, nil
}

// IsBreached reports how many times the password appears in the breach
// corpus. Lookup failures resolve per the configured policy: FailOpen
// logs the failure and returns (0, nil), FailClosed returns
// ErrBreachServiceUnavailable.
func (c *BreachChecker) IsBreached(ctx context.Context, password string) (int, error) {
	sum := sha1.Sum([]byte(password))
	digest := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix, suffix := digest[:5], digest[5:]

	count, err := c.queryRange(ctx, prefix, suffix)
	if err != nil {
		if c.config.Policy == FailClosed {
			return 0, fmt.Errorf("%w: %v", ErrBreachServiceUnavailable, err)
		}
		log.Printf("authgate: breach range lookup failed, password accepted unchecked: %v", err)
		return 0, nil
	}
	return count, nil
}

func (c *BreachChecker) queryRange(ctx context.Context, prefix, suffix string) (int, error) {
	if c.quota != nil {
		allowed, err := c.quota.TryIncrement(ctx, breachQuotaAPI)
		if err != nil {
			return 0, err
		}
		if !allowed {
			return 0, errors.New("breach lookup quota exhausted")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/range/"+prefix, nil)
	if err != nil {
		return 0, err
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("range endpoint returned %d", resp.StatusCode)
	}

	// Response body: one "SUFFIX:COUNT" entry per line for the prefix.
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		entrySuffix, countStr, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !strings.EqualFold(entrySuffix, suffix) {
			continue
		}
		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil {
			return 0, fmt.Errorf("malformed range entry: %q", line)
		}
		return count, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}

	return 0, nil
}
