// Package geo resolves client IPs to ISO country codes.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// IPInfo queries an ipinfo.io compatible endpoint: GET {base}/{ip}/json.
type IPInfo struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewIPInfo(baseURL, token string, timeout time.Duration) *IPInfo {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &IPInfo{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: timeout},
	}
}

type ipInfoResponse struct {
	Country string `json:"country"`
	Bogon   bool   `json:"bogon"`
}

// Country returns "" for private, loopback and unparsable addresses without
// calling out.
func (c *IPInfo) Country(ctx context.Context, ip string) (string, error) {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil || addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
		return "", nil
	}

	endpoint := fmt.Sprintf("%s/%s/json", c.baseURL, url.PathEscape(addr.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo lookup for %s: status %d", addr, resp.StatusCode)
	}

	var body ipInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode geo response: %w", err)
	}
	if body.Bogon {
		return "", nil
	}
	return strings.ToUpper(body.Country), nil
}

type Resolver interface {
	Country(ctx context.Context, ip string) (string, error)
}

// Cached fronts a Resolver with Redis. Unknown countries are cached too so
// bogons are not looked up again.
type Cached struct {
	next   Resolver
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

const unknownCountry = "-"

func NewCached(next Resolver, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Cached {
	return &Cached{next: next, client: client, ttl: ttl, logger: logger.With("component", "geo_cache")}
}

func (c *Cached) Country(ctx context.Context, ip string) (string, error) {
	key := "ledgerguard:geo:" + strings.TrimSpace(ip)
	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if cached == unknownCountry {
			return "", nil
		}
		return cached, nil
	case err != redis.Nil:
		c.logger.Warn("geo cache read failed", "ip", ip, "error", err)
	}

	country, err := c.next.Country(ctx, ip)
	if err != nil {
		return "", err
	}
	value := country
	if value == "" {
		value = unknownCountry
	}
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.logger.Warn("geo cache write failed", "ip", ip, "error", err)
	}
	return country, nil
}
