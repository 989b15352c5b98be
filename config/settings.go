package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/soporte-collab/informes-sub003/utils"
)

// UpstreamSettings configures the upstream POS/accounting API client and the
// paginated fetcher that drives it.
type UpstreamSettings struct {
	BaseURL         string        `validate:"required,url"`
	ClientID        string        `validate:"required"`
	ClientSecret    string        `validate:"required"`
	AuthPath        string        `validate:"required,startswith=/"`
	SearchPath      string        `validate:"required,startswith=/"`
	Nodes           []string      `validate:"dive,required"`
	PageSize        int           `validate:"gt=0,lte=1000"`
	PageBase        int           `validate:"oneof=0 1"`
	MaxPages        int           `validate:"gt=0"`
	ShortPageEnds   bool
	MaxRetries      int           `validate:"gte=0,lte=10"`
	RetryBackoff    time.Duration `validate:"gte=0"`
	RateLimitPerMin int           `validate:"gte=0"`
	UTCOffset       string        `validate:"required"`
	NodeConcurrency int           `validate:"gt=0"`
	HTTPTimeout     time.Duration `validate:"gt=0"`
}

type TunnelSettings struct {
	Timeout     time.Duration `validate:"gt=0"`
	Store       string        `validate:"oneof=memory redis"`
	Workers     int           `validate:"gt=0"`
	PubSubTopic string
	ResponseTTL time.Duration `validate:"gt=0"`
}

type CollectionSettings struct {
	Store  string `validate:"oneof=memory file gcs mysql redis"`
	Dir    string `validate:"required_if=Store file"`
	Bucket string `validate:"required_if=Store gcs"`
	Prefix string
}

type Settings struct {
	Upstream     UpstreamSettings
	Tunnel       TunnelSettings
	Collections  CollectionSettings
	SyncLookback time.Duration `validate:"gt=0"`
}

// LoadSettings reads the sync engine settings from the environment (.env is
// loaded by this package's init) and validates them.
func LoadSettings() (Settings, error) {
	s := Settings{
		Upstream: UpstreamSettings{
			BaseURL:         strings.TrimRight(utils.EnvString("UPSTREAM_BASE_URL", ""), "/"),
			ClientID:        os.Getenv("UPSTREAM_CLIENT_ID"),
			ClientSecret:    os.Getenv("UPSTREAM_CLIENT_SECRET"),
			AuthPath:        utils.EnvString("UPSTREAM_AUTH_PATH", "/oauth/token"),
			SearchPath:      utils.EnvString("UPSTREAM_SEARCH_PATH", "/v1/transactions/search"),
			Nodes:           utils.SplitAndTrim(os.Getenv("UPSTREAM_NODES")),
			PageSize:        utils.EnvInt("UPSTREAM_PAGE_SIZE", 100),
			PageBase:        utils.EnvInt("UPSTREAM_PAGE_BASE", 1),
			MaxPages:        utils.EnvInt("UPSTREAM_MAX_PAGES", 50),
			ShortPageEnds:   utils.EnvBool("UPSTREAM_SHORT_PAGE_ENDS", true),
			MaxRetries:      utils.EnvInt("UPSTREAM_MAX_RETRIES", 2),
			RetryBackoff:    time.Duration(utils.EnvInt("UPSTREAM_RETRY_BACKOFF_MS", 500)) * time.Millisecond,
			RateLimitPerMin: utils.EnvInt("UPSTREAM_RATE_LIMIT_PER_MIN", 60),
			UTCOffset:       utils.EnvString("UPSTREAM_UTC_OFFSET", "+00:00"),
			NodeConcurrency: utils.EnvInt("UPSTREAM_NODE_CONCURRENCY", 4),
			HTTPTimeout:     utils.EnvSeconds("UPSTREAM_HTTP_TIMEOUT_SECONDS", 30*time.Second),
		},
		Tunnel: TunnelSettings{
			Timeout:     utils.EnvSeconds("TUNNEL_TIMEOUT_SECONDS", 5*time.Minute),
			Store:       strings.ToLower(utils.EnvString("TUNNEL_STORE", "memory")),
			Workers:     utils.EnvInt("TUNNEL_WORKERS", 4),
			PubSubTopic: strings.TrimSpace(os.Getenv("TUNNEL_PUBSUB_TOPIC")),
			ResponseTTL: utils.EnvSeconds("TUNNEL_RESPONSE_TTL_SECONDS", 15*time.Minute),
		},
		Collections: CollectionSettings{
			Store:  strings.ToLower(utils.EnvString("COLLECTION_STORE", "file")),
			Dir:    utils.EnvString("COLLECTION_DIR", "data"),
			Bucket: strings.TrimSpace(os.Getenv("GCS_BUCKET")),
			Prefix: utils.EnvString("GCS_PREFIX", "collections"),
		},
		SyncLookback: time.Duration(utils.EnvInt("SYNC_LOOKBACK_DAYS", 30)) * 24 * time.Hour,
	}

	if err := utils.ValidateStruct(s); err != nil {
		return s, fmt.Errorf("invalid settings: %w", err)
	}
	if _, err := ParseUTCOffset(s.Upstream.UTCOffset); err != nil {
		return s, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// Location returns the fixed-offset zone every upstream timestamp is normalized to.
func (u UpstreamSettings) Location() *time.Location {
	loc, err := ParseUTCOffset(u.UTCOffset)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseUTCOffset parses "+HH:MM", "-HH:MM", "Z" or "UTC" into a fixed zone.
func ParseUTCOffset(raw string) (*time.Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "z") || strings.EqualFold(raw, "utc") {
		return time.UTC, nil
	}
	if len(raw) != 6 || (raw[0] != '+' && raw[0] != '-') || raw[3] != ':' {
		return nil, fmt.Errorf("utc offset %q: want +HH:MM", raw)
	}
	hours, err := strconv.Atoi(raw[1:3])
	if err != nil || hours > 14 {
		return nil, fmt.Errorf("utc offset %q: bad hours", raw)
	}
	minutes, err := strconv.Atoi(raw[4:6])
	if err != nil || minutes > 59 {
		return nil, fmt.Errorf("utc offset %q: bad minutes", raw)
	}
	secs := hours*3600 + minutes*60
	if raw[0] == '-' {
		secs = -secs
	}
	if secs == 0 {
		return time.UTC, nil
	}
	return time.FixedZone(raw, secs), nil
}
