package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/soporte-collab/informes-sub003/config"
	"github.com/soporte-collab/informes-sub003/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("informes/upstream")

// TimestampLayout is the only timestamp format sent upstream: seconds
// precision with an explicit numeric offset.
const TimestampLayout = "2006-01-02T15:04:05-07:00"

type Options struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	AuthPath     string

	MaxRetries      int
	RetryBackoff    time.Duration
	RateLimitPerMin int
	Location        *time.Location

	HTTPClient *http.Client
	Lease      CredentialLease
	Logger     *logrus.Logger
}

// OptionsFromSettings maps the env-driven upstream settings onto client options.
func OptionsFromSettings(s config.UpstreamSettings) Options {
	return Options{
		BaseURL:         s.BaseURL,
		ClientID:        s.ClientID,
		ClientSecret:    s.ClientSecret,
		AuthPath:        s.AuthPath,
		MaxRetries:      s.MaxRetries,
		RetryBackoff:    s.RetryBackoff,
		RateLimitPerMin: s.RateLimitPerMin,
		Location:        s.Location(),
		HTTPClient:      &http.Client{Timeout: s.HTTPTimeout},
	}
}

// Client executes single logical requests against the upstream API with a
// cached bearer lease and bounded retry.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	authPath     string
	maxRetries   int
	backoff      time.Duration
	loc          *time.Location

	http    *http.Client
	limiter *rate.Limiter
	lease   CredentialLease
	logger  *logrus.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("upstream base url is empty")
	}
	if strings.TrimSpace(opts.ClientID) == "" || strings.TrimSpace(opts.ClientSecret) == "" {
		return nil, errors.New("upstream client id/secret is empty")
	}
	authPath := opts.AuthPath
	if authPath == "" {
		authPath = "/oauth/token"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimitPerMin > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RateLimitPerMin)), 1)
	}

	c := &Client{
		baseURL:      baseURL,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		authPath:     authPath,
		maxRetries:   opts.MaxRetries,
		backoff:      opts.RetryBackoff,
		loc:          loc,
		http:         httpClient,
		limiter:      limiter,
		lease:        opts.Lease,
		logger:       logger,
		sleep:        sleepCtx,
	}
	if c.lease == nil {
		c.lease = NewTokenLease(c.exchange)
	}
	return c, nil
}

// Location is the fixed offset all outgoing timestamps use.
func (c *Client) Location() *time.Location {
	return c.loc
}

// FormatTimestamp renders t in the client's fixed offset.
func (c *Client) FormatTimestamp(t time.Time) string {
	return FormatTimestamp(t, c.loc)
}

func FormatTimestamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(TimestampLayout)
}

// Authenticate returns the current lease, exchanging credentials if needed.
func (c *Client) Authenticate(ctx context.Context) (Lease, error) {
	return c.lease.Acquire(ctx)
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   json.Number `json:"expires_in"`
}

func (c *Client) exchange(ctx context.Context) (Lease, error) {
	body, err := json.Marshal(tokenRequest{
		GrantType:    "client_credentials",
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
	})
	if err != nil {
		return Lease{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Lease{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.authPath, bytes.NewReader(body))
	if err != nil {
		return Lease{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Lease{}, &Error{Kind: KindTransient, Op: "authenticate", Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := kindForStatus(resp.StatusCode)
		if kind == KindClient {
			// A rejected credential exchange is an auth failure whatever 4xx the provider picks.
			kind = KindAuth
		}
		return Lease{}, &Error{Kind: kind, Op: "authenticate", Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Lease{}, &Error{Kind: KindDecode, Op: "authenticate", Status: resp.StatusCode, Err: err}
	}
	if strings.TrimSpace(parsed.AccessToken) == "" {
		return Lease{}, &Error{Kind: KindAuth, Op: "authenticate", Status: resp.StatusCode, Message: "empty access token"}
	}
	ttl := time.Hour
	if secs, err := parsed.ExpiresIn.Int64(); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	c.logger.WithFields(logrus.Fields{"field": "upstream", "ttl": ttl.String()}).Info("credential lease acquired")
	return Lease{Token: parsed.AccessToken, ObtainedAt: time.Now(), TTL: ttl}, nil
}

// Request is one logical upstream call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

type Reply struct {
	Status int
	Body   []byte
}

// Call executes req. Transient failures are retried up to MaxRetries times
// with linearly increasing backoff. A 401 invalidates the lease and is
// retried once with a fresh credential; auth and client failures otherwise
// propagate immediately.
func (c *Client) Call(ctx context.Context, req Request) (*Reply, error) {
	ctx, span := tracer.Start(ctx, "upstream.Call")
	defer span.End()
	span.SetAttributes(attribute.String("upstream.path", req.Path))
	if target, ok := utils.GetTargetFromContext(ctx); ok && target != "" {
		span.SetAttributes(attribute.String("tunnel.target", target))
	}

	reauthed := false
	attempt := 0
	for {
		reply, token, err := c.attempt(ctx, req)
		if err == nil {
			return reply, nil
		}

		var ue *Error
		if errors.As(err, &ue) && ue.Kind == KindAuth && ue.Status == http.StatusUnauthorized && ue.Op == "call" && !reauthed {
			reauthed = true
			c.lease.Invalidate(token)
			continue
		}
		if !IsRetryable(err) || attempt >= c.maxRetries || ctx.Err() != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		attempt++
		wait := time.Duration(attempt) * c.backoff
		fields := utils.LogFields(ctx, "upstream")
		fields["path"] = req.Path
		fields["attempt"] = attempt
		fields["wait"] = wait.String()
		c.logger.WithFields(fields).Warn("retrying upstream call: " + err.Error())
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// Do calls and decodes the JSON reply into out, keeping numbers as json.Number.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	reply, err := c.Call(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(reply.Body) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(reply.Body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &Error{Kind: KindDecode, Op: "call", Status: reply.Status, Err: err}
	}
	return nil
}

// attempt sends req once and also returns the bearer token it used.
func (c *Client) attempt(ctx context.Context, req Request) (*Reply, string, error) {
	lease, err := c.lease.Acquire(ctx)
	if err != nil {
		return nil, "", err
	}
	token := lease.Token
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, token, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	endpoint := c.baseURL + req.Path
	if len(req.Query) > 0 {
		endpoint = endpoint + "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, token, fmt.Errorf("encode upstream request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, token, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+lease.Token)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, token, ctx.Err()
		}
		return nil, token, &Error{Kind: KindTransient, Op: "call", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, token, &Error{Kind: KindTransient, Op: "call", Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, token, &Error{
			Kind:    kindForStatus(resp.StatusCode),
			Op:      "call",
			Status:  resp.StatusCode,
			Message: truncate(strings.TrimSpace(string(raw)), 512),
		}
	}
	return &Reply{Status: resp.StatusCode, Body: raw}, token, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
