// Package netatmo is a small client for the Netatmo weather station API.
package netatmo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	logx "atmobot/pkg/logx"
)

const (
	DefaultBaseURL = "https://api.netatmo.com"
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 8 << 20
)

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Scopes       Scopes
	TokenFile    string
	// RequestInterval is the minimum gap between API requests. Zero disables pacing.
	RequestInterval time.Duration
	Timeout         time.Duration
	// HTTPClient overrides the base client (tests). Its transport is used as-is.
	HTTPClient *http.Client
	Logger     logx.Logger
}

type Client struct {
	cfg     Config
	oauth   *oauth2.Config
	base    *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	mu  sync.RWMutex
	api *http.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("netatmo: client_id and client_secret are required")
	}
	if strings.TrimSpace(cfg.TokenFile) == "" {
		return nil, errors.New("netatmo: oauth_token_file is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = Scopes{ScopeReadStation}
	}
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}

	base := cfg.HTTPClient
	if base == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if err := http2.ConfigureTransport(tr); err != nil {
			return nil, fmt.Errorf("netatmo: http2 transport: %w", err)
		}
		base = &http.Client{Transport: tr, Timeout: cfg.Timeout}
	}

	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestInterval > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.RequestInterval), 1)
	}

	c := &Client{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes.Strings(),
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.BaseURL + "/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		base:    base,
		limiter: lim,
		log:     log,
	}

	tok, err := loadToken(cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	if tok != nil {
		c.useToken(tok)
	}
	return c, nil
}

// HasToken reports whether API calls can be authenticated.
func (c *Client) HasToken() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.api != nil
}

// Authorize performs the initial password grant and persists the token.
func (c *Client) Authorize(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return errors.New("netatmo: username and password are required for authorization")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	tok, err := c.oauth.PasswordCredentialsToken(c.baseContext(ctx), username, password)
	if err != nil {
		return fmt.Errorf("netatmo: authorize: %w", err)
	}
	if err := saveToken(c.cfg.TokenFile, tok); err != nil {
		return err
	}
	c.useToken(tok)
	c.log.Info("oauth token acquired", logx.String("token_file", c.cfg.TokenFile), logx.Time("expiry", tok.Expiry))
	return nil
}

func (c *Client) baseContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.base)
}

func (c *Client) useToken(tok *oauth2.Token) {
	// Refreshes outlive any single request, so they use a background context.
	bg := c.baseContext(context.Background())
	src := &persistingSource{
		src:  c.oauth.TokenSource(bg, tok),
		path: c.cfg.TokenFile,
		log:  c.log,
		last: tok.AccessToken,
	}
	api := oauth2.NewClient(bg, src)
	api.Timeout = c.cfg.Timeout

	c.mu.Lock()
	c.api = api
	c.mu.Unlock()
}

// StationsData lists the user's stations, optionally including favorites.
func (c *Client) StationsData(ctx context.Context, getFavorites bool) ([]Device, error) {
	form := url.Values{}
	form.Set("get_favorites", strconv.FormatBool(getFavorites))
	var body stationsBody
	if err := c.post(ctx, "/api/getstationsdata", form, &body); err != nil {
		return nil, err
	}
	return body.Devices, nil
}

// Measure fetches raw measurements, oldest first.
func (c *Client) Measure(ctx context.Context, req MeasureRequest) ([]MeasurePoint, error) {
	if req.DeviceID == "" || len(req.Types) == 0 {
		return nil, errors.New("netatmo: measure needs a device id and at least one type")
	}
	form := url.Values{}
	form.Set("device_id", req.DeviceID)
	if req.ModuleID != "" && req.ModuleID != req.DeviceID {
		form.Set("module_id", req.ModuleID)
	}
	form.Set("scale", "max")
	form.Set("type", strings.Join(req.Types, ","))
	if !req.DateBegin.IsZero() {
		form.Set("date_begin", strconv.FormatInt(req.DateBegin.Unix(), 10))
	}
	if !req.DateEnd.IsZero() {
		form.Set("date_end", strconv.FormatInt(req.DateEnd.Unix(), 10))
	}
	limit := req.Limit
	if limit <= 0 || limit > MaxMeasureLimit {
		limit = MaxMeasureLimit
	}
	form.Set("limit", strconv.Itoa(limit))
	form.Set("optimize", "false")
	form.Set("real_time", "false")

	var body map[string][]*float64
	if err := c.post(ctx, "/api/getmeasure", form, &body); err != nil {
		return nil, err
	}
	out := make([]MeasurePoint, 0, len(body))
	for k, vals := range body {
		ts, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("netatmo: getmeasure: bad timestamp %q", k)
		}
		out = append(out, MeasurePoint{Time: time.Unix(ts, 0).UTC(), Values: vals})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	c.mu.RLock()
	api := c.api
	c.mu.RUnlock()
	if api == nil {
		return ErrNoToken
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := api.Do(req)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			return &APIError{Status: status, Message: "token refresh failed: " + strings.TrimSpace(string(re.Body))}
		}
		return fmt.Errorf("netatmo: %s: %w", path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("netatmo: %s: read body: %w", path, err)
	}
	c.log.Debug("api request",
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	var env envelope
	decErr := json.Unmarshal(b, &env)
	if env.Error != nil {
		return &APIError{Code: env.Error.Code, Message: env.Error.Message, Status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	if decErr != nil {
		return fmt.Errorf("netatmo: %s: decode: %w", path, decErr)
	}
	if out == nil || len(env.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Body, out); err != nil {
		return fmt.Errorf("netatmo: %s: decode body: %w", path, err)
	}
	return nil
}
