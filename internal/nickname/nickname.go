// Package nickname resolves in-game nicknames from a third-party lookup API
// so buyers can confirm they typed the right account id.
//
// The API is best effort. Timeouts, network failures and error responses all
// come back as an unavailable Result rather than an error.
package nickname

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/keithlinneman/topupstore/internal/log"
	"github.com/keithlinneman/topupstore/internal/otelx"
	"github.com/keithlinneman/topupstore/internal/version"
	"github.com/keithlinneman/topupstore/internal/xerrors"
)

const (
	DefaultBaseURL = "https://api.isan.eu.org/nickname/ml"
	DefaultTimeout = 5 * time.Second
)

var ErrMissingParams = errors.New("missing id or zone")

type Status string

const (
	StatusFound       Status = "found"
	StatusNotFound    Status = "not_found"
	StatusUnavailable Status = "unavailable"
)

type Result struct {
	Status   Status
	Nickname string
}

func (r Result) Available() bool { return r.Status == StatusFound }

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     log.Logger
}

type Client struct {
	baseURL string
	timeout time.Duration
	hc      *http.Client
	logger  log.Logger
}

func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = otelx.HTTPClient(0)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Client{baseURL: opts.BaseURL, timeout: opts.Timeout, hc: opts.HTTPClient, logger: opts.Logger}
}

// the api answers in a few shapes, the first non-empty field wins
type apiResponse struct {
	Nickname string `json:"nickname"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

func (a apiResponse) pick() string {
	for _, s := range []string{a.Nickname, a.Name, a.Username} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// Lookup resolves userID/zoneID. The only error is ErrMissingParams.
func (c *Client) Lookup(ctx context.Context, userID, zoneID string) (Result, error) {
	userID, zoneID = strings.TrimSpace(userID), strings.TrimSpace(zoneID)
	if userID == "" || zoneID == "" {
		return Result{}, xerrors.WithStack(ErrMissingParams)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		c.logger.Warn(ctx, "nickname api base url invalid", "err", err)
		return Result{Status: StatusUnavailable}, nil
	}
	q := u.Query()
	q.Set("id", userID)
	q.Set("zone", zoneID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{Status: StatusUnavailable}, nil
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.hc.Do(req)
	if err != nil {
		c.logger.Warn(ctx, "nickname api unavailable", "err", err)
		return Result{Status: StatusUnavailable}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn(ctx, "nickname api returned error", "status", resp.StatusCode)
		return Result{Status: StatusUnavailable}, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{Status: StatusUnavailable}, nil
	}
	var body apiResponse
	if err := sonic.Unmarshal(raw, &body); err != nil {
		c.logger.Warn(ctx, "nickname api returned invalid json", "err", err)
		return Result{Status: StatusUnavailable}, nil
	}

	if nick := body.pick(); nick != "" {
		return Result{Status: StatusFound, Nickname: nick}, nil
	}
	return Result{Status: StatusNotFound}, nil
}
