// Package notify sends operator notifications to a Telegram chat.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keithlinneman/topupstore/internal/otelx"
	"github.com/keithlinneman/topupstore/internal/version"
	"github.com/keithlinneman/topupstore/internal/xerrors"
)

const DefaultAPIBase = "https://api.telegram.org"

// ErrAPI is returned when telegram answers with ok=false or a non-2xx status
var ErrAPI = errors.New("telegram api error")

type Options struct {
	Token   string
	ChatID  string
	APIBase string
	// HTTPClient defaults to a 15s client with otel instrumentation
	HTTPClient *http.Client
}

type Telegram struct {
	token   string
	chatID  string
	apiBase string
	hc      *http.Client
}

func NewTelegram(opts Options) (*Telegram, error) {
	if opts.Token == "" || opts.ChatID == "" {
		return nil, xerrors.New("telegram token and chat id are required")
	}
	if opts.APIBase == "" {
		opts.APIBase = DefaultAPIBase
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = otelx.HTTPClient(15 * time.Second)
	}
	return &Telegram{
		token:   opts.Token,
		chatID:  opts.ChatID,
		apiBase: strings.TrimRight(opts.APIBase, "/"),
		hc:      opts.HTTPClient,
	}, nil
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) SendMessage(ctx context.Context, text string) error {
	form := url.Values{
		"chat_id":    {t.chatID},
		"text":       {text},
		"parse_mode": {"Markdown"},
	}
	return t.call(ctx, "sendMessage", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

// SendPhoto uploads data as a photo with a Markdown caption
func (t *Telegram) SendPhoto(ctx context.Context, caption, filename string, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("chat_id", t.chatID)
	_ = mw.WriteField("caption", caption)
	_ = mw.WriteField("parse_mode", "Markdown")
	fw, err := mw.CreateFormFile("photo", filename)
	if err != nil {
		return xerrors.Wrap(err, "create photo part")
	}
	if _, err := fw.Write(data); err != nil {
		return xerrors.Wrap(err, "write photo part")
	}
	if err := mw.Close(); err != nil {
		return xerrors.Wrap(err, "close multipart body")
	}
	return t.call(ctx, "sendPhoto", mw.FormDataContentType(), &body)
}

func (t *Telegram) call(ctx context.Context, method, contentType string, body io.Reader) error {
	endpoint := t.apiBase + "/bot" + t.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		// the parse error would echo the token
		return xerrors.Newf("telegram %s: build request", method)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := t.hc.Do(req)
	if err != nil {
		// url.Error carries the request url, which contains the bot token
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return xerrors.Wrapf(err, "telegram %s", method)
	}
	defer resp.Body.Close()

	var out apiResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode/100 != 2 || !out.OK {
		desc := out.Description
		if desc == "" {
			desc = http.StatusText(resp.StatusCode)
		}
		return xerrors.Wrapf(ErrAPI, "telegram %s: status %d: %s", method, resp.StatusCode, desc)
	}
	return nil
}
