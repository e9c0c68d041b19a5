package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type captured struct {
	path      string
	chatID    string
	caption   string
	text      string
	parseMode string
	photo     []byte
	filename  string
}

func newTelegramServer(t *testing.T, status int, body string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.path = r.URL.Path
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			f, hdr, err := r.FormFile("photo")
			if err == nil {
				c.photo, _ = io.ReadAll(f)
				c.filename = hdr.Filename
			}
		} else {
			_ = r.ParseForm()
		}
		c.chatID = r.FormValue("chat_id")
		c.caption = r.FormValue("caption")
		c.text = r.FormValue("text")
		c.parseMode = r.FormValue("parse_mode")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func newTestTelegram(t *testing.T, base string) *Telegram {
	t.Helper()
	tg, err := NewTelegram(Options{Token: "123:SECRET", ChatID: "-100200", APIBase: base, HTTPClient: http.DefaultClient})
	if err != nil {
		t.Fatal(err)
	}
	return tg
}

func TestSendPhoto(t *testing.T) {
	srv, c := newTelegramServer(t, http.StatusOK, `{"ok":true}`)
	tg := newTestTelegram(t, srv.URL)

	if err := tg.SendPhoto(context.Background(), "*caption*", "proof.jpg", []byte("jpegbytes")); err != nil {
		t.Fatalf("SendPhoto: %v", err)
	}
	if c.path != "/bot123:SECRET/sendPhoto" {
		t.Fatalf("path = %s", c.path)
	}
	if c.chatID != "-100200" || c.caption != "*caption*" || c.parseMode != "Markdown" {
		t.Fatalf("fields = %+v", c)
	}
	if string(c.photo) != "jpegbytes" || c.filename != "proof.jpg" {
		t.Fatalf("photo = %q (%s)", c.photo, c.filename)
	}
}

func TestSendMessage(t *testing.T) {
	srv, c := newTelegramServer(t, http.StatusOK, `{"ok":true}`)
	tg := newTestTelegram(t, srv.URL)

	if err := tg.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if c.path != "/bot123:SECRET/sendMessage" || c.text != "hello" || c.chatID != "-100200" {
		t.Fatalf("captured = %+v", c)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	srv, _ := newTelegramServer(t, http.StatusBadRequest, `{"ok":false,"description":"Bad Request: can't parse entities"}`)
	tg := newTestTelegram(t, srv.URL)

	err := tg.SendMessage(context.Background(), "x")
	if !errors.Is(err, ErrAPI) {
		t.Fatalf("err = %v, want ErrAPI", err)
	}
	if !strings.Contains(err.Error(), "can't parse entities") {
		t.Fatalf("err = %v, want description", err)
	}
}

func TestSend_NetworkErrorHidesToken(t *testing.T) {
	srv, _ := newTelegramServer(t, http.StatusOK, `{"ok":true}`)
	base := srv.URL
	srv.Close()

	err := newTestTelegram(t, base).SendMessage(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "SECRET") {
		t.Fatalf("error leaks token: %v", err)
	}
}

func TestNewTelegram_RequiresTokenAndChat(t *testing.T) {
	if _, err := NewTelegram(Options{Token: "x"}); err == nil {
		t.Fatal("expected error without chat id")
	}
}
