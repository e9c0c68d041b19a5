package log

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type slogLogger struct {
	h     slog.Handler
	attrs []slog.Attr
	errs  errorFormat
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	stackLevel := opts.StacktraceLevel
	if stackLevel == 0 {
		stackLevel = slog.LevelError
	}

	hopts := &slog.HandlerOptions{Level: opts.Level, AddSource: true, ReplaceAttr: redact}
	var h slog.Handler = slog.NewTextHandler(w, hopts)
	if opts.JSON {
		h = slog.NewJSONHandler(w, hopts)
	}

	base := []slog.Attr{slog.String("app", opts.App)}
	for _, a := range []slog.Attr{slog.String("version", opts.Version), slog.String("component", opts.Component)} {
		if a.Value.String() != "" {
			base = append(base, a)
		}
	}

	errs := errorFormat{links: opts.IncludeErrorLinks, maxLinks: opts.MaxErrorLinks}
	if errs.maxLinks <= 0 {
		errs.maxLinks = 8
	}
	return &slogLogger{
		h:     enricher{next: h, stackLevel: stackLevel},
		attrs: base,
		errs:  errs,
	}, nil
}

// kvAttrs pairs up kv, dropping pairs whose key is not a string
func kvAttrs(kv []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out = append(out, slog.Any(k, kv[i+1]))
		}
	}
	return out
}

func (s *slogLogger) With(kv ...any) Logger {
	add := kvAttrs(kv)
	// loggers are shared across request goroutines, so never append in place
	attrs := make([]slog.Attr, 0, len(s.attrs)+len(add))
	attrs = append(append(attrs, s.attrs...), add...)
	return &slogLogger{h: s.h, attrs: attrs, errs: s.errs}
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.write(ctx, slog.LevelDebug, msg, kvAttrs(kv))
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.write(ctx, slog.LevelInfo, msg, kvAttrs(kv))
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.write(ctx, slog.LevelWarn, msg, kvAttrs(kv))
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	attrs := kvAttrs(kv)
	if err != nil {
		attrs = append(attrs, s.errs.attrs(err)...)
	}
	s.write(ctx, slog.LevelError, msg, attrs)
}

func (s *slogLogger) Sync() error { return nil }

func (s *slogLogger) write(ctx context.Context, lvl slog.Level, msg string, attrs []slog.Attr) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	// the source is whoever called Info/Warn/...: skip Callers, write and
	// the level method
	var pc [1]uintptr
	runtime.Callers(3, pc[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pc[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(attrs...)
	_ = s.h.Handle(ctx, r)
}

// enricher adds trace and span ids for sampled or unsampled spans alike,
// and a stack on records at or above stackLevel. The stack comes from the
// logged error when xerrors captured one, otherwise from the log call.
type enricher struct {
	next       slog.Handler
	stackLevel slog.Level
}

func (h enricher) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h enricher) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if r.Level >= h.stackLevel {
		pcs := recordErrorStack(r)
		if len(pcs) == 0 {
			pcs = make([]uintptr, 64)
			pcs = pcs[:runtime.Callers(3, pcs)]
		}
		r.AddAttrs(slog.String("stack", renderPCs(pcs)))
	}
	return h.next.Handle(ctx, r)
}

func (h enricher) WithAttrs(attrs []slog.Attr) slog.Handler {
	return enricher{next: h.next.WithAttrs(attrs), stackLevel: h.stackLevel}
}

func (h enricher) WithGroup(name string) slog.Handler {
	return enricher{next: h.next.WithGroup(name), stackLevel: h.stackLevel}
}

func recordErrorStack(r slog.Record) (pcs []uintptr) {
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "err" {
			return true
		}
		var s stackCarrier
		if err, ok := a.Value.Any().(error); ok && errors.As(err, &s) {
			pcs = s.StackPCs()
		}
		return false
	})
	return pcs
}

// redacted keys never reach the output. Order tokens are bearer secrets for
// the order they belong to.
var redacted = map[string]bool{
	"token":         true,
	"order_token":   true,
	"authorization": true,
	"bot_token":     true,
	"password":      true,
	"secret":        true,
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redacted[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}
