package log

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
)

// implemented by the xerrors types
type (
	pcCarrier    interface{ PC() uintptr }
	stackCarrier interface{ StackPCs() []uintptr }
	wrapperMark  interface{ IsXerrorsWrapper() }
)

type errorFormat struct {
	links    bool
	maxLinks int
}

// attrs describes err for an error record: the message, the first
// meaningful type and the root cause type, the distinct messages down the
// chain and, when enabled, where each link was created.
func (f errorFormat) attrs(err error) []slog.Attr {
	surface, root := errorTypes(err)
	out := []slog.Attr{
		slog.Any("err", err),
		slog.String("error_type", surface),
		slog.String("cause_type", root),
	}
	if chain := errorChain(err); len(chain) > 1 {
		out = append(out, slog.Any("error_chain", chain))
	}
	if f.links {
		out = append(out, slog.Any("error_links", chainLinks(err, f.maxLinks)))
	}
	return out
}

// errorTypes skips pure wrappers (xerrors and fmt %w) when naming the
// surface type
func errorTypes(err error) (surface, root string) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if _, ok := e.(wrapperMark); ok {
			continue
		}
		if t := fmt.Sprintf("%T", e); t != "*fmt.wrapError" && t != "*fmt.wrapErrors" {
			surface = t
			break
		}
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}

	last := err
	for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
		last = e
	}
	return surface, fmt.Sprintf("%T", last)
}

// errorChain lists each distinct message from outermost to root, then the
// members of a top-level errors.Join
func errorChain(err error) []string {
	var out []string
	add := func(msg string) {
		if len(out) == 0 || out[len(out)-1] != msg {
			out = append(out, msg)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			add(e.Error())
		}
	}
	return out
}

// chainLinks returns the outermost link always and any deeper link that
// knows where it was created, up to max links
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	depth := 0
	for e := err; e != nil && depth < max; e = errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		fr, ok := origin(e)
		if ok {
			link["func"], link["file"], link["line"] = fr.Function, fr.File, fr.Line
		}
		if depth == 0 || ok {
			links = append(links, link)
		}
		depth++
	}
	return links
}

func origin(e error) (runtime.Frame, bool) {
	switch c := e.(type) {
	case pcCarrier:
		if c.PC() == 0 {
			return runtime.Frame{}, false
		}
		fr, _ := runtime.CallersFrames([]uintptr{c.PC()}).Next()
		return fr, true
	case stackCarrier:
		return firstAppFrame(c.StackPCs())
	}
	return runtime.Frame{}, false
}

func internalFrame(fn string) bool {
	return fn == "" ||
		strings.HasPrefix(fn, "runtime.") ||
		strings.HasPrefix(fn, "log/slog.") ||
		strings.Contains(fn, "/internal/log.") ||
		strings.Contains(fn, "/internal/xerrors.")
}

func firstAppFrame(pcs []uintptr) (runtime.Frame, bool) {
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if !internalFrame(fr.Function) {
			return fr, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

// renderPCs prints func and file:line per frame, starting at the first
// frame outside the logger and stopping at the runtime
func renderPCs(pcs []uintptr) string {
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	started := false
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, "runtime.") {
			break
		}
		started = started || !internalFrame(fr.Function)
		if started && fr.Function != "" {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
