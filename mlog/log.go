// Package mlog provides logging with log levels and key/value attributes.
//
// Each Log is a thin wrapper around a slog.Logger. Logging strings themselves
// should be constant, with variable data in attributes, for easier log
// processing (e.g. building metrics based on log messages).
//
// Log levels can be configured per originating package, e.g. queue or
// smtpclient. The configuration is application-global.
//
// The trace levels log protocol transcripts of outgoing SMTP and HTTP
// connections, with tracedata on top of that also logging full message data
// exchanges.
package mlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	LevelError     = slog.LevelError
	LevelWarn      = slog.LevelWarn
	LevelInfo      = slog.LevelInfo
	LevelDebug     = slog.LevelDebug
	LevelTrace     = slog.Level(-8)
	LevelTracedata = slog.Level(-12)

	// Level to use for printing regardless of configured level, e.g. for
	// subcommand output.
	LevelPrint = slog.Level(16)
)

// Levelstrings maps log levels to their configuration names.
var Levelstrings = map[slog.Level]string{
	LevelError:     "error",
	LevelWarn:      "warn",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTracedata: "tracedata",
	LevelPrint:     "print",
}

var Levels = map[string]slog.Level{
	"error":     LevelError,
	"warn":      LevelWarn,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"tracedata": LevelTracedata,
	"print":     LevelPrint,
}

var (
	mutex sync.Mutex

	defaultLevel  = LevelInfo
	pkgLevels     = map[string]slog.Level{}
	loggingWriter = os.Stderr
)

// SetDefaultLevel sets the log level for messages not matched by a package
// override.
func SetDefaultLevel(level slog.Level) {
	mutex.Lock()
	defer mutex.Unlock()
	defaultLevel = level
}

// SetPackageLogLevels replaces the per-package log level overrides.
func SetPackageLogLevels(levels map[string]slog.Level) {
	mutex.Lock()
	defer mutex.Unlock()
	pkgLevels = levels
}

type key string

// CidKey is a context key for a connection/delivery correlation id.
// Logging with a context that has this key adds a cid attribute.
var CidKey key = "cid"

// Log wraps a slog.Logger with per-package level filtering and helpers for
// logging errors.
type Log struct {
	*slog.Logger
}

// New returns a Log for the given originating package name. If elog is nil,
// the process-wide handler writing logfmt to stderr is used.
func New(pkg string, elog *slog.Logger) Log {
	if elog == nil {
		elog = slog.New(&handler{})
	}
	return Log{elog.With(slog.String("pkg", pkg))}
}

// Nop returns a Log that discards everything, for tests.
func Nop() Log {
	return Log{slog.New(&handler{discard: true})}
}

// WithCid adds a correlation id attribute.
func (l Log) WithCid(cid int64) Log {
	return Log{l.Logger.With(slog.Int64("cid", cid))}
}

// WithContext adds the cid from ctx, if any.
func (l Log) WithContext(ctx context.Context) Log {
	if cid, ok := ctx.Value(CidKey).(int64); ok {
		return l.WithCid(cid)
	}
	return l
}

// WithPkg adds an additional originating package, for code that lends its
// logger to a helper package.
func (l Log) WithPkg(pkg string) Log {
	return Log{l.Logger.With(slog.String("pkg", pkg))}
}

// WithFunc sets fn to be called for additional attributes on each logged
// message, e.g. for time deltas between protocol commands.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	return Log{slog.New(&funcHandler{l.Logger.Handler(), fn})}
}

// funcHandler passes records to the wrapped handler after adding attributes
// from the configured function.
type funcHandler struct {
	h  slog.Handler
	fn func() []slog.Attr
}

func (h *funcHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.h.Enabled(ctx, level)
}

func (h *funcHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.fn()...)
	return h.h.Handle(ctx, r)
}

func (h *funcHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &funcHandler{h.h.WithAttrs(attrs), h.fn}
}

func (h *funcHandler) WithGroup(name string) slog.Handler {
	return &funcHandler{h.h.WithGroup(name), h.fn}
}

func (l Log) log(level slog.Level, msg string, err error, attrs []slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.log(LevelError, msg, nil, attrs) }
func (l Log) Warn(msg string, attrs ...slog.Attr)  { l.log(LevelWarn, msg, nil, attrs) }
func (l Log) Info(msg string, attrs ...slog.Attr)  { l.log(LevelInfo, msg, nil, attrs) }
func (l Log) Debug(msg string, attrs ...slog.Attr) { l.log(LevelDebug, msg, nil, attrs) }

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) { l.log(LevelError, msg, err, attrs) }
func (l Log) Warnx(msg string, err error, attrs ...slog.Attr)  { l.log(LevelWarn, msg, err, attrs) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr)  { l.log(LevelInfo, msg, err, attrs) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) { l.log(LevelDebug, msg, err, attrs) }

// Print logs regardless of the configured log level.
func (l Log) Print(msg string, attrs ...slog.Attr) { l.log(LevelPrint, msg, nil, attrs) }

// Check logs an error if err is non-nil. Convenient for closes and other
// cleanup where the error does not influence control flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Trace logs a protocol buffer at the given trace level.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	l.Logger.LogAttrs(context.Background(), level, prefix+strconv.QuoteToASCII(string(data)))
}

// IsTrace returns whether logging at the given trace level would be written,
// so callers can skip assembling expensive trace data.
func (l Log) IsTrace(level slog.Level) bool {
	return l.Logger.Enabled(context.Background(), level)
}

// handler is the process-wide slog.Handler, writing logfmt lines to stderr,
// honoring the configured default and per-package levels.
type handler struct {
	discard bool
	attrs   []slog.Attr
}

var _ slog.Handler = (*handler)(nil)

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.discard {
		return false
	}
	if level >= LevelPrint {
		return true
	}
	mutex.Lock()
	defer mutex.Unlock()
	min := defaultLevel
	for _, a := range h.attrs {
		if a.Key != "pkg" {
			continue
		}
		if l, ok := pkgLevels[a.Value.String()]; ok {
			min = l
		}
	}
	return level >= min
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	if h.discard {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("l=" + levelString(r.Level) + " m=" + strconv.Quote(r.Message))
	writeAttr := func(a slog.Attr) {
		if a.Equal(slog.Attr{}) {
			return
		}
		sb.WriteString(" " + a.Key + "=" + attrValue(a.Value))
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})
	sb.WriteString("\n")
	mutex.Lock()
	defer mutex.Unlock()
	_, err := loggingWriter.WriteString(sb.String())
	return err
}

func levelString(l slog.Level) string {
	if s, ok := Levelstrings[l]; ok {
		return s
	}
	return strings.ToLower(l.String())
}

func attrValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return strconv.Quote(v.String())
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	default:
		return strconv.Quote(fmt.Sprintf("%v", v.Any()))
	}
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &handler{discard: h.discard}
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	// Groups are not used in this code base.
	return h
}
