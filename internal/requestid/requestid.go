// Package requestid ties the log lines of a single handled connection
// together with a short correlation ID.
package requestid

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// contextKey is unexported so other packages cannot collide with our keys.
type contextKey int

const (
	idKey contextKey = iota
	loggerKey
)

// validIDRegex matches the generated format: 20 lowercase hex characters.
var validIDRegex = regexp.MustCompile(`^[0-9a-f]{20}$`)

// New returns a fresh connection ID. The leading four bytes are the Unix
// second, so IDs sort roughly by arrival time in the logs; the trailing six
// bytes are random.
func New() string {
	var raw [10]byte
	binary.BigEndian.PutUint32(raw[:4], uint32(time.Now().Unix()))
	_, _ = rand.Read(raw[4:])
	return hex.EncodeToString(raw[:])
}

// IsValid reports whether id has the generated format.
func IsValid(id string) bool {
	return validIDRegex.MatchString(id)
}

// FromContext returns the connection ID stored in ctx, or "" if absent.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(idKey).(string); ok {
		return id
	}
	return ""
}

// Logger returns the connection-scoped logger stored in ctx, falling back
// to the given logger when the context carries none.
func Logger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return fallback
}

// NewContext generates an ID and derives a context carrying it together
// with a logger annotated with a "conn" field. Servers call this once per
// accepted connection.
func NewContext(ctx context.Context, base *zap.Logger) context.Context {
	id := New()
	ctx = context.WithValue(ctx, idKey, id)
	return context.WithValue(ctx, loggerKey, base.With(zap.String("conn", id)))
}
