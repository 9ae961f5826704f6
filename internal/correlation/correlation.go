package correlation

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const (
	ContentIDLength = 10
	SessionIDLength = 32
)

var (
	contentIDPattern = regexp.MustCompile(`^\w{10}$`)
	sessionIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

type Generator struct {
	Now func() time.Time
}

func NewGenerator() *Generator {
	return &Generator{Now: time.Now}
}

// ContentID returns a short id tying the loader script of a page to the
// poll that later fetches its bar content.
func (g *Generator) ContentID() string {
	var seed [24]byte
	_, _ = rand.Read(seed[:16])
	binary.BigEndian.PutUint64(seed[16:], uint64(g.now().UnixNano()))
	digest := blake3.Sum256(seed[:])
	return hex.EncodeToString(digest[:])[:ContentIDLength]
}

// EphemeralID is time ordered and only ever used as a one-shot suffix.
func (g *Generator) EphemeralID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

func (g *Generator) SessionID() string {
	buf := make([]byte, SessionIDLength/2)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

func (g *Generator) now() time.Time {
	if g == nil || g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

func ValidContentID(id string) bool {
	return contentIDPattern.MatchString(id)
}

func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

type contextKey string

const requestIDKey contextKey = "request_id"

const RequestIDHeader = "X-Request-Id"

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(requestIDKey).(string)
	return value, ok
}

func NewRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
