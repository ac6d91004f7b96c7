package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// New builds a logger for mode ("production" or "development"). LOG_LEVEL
// overrides the default debug level.
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		lvl, err := zap.ParseAtomicLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
		}
		cfg.Level = lvl
	}
	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Debugw(msg, scrub(keysAndValues)...)
}
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Infow(msg, scrub(keysAndValues)...)
}
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Warnw(msg, scrub(keysAndValues)...)
}
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Errorw(msg, scrub(keysAndValues)...)
}
func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Fatalw(msg, scrub(keysAndValues)...)
}
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(scrub(keysAndValues)...)}
}

// action is what happens to a logged value, decided by its key.
type action int

const (
	keep action = iota
	redact
	pseudonymize
	summarize
)

// Journal content and credentials never reach the log. Identifiers of people
// are replaced with a salted hash so lines stay correlatable.
var (
	redactExact    = []string{"text", "content", "reflection"}
	redactContains = []string{
		"token", "authorization", "password", "secret", "cookie", "api_key", "apikey",
		"email", "plaintext", "ciphertext", "transcript", "master_key", "_text", "texts",
	}
	pseudonymContains = []string{"user_id", "session_id"}
	summarizeContains = []string{"embedding", "vector"}
)

func classify(key string) action {
	for _, k := range redactExact {
		if key == k {
			return redact
		}
	}
	for _, k := range redactContains {
		if strings.Contains(key, k) {
			return redact
		}
	}
	for _, k := range pseudonymContains {
		if strings.Contains(key, k) {
			return pseudonymize
		}
	}
	for _, k := range summarizeContains {
		if strings.Contains(key, k) {
			return summarize
		}
	}
	return keep
}

var (
	policyOnce sync.Once
	scrubOn    bool
	hashSalt   string
)

func scrubbing() bool {
	policyOnce.Do(func() {
		switch strings.TrimSpace(strings.ToLower(os.Getenv("LOG_REDACTION_ENABLED"))) {
		case "0", "false", "no", "off":
			scrubOn = false
		default:
			scrubOn = true
		}
		hashSalt = strings.TrimSpace(os.Getenv("LOG_HASH_SALT"))
	})
	return scrubOn
}

func scrub(kv []interface{}) []interface{} {
	if len(kv) == 0 || !scrubbing() {
		return kv
	}
	out := make([]interface{}, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		name := stringify(kv[i])
		out = append(out, name, scrubValue(normalizeKey(name), kv[i+1]))
	}
	return out
}

func normalizeKey(k string) string { return strings.ToLower(strings.TrimSpace(k)) }

func scrubValue(key string, val interface{}) interface{} {
	switch classify(key) {
	case redact:
		return "[REDACTED]"
	case pseudonymize:
		return pseudonym(val)
	case summarize:
		return describeVector(val)
	}
	switch v := val.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, inner := range v {
			out[k] = scrubValue(normalizeKey(k), inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, inner := range v {
			out[i] = scrubValue("", inner)
		}
		return out
	case string:
		if looksLikeJWT(v) {
			return "[REDACTED]"
		}
	}
	return val
}

func pseudonym(val interface{}) string {
	raw := stringify(val)
	if raw == "" {
		return ""
	}
	h := sha256.New()
	_, _ = h.Write([]byte(hashSalt))
	_, _ = h.Write([]byte(raw))
	return "hash:" + hex.EncodeToString(h.Sum(nil))[:12]
}

func describeVector(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return "[vector nil]"
	case []float32:
		return fmt.Sprintf("[vector dim=%d]", len(v))
	case []float64:
		return fmt.Sprintf("[vector dim=%d]", len(v))
	default:
		return "[vector]"
	}
}

func looksLikeJWT(s string) bool {
	parts := strings.Split(s, ".")
	return len(parts) == 3 && len(parts[0]) > 10 && len(parts[1]) > 10
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
