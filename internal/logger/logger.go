// Package logger is the structured logger shared by the API, the explanation
// workers and the CLI. Every component logs through its own Component child,
// and values that could carry client credentials are masked before they
// reach zap.
package logger

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// Credential keys are matched exactly or as a "_<key>" suffix, so both
// "api_key" and "minio_secret" are masked.
var credentialKeys = []string{"api_key", "apikey", "x-api-key", "authorization", "secret", "password", "token"}

// API keys are issued as "xai_" plus a base64url body. They are masked
// wherever they show up, including inside error messages.
var apiKeyPattern = regexp.MustCompile(`xai_[A-Za-z0-9_-]{8,}`)

type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a JSON logger at info level for "prod", and a console logger
// at debug level for anything else.
func New(mode string) (*Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if m := strings.ToLower(strings.TrimSpace(mode)); m == "prod" || m == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &Logger{sugar: z.Sugar()}, nil
}

func fromCore(core zapcore.Core) *Logger {
	return &Logger{sugar: zap.New(core).Sugar()}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(maskString(msg), scrub(keysAndValues)...)
}

func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(maskString(msg), scrub(keysAndValues)...)
}

func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(maskString(msg), scrub(keysAndValues)...)
}

func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(maskString(msg), scrub(keysAndValues)...)
}

func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{sugar: l.sugar.With(scrub(keysAndValues)...)}
}

// Component tags every entry with the subsystem that wrote it.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

func scrub(kv []any) []any {
	if len(kv) == 0 {
		return kv
	}
	out := make([]any, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i+1 == len(kv) {
			out = append(out, maskValue(kv[i]))
			break
		}
		if isCredentialKey(fmt.Sprint(kv[i])) {
			out = append(out, kv[i], redacted)
			continue
		}
		out = append(out, kv[i], maskValue(kv[i+1]))
	}
	return out
}

func isCredentialKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	for _, candidate := range credentialKeys {
		if key == candidate || strings.HasSuffix(key, "_"+candidate) {
			return true
		}
	}
	return false
}

// maskValue rewrites strings and errors that embed an API key. Other values
// pass through untouched so zap can encode them natively.
func maskValue(v any) any {
	switch value := v.(type) {
	case string:
		return maskString(value)
	case error:
		msg := value.Error()
		if masked := maskString(msg); masked != msg {
			return errors.New(masked)
		}
		return value
	default:
		return v
	}
}

func maskString(s string) string {
	if !strings.Contains(s, "xai_") {
		return s
	}
	return apiKeyPattern.ReplaceAllString(s, redacted)
}
