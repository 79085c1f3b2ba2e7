package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

const redacted = "[redacted]"

// sensitiveKeys are attribute keys whose values never reach a log sink.
var sensitiveKeys = map[string]struct{}{
	"token":          {},
	"api_token":      {},
	"authorization":  {},
	"password":       {},
	"redis_password": {},
}

// redactAttr masks secrets by key and strips passwords from DSN-shaped
// values under *_dsn keys.
func redactAttr(key string, value slog.Value) slog.Value {
	lower := strings.ToLower(key)
	if i := strings.LastIndexByte(lower, '.'); i >= 0 {
		lower = lower[i+1:]
	}
	if _, ok := sensitiveKeys[lower]; ok {
		return slog.StringValue(redacted)
	}
	if strings.HasSuffix(lower, "dsn") && value.Kind() == slog.KindString {
		return slog.StringValue(redactDSN(value.String()))
	}
	return value
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, has := u.User.Password(); !has {
		return dsn
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return u.String()
}
