package tokenstore

import (
	"strconv"
	"time"

	"github.com/go-authgate/authsession/token"
)

// encodePair turns a pair into the key set to write and the keys to delete.
// A nil token removes all of its keys; a zero time removes that key only.
func encodePair(p token.Pair) (map[string]string, []string) {
	set := map[string]string{KeySchemaVersion: strconv.Itoa(SchemaVersion)}
	var del []string

	putTime := func(key string, t time.Time) {
		if t.IsZero() {
			del = append(del, key)
			return
		}
		set[key] = t.UTC().Format(time.RFC3339Nano)
	}
	putString := func(key, v string) {
		if v == "" {
			del = append(del, key)
			return
		}
		set[key] = v
	}

	if p.Access.Present() {
		set[KeyAccessToken] = p.Access.Value
		putTime(KeyAccessIssuedAt, p.Access.IssuedAt)
		putTime(KeyAccessExpiresAt, p.Access.ExpiresAt)
		putString(KeyAccessScope, p.Access.Scope)
	} else {
		del = append(del, KeyAccessToken, KeyAccessIssuedAt, KeyAccessExpiresAt, KeyAccessScope)
	}

	if p.Refresh.Present() {
		set[KeyRefreshToken] = p.Refresh.Value
		putTime(KeyRefreshExpiresAt, p.Refresh.ExpiresAt)
	} else {
		del = append(del, KeyRefreshToken, KeyRefreshExpiresAt)
	}

	return set, del
}

// decodePair reads the pair back. Unparseable timestamps are treated as unknown.
func decodePair(values map[string]string) token.Pair {
	var p token.Pair
	if v := values[KeyAccessToken]; v != "" {
		p.Access = &token.Token{
			Value:     v,
			IssuedAt:  parseTime(values[KeyAccessIssuedAt]),
			ExpiresAt: parseTime(values[KeyAccessExpiresAt]),
			Scope:     values[KeyAccessScope],
		}
	}
	if v := values[KeyRefreshToken]; v != "" {
		p.Refresh = &token.Token{
			Value:     v,
			ExpiresAt: parseTime(values[KeyRefreshExpiresAt]),
		}
	}
	return p
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	// older writers stored unix milliseconds
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}
