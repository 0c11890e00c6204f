// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type URL struct {
	*url.URL
}

func (u URL) AsURL() *url.URL {
	return u.URL
}

func (u URL) IsZero() bool {
	return u.URL == nil || u.String() == ""
}

func (u *URL) UnmarshalText(text []byte) error {
	if u == nil {
		return errors.New("can't unmarshal to nil")
	}
	expanded := os.ExpandEnv(string(text))
	if expanded == "" {
		u.URL = nil
		return nil
	}
	parsed, err := url.Parse(expanded)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("url must have a scheme and a host, e.g. `https://example.com`")
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	u.URL = parsed
	return nil
}

func (u URL) MarshalText() ([]byte, error) {
	if u.URL == nil {
		return []byte{}, nil
	}
	return []byte(u.String()), nil
}

// Duration accepts both Go (15s) and ISO8601 (PT15S) notation.
type Duration time.Duration

func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalText(text []byte) error {
	if d == nil {
		return errors.New("can't unmarshal to nil")
	}
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	var parsed time.Duration
	var err error
	if strings.HasPrefix(s, "P") {
		parsed, err = ParseISODuration(s)
	} else {
		parsed, err = time.ParseDuration(s)
	}
	if err != nil {
		return err
	}
	if parsed < 0 {
		return errors.New("duration must not be negative")
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// ExpandPath expands environment variables and a leading ~ in path.
func ExpandPath(path string) string {
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
