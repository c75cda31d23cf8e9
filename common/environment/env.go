// Package environment reads prefixed configuration from environment
// variables.
//
// Every accessor returns the parsed value or the supplied default; malformed
// values fall back to the default rather than failing, except for Required
// which returns an error so business logic never calls os.Exit.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Env resolves variable names under a common prefix, e.g. Env{"KOKORO"}
// maps "HTTP_ADDR" to KOKORO_HTTP_ADDR.
type Env struct {
	Prefix string
}

// New returns an Env for prefix. An empty prefix reads names verbatim.
func New(prefix string) Env {
	return Env{Prefix: strings.TrimSuffix(prefix, "_")}
}

// Name returns the fully qualified variable name for key.
func (e Env) Name(key string) string {
	if e.Prefix == "" {
		return key
	}
	return e.Prefix + "_" + key
}

func (e Env) raw(key string) string {
	return strings.TrimSpace(os.Getenv(e.Name(key)))
}

// String returns the variable value or def when unset or empty.
func (e Env) String(key, def string) string {
	if v := e.raw(key); v != "" {
		return v
	}
	return def
}

// Required returns the variable value or an error naming the variable.
func (e Env) Required(key string) (string, error) {
	v := e.raw(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", e.Name(key))
	}
	return v, nil
}

// Bool parses the variable with strconv.ParseBool.
func (e Env) Bool(key string, def bool) bool {
	v := e.raw(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int parses the variable as a decimal integer.
func (e Env) Int(key string, def int) int {
	v := e.raw(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Duration parses the variable as a time.Duration ("30s", "10m").
func (e Env) Duration(key string, def time.Duration) time.Duration {
	v := e.raw(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// List parses a comma-separated list, trimming blanks.
func (e Env) List(key string, def []string) []string {
	v := e.raw(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// Pairs parses a comma-separated list of key=value pairs. Entries without
// "=" or with an empty key are skipped.
func (e Env) Pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, item := range e.List(key, nil) {
		k, v, ok := strings.Cut(item, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
