package supervisor

import (
	"os"
	"sort"
	"strings"
)

// effectiveEnv builds the child environment. Precedence, lowest to
// highest: allow-listed ambient variables, the user's stored env, then
// the server spec's env. The child never inherits the supervisor's full
// environment.
func effectiveEnv(allowlist []string, userEnv, specEnv map[string]string) []string {
	merged := make(map[string]string)

	for _, key := range allowlist {
		if val, ok := os.LookupEnv(key); ok {
			merged[key] = val
		}
	}
	for key, val := range userEnv {
		merged[key] = val
	}
	for key, val := range specEnv {
		merged[key] = val
	}

	out := make([]string, 0, len(merged))
	for key, val := range merged {
		out = append(out, key+"="+val)
	}
	sort.Strings(out)
	return out
}

// envValue extracts a key from a KEY=VALUE slice, for tests and
// diagnostics.
func envValue(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}
