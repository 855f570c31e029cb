package session

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildCredentialStoreFromDSN selects a credential backend. An empty DSN and
// the file scheme use the sealed-file store at defaultPath (or the DSN path);
// a postgres scheme uses the shared Postgres store.
func BuildCredentialStoreFromDSN(dsn, defaultPath string) (CredentialStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewFileCredentialStore(defaultPath)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path := dsnPath(parsed, dsn)
		if path == "" {
			path = defaultPath
		}
		return NewFileCredentialStore(path)
	case "memory", "mem", "inmem":
		return NewInMemoryCredentialStore(), nil
	case "postgres", "postgresql":
		return NewPostgresCredentialStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported credential backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) string {
	if parsed.Scheme == "" {
		return strings.TrimSpace(raw)
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	return strings.TrimSpace(path)
}
