package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/binance-ws/internal/config"
	"github.com/rickgao/binance-ws/internal/version"
)

// BuildConnString renders the archive database config as a postgres URL.
// Sessions are tagged with the binary name so pg_stat_activity shows which
// archiver holds them.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", version.Binary)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
