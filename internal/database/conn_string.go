package database

import (
	"fmt"
	"net/url"

	"github.com/rickgao/convstream/internal/config"
)

// ApplicationName is reported to the server as application_name.
const ApplicationName = "convstream"

// BuildConnString builds a PostgreSQL connection URL from config. User and
// password are escaped so special characters survive.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", ApplicationName)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
