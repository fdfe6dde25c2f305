package factory

import (
	"errors"
	"net/url"
	"strings"

	"github.com/loykin/recfleet/internal/history"
	"github.com/loykin/recfleet/internal/history/clickhouse"
)

// NewSinkFromDSN creates a history sink based on DSN format.
// Supported formats:
//   - "" (empty): discard events
//   - "clickhouse://host:port?database=db&table=table"
func NewSinkFromDSN(dsn string) (history.Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return history.Nop{}, nil
	}
	if strings.HasPrefix(strings.ToLower(dsn), "clickhouse://") {
		return parseClickHouseDSN(dsn)
	}
	return nil, errors.New("unsupported history DSN: " + dsn)
}

func parseClickHouseDSN(dsn string) (history.Sink, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	host := u.Host
	if host == "" {
		host = "localhost:9000"
	}
	return clickhouse.New(host, u.Query().Get("database"), u.Query().Get("table"))
}
