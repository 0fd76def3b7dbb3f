// Package backends opens a store.KV by driver name.
package backends

import (
	"github.com/pkg/errors"

	"github.com/pliu/livechat/internal/store"
	"github.com/pliu/livechat/internal/store/filestore"
	"github.com/pliu/livechat/internal/store/redisstore"
	"github.com/pliu/livechat/internal/store/sqlstore"
)

// Open returns the KV for driver: "memory", "file" (dsn is a directory),
// "sqlite3" or "postgres" (dsn is a database/sql DSN) or "redis" (dsn is a URL).
func Open(driver, dsn string) (store.KV, error) {
	switch driver {
	case "", "memory":
		return store.NewMemory(), nil
	case "file":
		return filestore.New(dsn)
	case "sqlite3", "postgres":
		s, err := sqlstore.New(driver, dsn)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s store", driver)
		}
		return s, nil
	case "redis":
		return redisstore.New(dsn)
	default:
		return nil, errors.Errorf("unknown storage driver %q", driver)
	}
}
