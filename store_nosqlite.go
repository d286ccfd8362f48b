//go:build without_sqlite

package retention

import (
	"github.com/evermind-ai/retention/config"
	"github.com/evermind-ai/retention/errors"
	"github.com/evermind-ai/retention/store"
)

func newSqliteStore(conf *config.StoreConfig) (store.Store, error) {
	return nil, errors.Wrapf(errors.ErrInvalidConfig, "sqlite store is excluded from this build")
}
