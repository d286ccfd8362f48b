//go:build !without_sqlite

package retention

import (
	"github.com/evermind-ai/retention/config"
	"github.com/evermind-ai/retention/store"
)

func newSqliteStore(conf *config.StoreConfig) (store.Store, error) {
	return store.NewSqliteStore(conf.SqlitePath, conf.VectorDimension)
}
