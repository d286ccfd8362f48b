package config

type StoreConfig struct {
	// SqliteEnabled controls whether the SQLite store is used. When false
	// the in-memory store backs the service (tests, ephemeral runs).
	SqliteEnabled bool `json:"sqliteEnabled,omitempty"`

	// SqlitePath specifies the file path for the SQLite database.
	SqlitePath string `json:"sqlitePath,omitempty"`

	// VectorDimension is the fixed embedding dimension of the vec0 index.
	VectorDimension int `json:"vectorDimension,omitempty"`
}

func NewStoreConfig() *StoreConfig {
	return &StoreConfig{
		SqliteEnabled:   true,
		SqlitePath:      ":memory:",
		VectorDimension: 768,
	}
}
