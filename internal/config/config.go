// Package config is the host process's construction-time configuration
// surface. Loading it from flags or
// environment variables is the explicitly out-of-scope CLI/env boundary;
// this struct only names the fields the core needs in order to be
// constructed, split between the two supported database drivers.
package config

// Database selects and configures the storage engine (the shared
// *gorm.DB every keyspace lives in).
type Database struct {
	Driver string // "sqlite" or "postgres"

	// SQLite
	Path string

	// PostgreSQL
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// Config is everything the host process supplies before core
// initialisation can begin.
type Config struct {
	Database Database

	// BindAddr is the HTTP bind address for the (out-of-scope) transport
	// layer; the core only needs it to exist so the host can report it.
	BindAddr string

	// KeypairPath is the signing keypair used by the outer transport, not
	// by the core; a missing or unreadable file is a startup failure
	// (exit code 1) before any core initialisation runs.
	KeypairPath string

	// WizardKey, if set, is installed as the bootstrap wizard user's sole
	// API key on first boot.
	WizardKey string

	// GameName is a display label surfaced by the (out-of-scope) API; the
	// core does not interpret it.
	GameName string

	// FlushInterval overrides pkg/flush's periodic tick; zero selects
	// flush.DefaultInterval.
	FlushInterval int

	// NotifyTopic, if set, enables pkg/notify's outbox relay for that
	// Kafka/Redpanda topic; empty disables it.
	NotifyTopic   string
	NotifyBrokers []string
}
