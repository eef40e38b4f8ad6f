package storage

// schema is applied at open. Statements are portable across SQLite and
// PostgreSQL; JSON columns are stored as TEXT.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		space_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT,
		is_complete BOOLEAN NOT NULL DEFAULT FALSE,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages (channel_id, id)`,

	`CREATE TABLE IF NOT EXISTS roster (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		callsign TEXT NOT NULL,
		agent_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'offline',
		last_heartbeat TIMESTAMP,
		runtime_id TEXT NOT NULL DEFAULT '',
		UNIQUE (channel_id, callsign)
	)`,

	`CREATE TABLE IF NOT EXISTS runtimes (
		id TEXT PRIMARY KEY,
		space_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'offline',
		config TEXT,
		last_seen_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runtimes_space_name ON runtimes (space_id, name)`,

	`CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		role TEXT NOT NULL,
		agent_callsign TEXT NOT NULL DEFAULT '',
		container_id TEXT NOT NULL DEFAULT '',
		runtime_id TEXT NOT NULL DEFAULT '',
		connected_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_channel ON connections (channel_id)`,

	`CREATE TABLE IF NOT EXISTS costs (
		space_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		callsign TEXT NOT NULL,
		cost_usd REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		num_turns INTEGER NOT NULL DEFAULT 0,
		usage TEXT,
		model_usage TEXT,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS bootstrap_tokens (
		token TEXT PRIMARY KEY,
		space_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		space_id TEXT NOT NULL,
		token TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL
	)`,
}
