// Package queries holds the SQL statements used by the repositories.
package queries

// Agent queries
const (
	CreateAgent = `
		INSERT INTO agents (uuid, auth_hash, registered_at, registered_by, logged_in_user, state)
		VALUES ($1, $2, $3, $4, $5, $6)`

	GetAgentByUUID = `
		SELECT uuid, auth_hash, registered_at, registered_by, logged_in_user, state
		FROM agents
		WHERE uuid = $1`

	ListAgents = `
		SELECT uuid, auth_hash, registered_at, registered_by, logged_in_user, state
		FROM agents
		ORDER BY registered_at`

	UpdateAgentState = `
		UPDATE agents SET state = $2 WHERE uuid = $1`

	UpdateAgentUser = `
		UPDATE agents SET logged_in_user = $2 WHERE uuid = $1`

	DeleteAgent = `
		DELETE FROM agents WHERE uuid = $1`

	AgentWithLoggedInUser = `
		SELECT uuid FROM agents WHERE logged_in_user = $1 LIMIT 1`
)

// User queries
const (
	CreateUser = `
		INSERT INTO users (username, password_hash, is_admin, registered_at, registered_by)
		VALUES ($1, $2, $3, $4, $5)`

	GetUserByUsername = `
		SELECT username, password_hash, is_admin, registered_at, registered_by
		FROM users
		WHERE username = $1`

	ListUsers = `
		SELECT username, password_hash, is_admin, registered_at, registered_by
		FROM users
		ORDER BY username`

	DeleteUser = `
		DELETE FROM users WHERE username = $1`
)

// Checksum index queries
const (
	UpsertIndexEntry = `
		INSERT INTO fts_index (path, store_path, is_public, checksum, last_updated_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (path) DO UPDATE
		SET checksum = EXCLUDED.checksum, last_updated_by = EXCLUDED.last_updated_by`

	GetIndexEntryByPath = `
		SELECT path, store_path, is_public, checksum, last_updated_by
		FROM fts_index
		WHERE path = $1`

	ListIndexEntries = `
		SELECT path, store_path, is_public, checksum, last_updated_by
		FROM fts_index
		WHERE is_public = $1
		ORDER BY store_path`

	DeleteIndexEntry = `
		DELETE FROM fts_index WHERE path = $1`
)
