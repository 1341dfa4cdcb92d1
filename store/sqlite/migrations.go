package sqlite

// migration is one named, ordered schema step. Steps run inside a
// transaction and are recorded in introq_migrations.
type migration struct {
	name  string
	stmts []string
}

var migrations = []migration{
	{
		name: "001_create_events",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS introq_events (
				id                  TEXT PRIMARY KEY,
				name                TEXT NOT NULL,
				aggregate_id        TEXT,
				aggregate_kind      TEXT,
				payload             BLOB,
				retry_count         INTEGER NOT NULL DEFAULT 0,
				retry_last_error    TEXT,
				retry_last_error_at TIMESTAMP,
				processed           INTEGER NOT NULL DEFAULT 0,
				claimed_by          TEXT,
				claimed_until       TIMESTAMP,
				created_at          TIMESTAMP NOT NULL,
				created_by          TEXT
			)`, `
			CREATE INDEX IF NOT EXISTS idx_introq_events_claim
				ON introq_events (created_at ASC)
				WHERE processed = 0`,
		},
	},
	{
		name: "002_create_tasks",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS introq_tasks (
				id                TEXT PRIMARY KEY,
				name              TEXT NOT NULL,
				agent_kind        TEXT,
				user_id           TEXT,
				context_id        TEXT,
				context_kind      TEXT,
				scheduled_for     TIMESTAMP NOT NULL,
				priority          TEXT NOT NULL DEFAULT 'medium',
				state             TEXT NOT NULL DEFAULT 'pending',
				retry_count       INTEGER NOT NULL DEFAULT 0,
				max_retries       INTEGER NOT NULL DEFAULT 3,
				context           BLOB,
				result            BLOB,
				last_error        TEXT,
				last_attempted_at TIMESTAMP,
				created_at        TIMESTAMP NOT NULL,
				completed_at      TIMESTAMP,
				created_by        TEXT
			)`, `
			CREATE INDEX IF NOT EXISTS idx_introq_tasks_due
				ON introq_tasks (scheduled_for ASC)
				WHERE state = 'pending'`, `
			CREATE INDEX IF NOT EXISTS idx_introq_tasks_dedup
				ON introq_tasks (user_id, name)
				WHERE state = 'pending'`,
		},
	},
	{
		name: "003_create_dead_letters",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS introq_dead_letters (
				id                  TEXT PRIMARY KEY,
				event_id            TEXT NOT NULL,
				event_name          TEXT NOT NULL,
				aggregate_id        TEXT,
				aggregate_kind      TEXT,
				payload             BLOB,
				error               TEXT NOT NULL,
				retry_count         INTEGER NOT NULL DEFAULT 0,
				original_created_at TIMESTAMP NOT NULL,
				failed_at           TIMESTAMP NOT NULL,
				replayed_at         TIMESTAMP,
				created_at          TIMESTAMP NOT NULL
			)`, `
			CREATE INDEX IF NOT EXISTS idx_introq_dead_letters_failed
				ON introq_dead_letters (failed_at DESC)`, `
			CREATE UNIQUE INDEX IF NOT EXISTS idx_introq_dead_letters_event
				ON introq_dead_letters (event_id)`,
		},
	},
	{
		name: "004_create_actions",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS introq_actions (
				id          TEXT PRIMARY KEY,
				task_id     TEXT NOT NULL,
				task_name   TEXT NOT NULL,
				agent_kind  TEXT,
				user_id     TEXT,
				attempt     INTEGER NOT NULL,
				success     INTEGER NOT NULL,
				error       TEXT,
				input       BLOB,
				result      BLOB,
				duration_ns INTEGER NOT NULL DEFAULT 0,
				created_at  TIMESTAMP NOT NULL
			)`, `
			CREATE INDEX IF NOT EXISTS idx_introq_actions_task
				ON introq_actions (task_id, created_at DESC)`,
		},
	},
	{
		name: "005_create_awards",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS introq_awards (
				id              TEXT PRIMARY KEY,
				user_id         TEXT NOT NULL,
				amount          INTEGER NOT NULL,
				reason          TEXT,
				idempotency_key TEXT NOT NULL UNIQUE,
				created_at      TIMESTAMP NOT NULL
			)`, `
			CREATE INDEX IF NOT EXISTS idx_introq_awards_user
				ON introq_awards (user_id, created_at DESC)`,
		},
	},
	{
		name: "006_create_priority_entries",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS introq_priority_entries (
				id         TEXT PRIMARY KEY,
				user_id    TEXT NOT NULL,
				item_kind  TEXT NOT NULL,
				item_id    TEXT NOT NULL,
				score      REAL NOT NULL DEFAULT 0,
				status     TEXT NOT NULL DEFAULT 'active',
				reason     TEXT,
				expires_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`, `
			CREATE UNIQUE INDEX IF NOT EXISTS idx_introq_priority_active
				ON introq_priority_entries (user_id, item_kind, item_id)
				WHERE status = 'active'`, `
			CREATE INDEX IF NOT EXISTS idx_introq_priority_next
				ON introq_priority_entries (user_id, score DESC)
				WHERE status = 'active'`,
		},
	},
	{
		name: "007_create_workflows",
		stmts: []string{`
			CREATE TABLE IF NOT EXISTS introq_opportunities (
				id                TEXT PRIMARY KEY,
				connector_user_id TEXT NOT NULL,
				subject_id        TEXT NOT NULL,
				status            TEXT NOT NULL,
				bounty_credits    INTEGER NOT NULL DEFAULT 0,
				created_at        TIMESTAMP NOT NULL,
				updated_at        TIMESTAMP NOT NULL
			)`, `
			CREATE TABLE IF NOT EXISTS introq_requests (
				id                 TEXT PRIMARY KEY,
				requestor_user_id  TEXT NOT NULL,
				introducee_user_id TEXT NOT NULL,
				subject_id         TEXT NOT NULL,
				status             TEXT NOT NULL,
				created_at         TIMESTAMP NOT NULL,
				updated_at         TIMESTAMP NOT NULL
			)`, `
			CREATE TABLE IF NOT EXISTS introq_offers (
				id                 TEXT PRIMARY KEY,
				offering_user_id   TEXT NOT NULL,
				introducee_user_id TEXT NOT NULL,
				subject_id         TEXT NOT NULL,
				status             TEXT NOT NULL,
				bounty_credits     INTEGER NOT NULL DEFAULT 0,
				created_at         TIMESTAMP NOT NULL,
				updated_at         TIMESTAMP NOT NULL
			)`, `
			CREATE INDEX IF NOT EXISTS idx_introq_opportunities_subject
				ON introq_opportunities (subject_id, status)`, `
			CREATE INDEX IF NOT EXISTS idx_introq_requests_subject
				ON introq_requests (subject_id, status)`, `
			CREATE INDEX IF NOT EXISTS idx_introq_offers_subject
				ON introq_offers (subject_id, status)`,
		},
	},
}
