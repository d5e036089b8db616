package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS task_history (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    description TEXT NOT NULL,
    priority TEXT,
    status TEXT NOT NULL,
    agent_kind TEXT,
    error_kind TEXT,
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    tokens_input INTEGER DEFAULT 0,
    tokens_output INTEGER DEFAULT 0,
    cost_usd REAL DEFAULT 0,
    snapshot TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
CREATE INDEX IF NOT EXISTS idx_task_history_completed_at ON task_history(completed_at);
`
