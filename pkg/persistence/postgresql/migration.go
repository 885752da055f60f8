package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				tenant_id TEXT NOT NULL,
				id TEXT NOT NULL,
				version INTEGER NOT NULL,
				name TEXT NOT NULL,
				trigger_type VARCHAR(20) NOT NULL CHECK (trigger_type IN ('manual', 'webhook', 'schedule')),
				trigger_config JSONB,
				enabled BOOLEAN NOT NULL DEFAULT FALSE,
				simulation_mode BOOLEAN NOT NULL DEFAULT FALSE,
				steps JSONB NOT NULL,
				created_by TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (tenant_id, id, version)
			);

			CREATE INDEX idx_workflows_scheduled ON workflows(trigger_type, enabled);

			CREATE TABLE runs (
				tenant_id TEXT NOT NULL,
				id TEXT NOT NULL,
				workflow_id TEXT NOT NULL,
				workflow_version INTEGER NOT NULL,
				idempotency_key TEXT NOT NULL,
				correlation_id TEXT NOT NULL,
				parent_run_id TEXT NOT NULL DEFAULT '',
				attempt INTEGER NOT NULL DEFAULT 1,
				status VARCHAR(30) NOT NULL CHECK (status IN ('pending', 'running', 'awaiting_approval', 'completed', 'failed', 'cancelled')),
				current_step_order INTEGER NOT NULL DEFAULT 0,
				context JSONB NOT NULL DEFAULT '{}',
				trigger_type VARCHAR(20) NOT NULL,
				is_simulation BOOLEAN NOT NULL DEFAULT FALSE,
				actions_count INTEGER NOT NULL DEFAULT 0,
				completed_steps JSONB NOT NULL DEFAULT '[]',
				lock_holder TEXT,
				lock_expires_at TIMESTAMP WITH TIME ZONE,
				error_message TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (tenant_id, id),
				UNIQUE (tenant_id, workflow_id, idempotency_key)
			);

			CREATE INDEX idx_runs_runnable ON runs(updated_at) WHERE status = 'pending';
			CREATE INDEX idx_runs_correlation ON runs(tenant_id, correlation_id);
			CREATE INDEX idx_runs_lock_expiry ON runs(lock_expires_at) WHERE lock_expires_at IS NOT NULL;

			CREATE TABLE approvals (
				tenant_id TEXT NOT NULL,
				id TEXT NOT NULL,
				run_id TEXT NOT NULL,
				step_order INTEGER NOT NULL,
				state VARCHAR(20) NOT NULL CHECK (state IN ('pending', 'approved', 'rejected', 'expired')),
				required_approvers JSONB NOT NULL,
				risk_level VARCHAR(20) NOT NULL DEFAULT '',
				requested_at TIMESTAMP WITH TIME ZONE NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
				responded_at TIMESTAMP WITH TIME ZONE,
				responded_by TEXT NOT NULL DEFAULT '',
				comment TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (tenant_id, id)
			);

			CREATE INDEX idx_approvals_run_step ON approvals(tenant_id, run_id, step_order);
			CREATE INDEX idx_approvals_pending_expiry ON approvals(expires_at) WHERE state = 'pending';
		`,
		2: `
			CREATE TABLE compliance_chain_heads (
				tenant_id TEXT PRIMARY KEY,
				sequence BIGINT NOT NULL,
				digest CHAR(64) NOT NULL
			);

			-- payload is json, not jsonb: the stored text must round trip byte for byte into the digest.
			CREATE TABLE compliance_events (
				tenant_id TEXT NOT NULL,
				sequence BIGINT NOT NULL,
				id TEXT NOT NULL UNIQUE,
				category VARCHAR(30) NOT NULL,
				event_type TEXT NOT NULL,
				actor TEXT NOT NULL,
				payload JSON NOT NULL,
				timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
				prev_digest CHAR(64) NOT NULL,
				digest CHAR(64) NOT NULL,
				PRIMARY KEY (tenant_id, sequence)
			);

			CREATE INDEX idx_compliance_events_timestamp ON compliance_events(tenant_id, timestamp);

			CREATE TABLE compliance_anchors (
				tenant_id TEXT NOT NULL,
				period TEXT NOT NULL,
				id TEXT NOT NULL,
				period_start TIMESTAMP WITH TIME ZONE NOT NULL,
				period_end TIMESTAMP WITH TIME ZONE NOT NULL,
				event_count INTEGER NOT NULL,
				first_sequence BIGINT NOT NULL,
				last_sequence BIGINT NOT NULL,
				merkle_root CHAR(64) NOT NULL,
				hmac CHAR(64) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (tenant_id, period)
			);
		`,
		3: `
			CREATE TABLE idempotency_keys (
				tenant_id TEXT NOT NULL,
				scope TEXT NOT NULL,
				key TEXT NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('in_progress', 'completed')),
				response JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (tenant_id, scope, key)
			);

			CREATE INDEX idx_idempotency_keys_expiry ON idempotency_keys(expires_at);

			CREATE TABLE connections (
				tenant_id TEXT NOT NULL,
				id TEXT NOT NULL,
				provider TEXT NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('active', 'deleted')),
				key_id TEXT NOT NULL DEFAULT '',
				healthy BOOLEAN NOT NULL DEFAULT FALSE,
				last_health_check_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE,
				PRIMARY KEY (tenant_id, id)
			);

			CREATE TABLE vault_keys (
				tenant_id TEXT NOT NULL,
				id TEXT NOT NULL,
				nonce BYTEA NOT NULL,
				wrapped BYTEA NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (tenant_id, id)
			);

			CREATE TABLE vault_secrets (
				tenant_id TEXT NOT NULL,
				connection_id TEXT NOT NULL,
				key_id TEXT NOT NULL,
				nonce BYTEA NOT NULL,
				ciphertext BYTEA NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (tenant_id, connection_id)
			);
		`,
	}
}
