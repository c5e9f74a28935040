package store

// CreateTableSQL 初始化建表语句
const CreateTableSQL = `
CREATE SCHEMA IF NOT EXISTS saga;

CREATE TABLE IF NOT EXISTS saga.events (
    saga_id        TEXT    NOT NULL,
    version        BIGINT  NOT NULL,
    type           TEXT    NOT NULL,
    step           TEXT    NOT NULL DEFAULT '',
    payload        JSONB,
    reason         TEXT    NOT NULL DEFAULT '',
    create_time_ms BIGINT  NOT NULL,
    PRIMARY KEY (saga_id, version)
);

CREATE TABLE IF NOT EXISTS saga.instances (
    saga_id          TEXT    PRIMARY KEY,
    correlation_id   TEXT    NOT NULL,
    definition       TEXT    NOT NULL,
    status           TEXT    NOT NULL,
    current_step     INT     NOT NULL DEFAULT 0,
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    resume_attempts  INT     NOT NULL DEFAULT 0,
    failure_reason   TEXT    NOT NULL DEFAULT '',
    input            JSONB,
    steps            JSONB   NOT NULL,
    version          BIGINT  NOT NULL,
    create_time_ms   BIGINT  NOT NULL,
    update_time_ms   BIGINT  NOT NULL,
    CONSTRAINT uq_instances_correlation_id UNIQUE (correlation_id)
);

CREATE INDEX IF NOT EXISTS idx_instances_status_update
    ON saga.instances (status, update_time_ms);
`
