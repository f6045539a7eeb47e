package database

// schema is applied statement by statement so the DSN does not need
// multiStatements enabled.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS user_executions (
    user_id VARCHAR(64) NOT NULL PRIMARY KEY,
    daily_free_used INT NOT NULL DEFAULT 0,
    daily_reset_date DATE NOT NULL,
    total_free_used INT NOT NULL DEFAULT 0,
    total_paid_used INT NOT NULL DEFAULT 0,
    total_paid_amount INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS payments (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    order_id VARCHAR(96) NOT NULL UNIQUE,
    payment_key VARCHAR(200) NULL UNIQUE,
    recipe_slug VARCHAR(128) NOT NULL,
    step_number INT NOT NULL,
    tool_slug VARCHAR(64) NOT NULL,
    amount INT NOT NULL,
    currency VARCHAR(8) NOT NULL,
    order_name VARCHAR(255) NOT NULL,
    method VARCHAR(32) NULL,
    status VARCHAR(16) NOT NULL,
    confirmed_at TIMESTAMP NULL,
    cancelled_at TIMESTAMP NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    KEY idx_payments_user_created (user_id, created_at)
)`,
	`CREATE TABLE IF NOT EXISTS recipe_executions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    recipe_slug VARCHAR(128) NOT NULL,
    step_number INT NOT NULL,
    tool_slug VARCHAR(64) NOT NULL,
    execution_type VARCHAR(16) NOT NULL,
    provider VARCHAR(32) NOT NULL,
    model VARCHAR(64) NOT NULL,
    is_free BOOLEAN NOT NULL,
    paid_amount INT NOT NULL DEFAULT 0,
    payment_id VARCHAR(200) NULL,
    status VARCHAR(16) NOT NULL,
    error_message TEXT NULL,
    artifact_url VARCHAR(512) NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    KEY idx_executions_user_created (user_id, created_at)
)`,
}
