package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresGatewayStore implements GatewayStore using PostgreSQL, optionally
// sharing a connection pool handed to it by NewPostgresGatewayStoreWithDB
// instead of opening its own.
type PostgresGatewayStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewPostgresGatewayStore opens a dedicated connection pool.
func NewPostgresGatewayStore(connectionString string) (*PostgresGatewayStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &PostgresGatewayStore{db: db, ownsDB: true}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresGatewayStoreWithDB shares an existing pool (e.g. one opened
// via dbpool.NewSharedPool) rather than opening a second connection set.
func NewPostgresGatewayStoreWithDB(db *sql.DB) (*PostgresGatewayStore, error) {
	store := &PostgresGatewayStore{db: db, ownsDB: false}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresGatewayStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresGatewayStore) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			internal_id TEXT PRIMARY KEY,
			public_id TEXT UNIQUE NOT NULL,
			mcp_origin TEXT NOT NULL,
			receiver_address TEXT,
			require_auth BOOLEAN NOT NULL DEFAULT false,
			auth_headers JSONB,
			creator_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS tools (
			id TEXT PRIMARY KEY,
			server_internal_id TEXT NOT NULL REFERENCES servers(internal_id),
			name TEXT NOT NULL,
			input_schema JSONB,
			is_monetized BOOLEAN NOT NULL DEFAULT false,
			UNIQUE(server_internal_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS pricing_entries (
			id TEXT PRIMARY KEY,
			tool_id TEXT NOT NULL REFERENCES tools(id),
			max_amount_required_raw TEXT NOT NULL,
			token_decimals SMALLINT NOT NULL,
			network TEXT NOT NULL,
			asset_address TEXT,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_users (
			id TEXT PRIMARY KEY,
			display_name TEXT,
			email TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_login_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS wallets (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES gateway_users(id),
			address TEXT UNIQUE NOT NULL,
			blockchain TEXT NOT NULL,
			is_primary BOOLEAN NOT NULL DEFAULT false,
			is_active BOOLEAN NOT NULL DEFAULT true,
			last_used_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_api_keys (
			key_hash TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES gateway_users(id),
			label TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			revoked_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS tool_usage (
			id TEXT PRIMARY KEY,
			tool_id TEXT NOT NULL,
			user_id TEXT,
			response_status TEXT,
			execution_time_ms BIGINT,
			ip_address TEXT,
			user_agent TEXT,
			request_data JSONB,
			result JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_payments (
			id TEXT PRIMARY KEY,
			tool_id TEXT NOT NULL,
			user_id TEXT,
			amount_raw TEXT NOT NULL,
			token_decimals SMALLINT NOT NULL,
			currency TEXT,
			network TEXT,
			transaction_hash TEXT,
			status TEXT NOT NULL,
			signature TEXT,
			payment_data JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS gateway_capture_retries (
			id TEXT PRIMARY KEY,
			tool_id TEXT NOT NULL,
			user_id TEXT,
			payment_header TEXT NOT NULL,
			requirements_json TEXT NOT NULL,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create gateway tables: %w", err)
		}
	}
	return nil
}

func (s *PostgresGatewayStore) GetServerByPublicID(ctx context.Context, publicID string) (*Server, error) {
	var srv Server
	var authHeaders []byte
	row := s.db.QueryRowContext(ctx, `SELECT internal_id, public_id, mcp_origin, receiver_address, require_auth, auth_headers, creator_id, created_at FROM servers WHERE public_id = $1`, publicID)
	if err := row.Scan(&srv.InternalID, &srv.PublicID, &srv.MCPOrigin, &srv.ReceiverAddress, &srv.RequireAuth, &authHeaders, &srv.CreatorID, &srv.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get server by public id: %w", err)
	}
	if len(authHeaders) > 0 {
		_ = json.Unmarshal(authHeaders, &srv.AuthHeaders)
	}
	return &srv, nil
}

func (s *PostgresGatewayStore) ListToolsByServer(ctx context.Context, serverInternalID string) ([]Tool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, server_internal_id, name, input_schema, is_monetized FROM tools WHERE server_internal_id = $1`, serverInternalID)
	if err != nil {
		return nil, fmt.Errorf("list tools by server: %w", err)
	}
	defer rows.Close()

	var tools []Tool
	for rows.Next() {
		var t Tool
		var schema []byte
		if err := rows.Scan(&t.ID, &t.ServerInternalID, &t.Name, &schema, &t.IsMonetized); err != nil {
			return nil, err
		}
		if len(schema) > 0 {
			_ = json.Unmarshal(schema, &t.InputSchema)
		}
		pricing, err := s.pricingForTool(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.Pricing = pricing
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

func (s *PostgresGatewayStore) pricingForTool(ctx context.Context, toolID string) ([]PricingEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, max_amount_required_raw, token_decimals, network, asset_address, active, created_at FROM pricing_entries WHERE tool_id = $1`, toolID)
	if err != nil {
		return nil, fmt.Errorf("list pricing for tool: %w", err)
	}
	defer rows.Close()

	var entries []PricingEntry
	for rows.Next() {
		var p PricingEntry
		if err := rows.Scan(&p.ID, &p.MaxAmountRequiredRaw, &p.TokenDecimals, &p.Network, &p.AssetAddress, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, p)
	}
	return entries, rows.Err()
}

func (s *PostgresGatewayStore) GetToolByID(ctx context.Context, id string) (*Tool, error) {
	var t Tool
	var schema []byte
	row := s.db.QueryRowContext(ctx, `SELECT id, server_internal_id, name, input_schema, is_monetized FROM tools WHERE id = $1`, id)
	if err := row.Scan(&t.ID, &t.ServerInternalID, &t.Name, &schema, &t.IsMonetized); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tool by id: %w", err)
	}
	if len(schema) > 0 {
		_ = json.Unmarshal(schema, &t.InputSchema)
	}
	pricing, err := s.pricingForTool(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.Pricing = pricing
	return &t, nil
}

func (s *PostgresGatewayStore) ValidateAPIKey(ctx context.Context, keyHash string) (*User, *APIKey, error) {
	var key APIKey
	row := s.db.QueryRowContext(ctx, `SELECT key_hash, user_id, label, created_at, revoked_at FROM gateway_api_keys WHERE key_hash = $1`, keyHash)
	if err := row.Scan(&key.KeyHash, &key.UserID, &key.Label, &key.CreatedAt, &key.RevokedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("validate api key: %w", err)
	}
	if key.RevokedAt != nil {
		return nil, nil, ErrNotFound
	}
	user, err := s.GetUserByID(ctx, key.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, &key, nil
}

func (s *PostgresGatewayStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	var lastLogin sql.NullTime
	row := s.db.QueryRowContext(ctx, `SELECT id, display_name, email, created_at, last_login_at FROM gateway_users WHERE id = $1`, id)
	if err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.CreatedAt, &lastLogin); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	if lastLogin.Valid {
		u.LastLoginAt = lastLogin.Time
	}
	return &u, nil
}

func (s *PostgresGatewayStore) GetUserWallets(ctx context.Context, userID string, activeOnly bool) ([]Wallet, error) {
	query := `SELECT id, user_id, address, blockchain, is_primary, is_active, last_used_at FROM wallets WHERE user_id = $1`
	if activeOnly {
		query += ` AND is_active = true`
	}
	query += ` ORDER BY is_primary DESC`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("get user wallets: %w", err)
	}
	defer rows.Close()

	var wallets []Wallet
	for rows.Next() {
		var w Wallet
		var lastUsed sql.NullTime
		if err := rows.Scan(&w.ID, &w.UserID, &w.Address, &w.Blockchain, &w.IsPrimary, &w.IsActive, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			w.LastUsedAt = lastUsed.Time
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func (s *PostgresGatewayStore) GetWalletByAddress(ctx context.Context, address string) (*Wallet, *User, error) {
	var w Wallet
	var lastUsed sql.NullTime
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, address, blockchain, is_primary, is_active, last_used_at FROM wallets WHERE address = $1`, address)
	if err := row.Scan(&w.ID, &w.UserID, &w.Address, &w.Blockchain, &w.IsPrimary, &w.IsActive, &lastUsed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get wallet by address: %w", err)
	}
	if lastUsed.Valid {
		w.LastUsedAt = lastUsed.Time
	}
	user, err := s.GetUserByID(ctx, w.UserID)
	if err != nil {
		return nil, nil, err
	}
	return &w, user, nil
}

func (s *PostgresGatewayStore) GetUserByWalletAddress(ctx context.Context, address string) (*User, error) {
	_, u, err := s.GetWalletByAddress(ctx, address)
	return u, err
}

func (s *PostgresGatewayStore) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	if w, u, err := s.GetWalletByAddress(ctx, in.WalletAddress); err == nil {
		_ = w
		return u, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	userID := fmt.Sprintf("user_%d", time.Now().UnixNano())
	if _, err := tx.ExecContext(ctx, `INSERT INTO gateway_users (id, display_name, created_at, last_login_at) VALUES ($1, $2, now(), now())`, userID, in.DisplayName); err != nil {
		return nil, fmt.Errorf("insert gateway user: %w", err)
	}

	walletID := fmt.Sprintf("wallet_%d", time.Now().UnixNano())
	if _, err := tx.ExecContext(ctx, `INSERT INTO wallets (id, user_id, address, blockchain, is_primary, is_active, last_used_at) VALUES ($1, $2, $3, $4, true, true, now())`, walletID, userID, in.WalletAddress, in.Blockchain); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return s.GetUserByWalletAddress(ctx, in.WalletAddress)
		}
		return nil, fmt.Errorf("insert wallet: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetUserByID(ctx, userID)
}

func (s *PostgresGatewayStore) UpdateUserLastLogin(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE gateway_users SET last_login_at = now() WHERE id = $1`, userID)
	return err
}

func (s *PostgresGatewayStore) UpdateWalletMetadata(ctx context.Context, walletID string, lastUsedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE wallets SET last_used_at = $2 WHERE id = $1`, walletID, lastUsedAt)
	return err
}

func (s *PostgresGatewayStore) MigrateLegacyWallet(ctx context.Context, userID string) error {
	return nil
}

func (s *PostgresGatewayStore) RecordToolUsage(ctx context.Context, in RecordToolUsageInput) error {
	reqData, _ := json.Marshal(in.RequestData)
	result, _ := json.Marshal(in.Result)
	id := fmt.Sprintf("usage_%d", time.Now().UnixNano())
	_, err := s.db.ExecContext(ctx, `INSERT INTO tool_usage (id, tool_id, user_id, response_status, execution_time_ms, ip_address, user_agent, request_data, result, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, now())`,
		id, in.ToolID, in.UserID, in.ResponseStatus, in.ExecutionTimeMs, in.IPAddress, in.UserAgent, reqData, result)
	return err
}

func (s *PostgresGatewayStore) CreatePayment(ctx context.Context, in CreatePaymentInput) (string, error) {
	data, _ := json.Marshal(in.PaymentData)
	id := fmt.Sprintf("pay_%d", time.Now().UnixNano())
	_, err := s.db.ExecContext(ctx, `INSERT INTO gateway_payments (id, tool_id, user_id, amount_raw, token_decimals, currency, network, transaction_hash, status, signature, payment_data, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, now())`,
		id, in.ToolID, in.UserID, in.AmountRaw, in.TokenDecimals, in.Currency, in.Network, in.TransactionHash, in.Status, in.Signature, data)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresGatewayStore) QueueCaptureRetry(ctx context.Context, in QueueCaptureRetryInput) error {
	id := fmt.Sprintf("capret_%d", time.Now().UnixNano())
	_, err := s.db.ExecContext(ctx, `INSERT INTO gateway_capture_retries (id, tool_id, user_id, payment_header, requirements_json, reason, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, now())`,
		id, in.ToolID, in.UserID, in.PaymentHeader, in.RequirementsJSON, in.Reason)
	return err
}
