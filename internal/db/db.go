// Package db provides SQLite persistence for stations, transactions and
// access accounts. The in-memory stores are authoritative at runtime; this
// layer is their write-through journal and the source of truth at startup.
package db

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alvn-cpu/mikrotikv2/internal/access"
	"github.com/alvn-cpu/mikrotikv2/internal/payment"
	"github.com/alvn-cpu/mikrotikv2/internal/station"
)

// DB wraps the SQLite connection. It implements station.Journal,
// payment.Journal and access.Journal.
type DB struct {
	conn *sql.DB
}

// Open opens the SQLite database and creates tables if needed.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if err := createTables(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func createTables(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS stations (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE,
			host TEXT DEFAULT '',
			username TEXT DEFAULT '',
			password TEXT DEFAULT '',
			block_index INTEGER,
			network_cidr TEXT,
			shared_secret TEXT,
			dest_type TEXT,
			dest_account TEXT,
			dest_name TEXT DEFAULT '',
			enabled INTEGER DEFAULT 1,
			created_at DATETIME,
			updated_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			station_id TEXT,
			device TEXT,
			plan_id TEXT,
			amount_kes INTEGER DEFAULT 0,
			phone TEXT DEFAULT '',
			gateway_ref TEXT DEFAULT '',
			state TEXT,
			reason TEXT DEFAULT '',
			callback_received INTEGER DEFAULT 0,
			reconcile_attempts INTEGER DEFAULT 0,
			created_at DATETIME,
			updated_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS accounts (
			device TEXT,
			station_id TEXT,
			plan_id TEXT DEFAULT '',
			expires_at DATETIME,
			data_cap_mb INTEGER DEFAULT 0,
			data_used_mb INTEGER DEFAULT 0,
			download_kbps INTEGER DEFAULT 0,
			upload_kbps INTEGER DEFAULT 0,
			active INTEGER DEFAULT 0,
			token TEXT DEFAULT '',
			created_at DATETIME,
			updated_at DATETIME,
			PRIMARY KEY (device, station_id)
		);

		CREATE TABLE IF NOT EXISTS applied_transactions (
			tx_id TEXT PRIMARY KEY
		);

		CREATE TABLE IF NOT EXISTS quarantine (
			block_index INTEGER PRIMARY KEY,
			secret TEXT,
			until DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_state ON transactions(state);
		CREATE INDEX IF NOT EXISTS idx_transactions_ref ON transactions(gateway_ref);
		CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(active);
	`)
	return err
}

// SaveStation upserts a station record.
func (db *DB) SaveStation(s *station.Station) error {
	_, err := db.conn.Exec(`
		INSERT INTO stations (id, name, host, username, password, block_index, network_cidr, shared_secret, dest_type, dest_account, dest_name, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			host = excluded.host,
			username = excluded.username,
			password = excluded.password,
			block_index = excluded.block_index,
			network_cidr = excluded.network_cidr,
			shared_secret = excluded.shared_secret,
			dest_type = excluded.dest_type,
			dest_account = excluded.dest_account,
			dest_name = excluded.dest_name,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, s.ID, s.Name, s.Host, s.Username, s.Password, s.BlockIndex, s.NetworkCIDR, s.SharedSecret,
		string(s.Destination.Type), s.Destination.AccountNumber, s.Destination.AccountName,
		boolToInt(s.Enabled), s.CreatedAt, s.UpdatedAt)
	return err
}

// DeleteStation removes a station record.
func (db *DB) DeleteStation(id string) error {
	_, err := db.conn.Exec(`DELETE FROM stations WHERE id = ?`, id)
	return err
}

// SaveQuarantine upserts a quarantined block so its cool-down window
// survives a restart.
func (db *DB) SaveQuarantine(q station.Quarantined) error {
	_, err := db.conn.Exec(`
		INSERT INTO quarantine (block_index, secret, until)
		VALUES (?, ?, ?)
		ON CONFLICT(block_index) DO UPDATE SET
			secret = excluded.secret,
			until = excluded.until
	`, q.Block, q.Secret, q.Until)
	return err
}

// DeleteQuarantine removes a quarantine row once its block is reassigned.
func (db *DB) DeleteQuarantine(block int) error {
	_, err := db.conn.Exec(`DELETE FROM quarantine WHERE block_index = ?`, block)
	return err
}

// LoadQuarantine returns all quarantined blocks for startup restore.
func (db *DB) LoadQuarantine() ([]station.Quarantined, error) {
	rows, err := db.conn.Query(`SELECT block_index, secret, until FROM quarantine`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []station.Quarantined
	for rows.Next() {
		var q station.Quarantined
		if err := rows.Scan(&q.Block, &q.Secret, &q.Until); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// LoadStations returns all stations for startup restore.
func (db *DB) LoadStations() ([]*station.Station, error) {
	rows, err := db.conn.Query(`
		SELECT id, name, host, username, password, block_index, network_cidr, shared_secret, dest_type, dest_account, dest_name, enabled, created_at, updated_at
		FROM stations ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []*station.Station
	for rows.Next() {
		s := &station.Station{}
		var destType string
		var enabled int
		if err := rows.Scan(&s.ID, &s.Name, &s.Host, &s.Username, &s.Password, &s.BlockIndex, &s.NetworkCIDR, &s.SharedSecret,
			&destType, &s.Destination.AccountNumber, &s.Destination.AccountName, &enabled, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Destination.Type = station.DestinationType(destType)
		s.Enabled = enabled != 0
		stations = append(stations, s)
	}
	return stations, rows.Err()
}

// SaveTransaction upserts a transaction record.
func (db *DB) SaveTransaction(tx *payment.Transaction) error {
	_, err := db.conn.Exec(`
		INSERT INTO transactions (id, station_id, device, plan_id, amount_kes, phone, gateway_ref, state, reason, callback_received, reconcile_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			gateway_ref = excluded.gateway_ref,
			state = excluded.state,
			reason = excluded.reason,
			callback_received = excluded.callback_received,
			reconcile_attempts = excluded.reconcile_attempts,
			updated_at = excluded.updated_at
	`, tx.ID, tx.StationID, tx.Device, tx.PlanID, tx.AmountKES, tx.Phone, tx.GatewayRef,
		string(tx.State), tx.Reason, boolToInt(tx.CallbackReceived), tx.ReconcileAttempts,
		tx.CreatedAt, tx.UpdatedAt)
	return err
}

// LoadTransactions returns all transactions for startup restore.
func (db *DB) LoadTransactions() ([]*payment.Transaction, error) {
	rows, err := db.conn.Query(`
		SELECT id, station_id, device, plan_id, amount_kes, phone, gateway_ref, state, reason, callback_received, reconcile_attempts, created_at, updated_at
		FROM transactions ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*payment.Transaction
	for rows.Next() {
		tx := &payment.Transaction{}
		var state string
		var callback int
		if err := rows.Scan(&tx.ID, &tx.StationID, &tx.Device, &tx.PlanID, &tx.AmountKES, &tx.Phone, &tx.GatewayRef,
			&state, &tx.Reason, &callback, &tx.ReconcileAttempts, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
			return nil, err
		}
		tx.State = payment.State(state)
		tx.CallbackReceived = callback != 0
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SaveAccount upserts an account record.
func (db *DB) SaveAccount(a *access.Account) error {
	_, err := db.conn.Exec(`
		INSERT INTO accounts (device, station_id, plan_id, expires_at, data_cap_mb, data_used_mb, download_kbps, upload_kbps, active, token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device, station_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			expires_at = excluded.expires_at,
			data_cap_mb = excluded.data_cap_mb,
			data_used_mb = excluded.data_used_mb,
			download_kbps = excluded.download_kbps,
			upload_kbps = excluded.upload_kbps,
			active = excluded.active,
			token = excluded.token,
			updated_at = excluded.updated_at
	`, a.Device, a.StationID, a.PlanID, a.ExpiresAt, a.DataCapMB, a.DataUsedMB,
		a.DownloadKbps, a.UploadKbps, boolToInt(a.Active), a.Token, a.CreatedAt, a.UpdatedAt)
	return err
}

// SaveApplied records a transaction as provisioned.
func (db *DB) SaveApplied(txID string) error {
	_, err := db.conn.Exec(`INSERT OR IGNORE INTO applied_transactions (tx_id) VALUES (?)`, txID)
	return err
}

// LoadAccounts returns all accounts and applied transaction IDs for startup
// restore.
func (db *DB) LoadAccounts() ([]*access.Account, []string, error) {
	rows, err := db.conn.Query(`
		SELECT device, station_id, plan_id, expires_at, data_cap_mb, data_used_mb, download_kbps, upload_kbps, active, token, created_at, updated_at
		FROM accounts
	`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var accounts []*access.Account
	for rows.Next() {
		a := &access.Account{}
		var active int
		if err := rows.Scan(&a.Device, &a.StationID, &a.PlanID, &a.ExpiresAt, &a.DataCapMB, &a.DataUsedMB,
			&a.DownloadKbps, &a.UploadKbps, &active, &a.Token, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, nil, err
		}
		a.Active = active != 0
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	applied, err := db.loadApplied()
	if err != nil {
		return nil, nil, err
	}
	return accounts, applied, nil
}

func (db *DB) loadApplied() ([]string, error) {
	rows, err := db.conn.Query(`SELECT tx_id FROM applied_transactions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stats summarizes revenue and account activity.
type Stats struct {
	Stations       int   `json:"stations"`
	Transactions   int   `json:"transactions"`
	Confirmed      int   `json:"confirmed"`
	RevenueKES     int64 `json:"revenue_kes"`
	ActiveAccounts int   `json:"active_accounts"`
}

// GetStats aggregates totals across all tables.
func (db *DB) GetStats() (*Stats, error) {
	st := &Stats{}
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM stations`).Scan(&st.Stations); err != nil {
		return nil, err
	}
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM transactions`).Scan(&st.Transactions); err != nil {
		return nil, err
	}
	row := db.conn.QueryRow(`SELECT COUNT(*), COALESCE(SUM(amount_kes), 0) FROM transactions WHERE state = ?`, string(payment.StateConfirmed))
	if err := row.Scan(&st.Confirmed, &st.RevenueKES); err != nil {
		return nil, err
	}
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM accounts WHERE active = 1`).Scan(&st.ActiveAccounts); err != nil {
		return nil, err
	}
	return st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
