// Package store provides SQLite persistence for sweep.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/darshan-rambhia/sweep/internal/model"
)

const (
	// DefaultLogLimit is used when a caller asks for a non-positive number of logs.
	DefaultLogLimit = 50
	// MaxLogLimit caps a single execution log query.
	MaxLogLimit = 1000
)

var (
	// ErrNotFound is returned when a row does not exist for the given tenant.
	ErrNotFound = errors.New("not found")
	// ErrRuleLimitExceeded is returned when a tenant already owns the maximum
	// number of rules.
	ErrRuleLimitExceeded = errors.New("rule limit exceeded")
)

// Error is a persistence failure tagged with the operation that caused it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Store wraps a SQLite database. All methods are serialised through one mutex
// over a single connection, so callers never see SQLITE_BUSY from themselves.
type Store struct {
	mu  sync.Mutex
	db  *sqlx.DB
	now func() time.Time
}

// New opens or creates a SQLite database at the given path and migrates it.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.withTx(func(tx *sqlx.Tx) error { return migrate(tx, s.now().Unix()) }); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wrap("pinging database", s.db.Ping())
}

// withTx runs fn in a transaction, committing on success. The caller holds mu
// (or is New, before the store is shared).
func (s *Store) withTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ServerKey returns the persisted server key, if any.
func (s *Store) ServerKey() ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key []byte
	err := s.db.Get(&key, `SELECT encryption_key FROM server_key WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap("loading server key", err)
	}
	return key, true, nil
}

// SaveServerKey persists the server key. It fails if a key already exists.
func (s *Store) SaveServerKey(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO server_key (id, encryption_key, created_at) VALUES (1, ?, ?)`,
		key, s.now().Unix())
	return wrap("saving server key", err)
}

type credentialRow struct {
	Hash       string `db:"api_key_hash"`
	Ciphertext []byte `db:"encrypted_api_key"`
	Nonce      []byte `db:"nonce"`
	CreatedAt  int64  `db:"created_at"`
	LastUsedAt int64  `db:"last_used_at"`
}

// SaveCredential inserts or replaces a tenant credential, keeping the original
// created_at and refreshing last_used_at.
func (s *Store) SaveCredential(rec model.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO api_keys (api_key_hash, encrypted_api_key, nonce, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(api_key_hash) DO UPDATE SET
			encrypted_api_key = excluded.encrypted_api_key,
			nonce             = excluded.nonce,
			last_used_at      = excluded.last_used_at`,
		rec.Hash, rec.Ciphertext, rec.Nonce, now, now,
	)
	return wrap("saving credential", err)
}

// GetCredential loads the encrypted credential for a tenant.
func (s *Store) GetCredential(hash string) (*model.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row credentialRow
	err := s.db.Get(&row, `
		SELECT api_key_hash, encrypted_api_key, nonce, created_at, last_used_at
		FROM api_keys WHERE api_key_hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrap("loading credential", ErrNotFound)
	}
	if err != nil {
		return nil, wrap("loading credential", err)
	}
	return &model.CredentialRecord{
		Hash:       row.Hash,
		Ciphertext: row.Ciphertext,
		Nonce:      row.Nonce,
		CreatedAt:  time.Unix(row.CreatedAt, 0),
		LastUsedAt: time.Unix(row.LastUsedAt, 0),
	}, nil
}

// TouchCredential refreshes last_used_at for a tenant.
func (s *Store) TouchCredential(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE api_key_hash = ?`, s.now().Unix(), hash)
	if err != nil {
		return wrap("touching credential", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap("touching credential", ErrNotFound)
	}
	return nil
}

// CredentialExists reports whether a tenant has a stored credential.
func (s *Store) CredentialExists(hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM api_keys WHERE api_key_hash = ?`, hash); err != nil {
		return false, wrap("checking credential", err)
	}
	return n > 0, nil
}

type ruleRow struct {
	ID            int64  `db:"id"`
	TenantHash    string `db:"api_key_hash"`
	Name          string `db:"name"`
	Enabled       bool   `db:"enabled"`
	TriggerConfig string `db:"trigger_config"`
	Conditions    string `db:"conditions"`
	ActionConfig  string `db:"action_config"`
	CreatedAt     int64  `db:"created_at"`
	UpdatedAt     int64  `db:"updated_at"`
}

const ruleColumns = `id, api_key_hash, name, enabled, trigger_config, conditions, action_config, created_at, updated_at`

func (r ruleRow) toRule() (model.Rule, error) {
	rule := model.Rule{
		ID:         r.ID,
		TenantHash: r.TenantHash,
		Name:       r.Name,
		Enabled:    r.Enabled,
		CreatedAt:  time.Unix(r.CreatedAt, 0),
		UpdatedAt:  time.Unix(r.UpdatedAt, 0),
	}
	if err := json.Unmarshal([]byte(r.TriggerConfig), &rule.Trigger); err != nil {
		return rule, fmt.Errorf("decoding trigger of rule %d: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Conditions), &rule.Conditions); err != nil {
		return rule, fmt.Errorf("decoding conditions of rule %d: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.ActionConfig), &rule.Action); err != nil {
		return rule, fmt.Errorf("decoding action of rule %d: %w", r.ID, err)
	}
	return rule, nil
}

func encodeRule(rule *model.Rule) (trigger, conditions, action string, err error) {
	t, err := json.Marshal(rule.Trigger)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding trigger: %w", err)
	}
	c, err := json.Marshal(rule.Conditions)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding conditions: %w", err)
	}
	a, err := json.Marshal(rule.Action)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding action: %w", err)
	}
	return string(t), string(c), string(a), nil
}

// SaveRule inserts a rule when its ID is zero and returns the new ID;
// otherwise it updates the rule owned by rule.TenantHash in place. Updating a
// rule that does not exist for that tenant returns ErrNotFound.
func (s *Store) SaveRule(rule *model.Rule) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == 0 {
		id, err := s.insertRule(s.db, rule)
		return id, wrap("inserting rule", err)
	}

	trigger, conditions, action, err := encodeRule(rule)
	if err != nil {
		return 0, wrap("updating rule", err)
	}
	now := s.now()
	res, err := s.db.Exec(`
		UPDATE automation_rules
		SET name = ?, enabled = ?, trigger_config = ?, conditions = ?, action_config = ?, updated_at = ?
		WHERE id = ? AND api_key_hash = ?`,
		rule.Name, rule.Enabled, trigger, conditions, action, now.Unix(),
		rule.ID, rule.TenantHash,
	)
	if err != nil {
		return 0, wrap(fmt.Sprintf("updating rule %d", rule.ID), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, wrap(fmt.Sprintf("updating rule %d", rule.ID), ErrNotFound)
	}
	rule.UpdatedAt = time.Unix(now.Unix(), 0)
	return rule.ID, nil
}

// CreateRuleWithinLimit inserts a new rule only if the tenant owns fewer than
// max rules. The count and insert share one transaction.
func (s *Store) CreateRuleWithinLimit(rule *model.Rule, max int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.withTx(func(tx *sqlx.Tx) error {
		var count int
		if err := tx.Get(&count, `SELECT COUNT(*) FROM automation_rules WHERE api_key_hash = ?`, rule.TenantHash); err != nil {
			return fmt.Errorf("counting rules: %w", err)
		}
		if count >= max {
			return ErrRuleLimitExceeded
		}
		var err error
		id, err = s.insertRule(tx, rule)
		return err
	})
	if err != nil {
		return 0, wrap("creating rule", err)
	}
	return id, nil
}

func (s *Store) insertRule(ex sqlx.Execer, rule *model.Rule) (int64, error) {
	trigger, conditions, action, err := encodeRule(rule)
	if err != nil {
		return 0, err
	}
	now := time.Unix(s.now().Unix(), 0)
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	res, err := ex.Exec(`
		INSERT INTO automation_rules
		(api_key_hash, name, enabled, trigger_config, conditions, action_config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.TenantHash, rule.Name, rule.Enabled, trigger, conditions, action,
		rule.CreatedAt.Unix(), rule.UpdatedAt.Unix(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading rule id: %w", err)
	}
	rule.ID = id
	return id, nil
}

// GetRulesByAPIKey returns a tenant's rules, newest first.
func (s *Store) GetRulesByAPIKey(hash string) ([]model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []ruleRow
	err := s.db.Select(&rows, `SELECT `+ruleColumns+` FROM automation_rules
		WHERE api_key_hash = ? ORDER BY created_at DESC, id DESC`, hash)
	if err != nil {
		return nil, wrap("listing rules", err)
	}
	rules := make([]model.Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := row.toRule()
		if err != nil {
			return nil, wrap("listing rules", err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// GetRule returns one rule owned by the tenant.
func (s *Store) GetRule(id int64, hash string) (*model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row ruleRow
	err := s.db.Get(&row, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = ? AND api_key_hash = ?`, id, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrap(fmt.Sprintf("loading rule %d", id), ErrNotFound)
	}
	if err != nil {
		return nil, wrap(fmt.Sprintf("loading rule %d", id), err)
	}
	rule, err := row.toRule()
	if err != nil {
		return nil, wrap(fmt.Sprintf("loading rule %d", id), err)
	}
	return &rule, nil
}

// CountRules returns how many rules a tenant owns.
func (s *Store) CountRules(hash string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM automation_rules WHERE api_key_hash = ?`, hash); err != nil {
		return 0, wrap("counting rules", err)
	}
	return n, nil
}

// GetAllEnabledRules returns every enabled rule across tenants. It is the only
// cross-tenant read and exists for the scheduler. Rows that fail to decode are
// logged and skipped so one corrupt rule cannot stall every tenant.
func (s *Store) GetAllEnabledRules() ([]model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []ruleRow
	err := s.db.Select(&rows, `SELECT `+ruleColumns+` FROM automation_rules WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, wrap("listing enabled rules", err)
	}
	rules := make([]model.Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := row.toRule()
		if err != nil {
			slog.Error("skipping undecodable rule", "rule_id", row.ID, "error", err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// DeleteRule removes a rule and its execution logs. It reports false when the
// rule does not exist for that tenant.
func (s *Store) DeleteRule(id int64, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted bool
	err := s.withTx(func(tx *sqlx.Tx) error {
		var n int
		if err := tx.Get(&n, `SELECT COUNT(*) FROM automation_rules WHERE id = ? AND api_key_hash = ?`, id, hash); err != nil {
			return fmt.Errorf("checking rule: %w", err)
		}
		if n == 0 {
			return nil
		}
		if _, err := tx.Exec(`DELETE FROM rule_execution_log WHERE rule_id = ?`, id); err != nil {
			return fmt.Errorf("deleting logs: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM automation_rules WHERE id = ? AND api_key_hash = ?`, id, hash); err != nil {
			return fmt.Errorf("deleting rule: %w", err)
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, wrap(fmt.Sprintf("deleting rule %d", id), err)
	}
	return deleted, nil
}

type logRow struct {
	ID             int64          `db:"id"`
	RuleID         int64          `db:"rule_id"`
	RuleName       string         `db:"rule_name"`
	TenantHash     string         `db:"api_key_hash"`
	ExecutionType  string         `db:"execution_type"`
	ItemsProcessed int            `db:"items_processed"`
	TotalItems     int            `db:"total_items"`
	Success        bool           `db:"success"`
	Partial        bool           `db:"partial"`
	ErrorMessage   sql.NullString `db:"error_message"`
	ProcessedItems sql.NullString `db:"processed_items"`
	ExecutedAt     int64          `db:"executed_at"`
	RunID          sql.NullString `db:"run_id"`
}

const logColumns = `id, rule_id, rule_name, api_key_hash, execution_type, items_processed, total_items,
	success, partial, error_message, processed_items, executed_at, run_id`

func (r logRow) toLog() model.ExecutionLog {
	l := model.ExecutionLog{
		ID:             r.ID,
		RuleID:         r.RuleID,
		RuleName:       r.RuleName,
		TenantHash:     r.TenantHash,
		ExecutionType:  model.ExecutionType(r.ExecutionType),
		ItemsProcessed: r.ItemsProcessed,
		TotalItems:     r.TotalItems,
		Success:        r.Success,
		Partial:        r.Partial,
		ErrorMessage:   r.ErrorMessage.String,
		ExecutedAt:     time.Unix(r.ExecutedAt, 0),
		RunID:          r.RunID.String,
	}
	if r.ProcessedItems.Valid && r.ProcessedItems.String != "" {
		if err := json.Unmarshal([]byte(r.ProcessedItems.String), &l.ProcessedItems); err != nil {
			slog.Warn("ignoring undecodable processed items", "log_id", r.ID, "error", err)
		}
	}
	return l
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// LogExecution appends an execution log and returns its ID. If the processed
// item detail cannot be serialised the row is still written without it. The
// row is only written while the rule still exists for the tenant; otherwise
// ErrNotFound is returned and l.ID is left unset.
func (s *Store) LogExecution(l *model.ExecutionLog) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var detail sql.NullString
	if len(l.ProcessedItems) > 0 {
		b, err := json.Marshal(l.ProcessedItems)
		if err != nil {
			slog.Warn("dropping processed items from execution log", "rule_id", l.RuleID, "error", err)
		} else {
			detail = sql.NullString{String: string(b), Valid: true}
		}
	}
	if l.ExecutedAt.IsZero() {
		l.ExecutedAt = time.Unix(s.now().Unix(), 0)
	}

	res, err := s.db.Exec(`
		INSERT INTO rule_execution_log
		(rule_id, rule_name, api_key_hash, execution_type, items_processed, total_items,
		 success, partial, error_message, processed_items, executed_at, run_id)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM automation_rules WHERE id = ? AND api_key_hash = ?)`,
		l.RuleID, l.RuleName, l.TenantHash, string(l.ExecutionType), l.ItemsProcessed, l.TotalItems,
		l.Success, l.Partial, nullString(l.ErrorMessage), detail, l.ExecutedAt.Unix(), nullString(l.RunID),
		l.RuleID, l.TenantHash,
	)
	if err != nil {
		return 0, wrap("inserting execution log", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("inserting execution log", err)
	}
	if n == 0 {
		return 0, wrap(fmt.Sprintf("inserting execution log for rule %d", l.RuleID), ErrNotFound)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrap("inserting execution log", err)
	}
	l.ID = id
	return id, nil
}

// CleanupOldLogs deletes execution logs older than the given number of days
// and returns how many rows were removed.
func (s *Store) CleanupOldLogs(days int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	res, err := s.db.Exec(`DELETE FROM rule_execution_log WHERE executed_at < ?`, cutoff)
	if err != nil {
		return 0, wrap("cleaning up execution logs", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClampLogLimit maps a requested log limit into [1, MaxLogLimit]; non-positive
// values fall back to DefaultLogLimit.
func ClampLogLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLogLimit
	case limit > MaxLogLimit:
		return MaxLogLimit
	}
	return limit
}

// GetExecutionLogs returns a tenant's execution logs, most recent first,
// optionally filtered to one rule.
func (s *Store) GetExecutionLogs(ruleID *int64, hash string, limit int) ([]model.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		where = []string{"api_key_hash = ?"}
		args  = []any{hash}
	)
	if ruleID != nil {
		where = append(where, "rule_id = ?")
		args = append(args, *ruleID)
	}
	args = append(args, ClampLogLimit(limit))

	var rows []logRow
	q := `SELECT ` + logColumns + ` FROM rule_execution_log WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY executed_at DESC, id DESC LIMIT ?`
	if err := s.db.Select(&rows, q, args...); err != nil {
		return nil, wrap("querying execution logs", err)
	}
	logs := make([]model.ExecutionLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, row.toLog())
	}
	return logs, nil
}

// LastExecutions returns the newest executed_at per rule.
func (s *Store) LastExecutions() (map[int64]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []struct {
		RuleID     int64 `db:"rule_id"`
		ExecutedAt int64 `db:"executed_at"`
	}
	err := s.db.Select(&rows, `SELECT rule_id, MAX(executed_at) AS executed_at FROM rule_execution_log GROUP BY rule_id`)
	if err != nil {
		return nil, wrap("querying last executions", err)
	}
	out := make(map[int64]time.Time, len(rows))
	for _, r := range rows {
		out[r.RuleID] = time.Unix(r.ExecutedAt, 0)
	}
	return out, nil
}
