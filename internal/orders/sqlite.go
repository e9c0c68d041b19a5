package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/keithlinneman/topupstore/internal/xerrors"
)

const schema = `
	CREATE TABLE IF NOT EXISTS payment_methods (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		label TEXT NOT NULL,
		account_name TEXT NOT NULL DEFAULT '',
		account_number TEXT NOT NULL DEFAULT '',
		qris_image_url TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		game_title TEXT NOT NULL,
		account_data TEXT NOT NULL,
		nominal_name TEXT NOT NULL,
		total_amount INTEGER NOT NULL,
		payment_method TEXT NOT NULL,
		payment_method_id TEXT NOT NULL,
		product_slug TEXT NOT NULL DEFAULT '',
		nickname TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		proof_key TEXT NOT NULL DEFAULT '',
		proof_sha256 TEXT NOT NULL DEFAULT '',
		proof_outcome TEXT NOT NULL DEFAULT '',
		proof_warnings TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
`

// SQLiteStore is the order store
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and migrates it
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, xerrors.Wrapf(err, "create database dir for %s", path)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, xerrors.Wrapf(err, "open sqlite %s", path)
	}
	// one writer, sqlite serialises anyway and this avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(err, "migrate order schema")
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping backs the readiness probe
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateOrder assigns an id and timestamps and inserts o as pending
func (s *SQLiteStore) CreateOrder(ctx context.Context, o Order) (Order, error) {
	o.ID = uuid.NewString()
	o.Status = StatusPending
	o.CreatedAt = s.now().UTC()
	o.UpdatedAt = o.CreatedAt
	if o.AccountData == nil {
		o.AccountData = map[string]string{}
	}

	acct, err := json.Marshal(o.AccountData)
	if err != nil {
		return Order{}, xerrors.Wrap(err, "encode account data")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, game_title, account_data, nominal_name, total_amount,
			payment_method, payment_method_id, product_slug, nickname, status,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.GameTitle, string(acct), o.NominalName, o.TotalAmount,
		o.PaymentMethod, o.PaymentMethodID, o.ProductSlug, o.Nickname, string(o.Status),
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return Order{}, xerrors.Wrap(err, "insert order")
	}
	return o, nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, game_title, account_data, nominal_name, total_amount,
			payment_method, payment_method_id, product_slug, nickname, status,
			proof_key, proof_sha256, proof_outcome, proof_warnings,
			created_at, updated_at
		FROM orders WHERE id = ?`, id)

	var (
		o              Order
		acct, warnings string
		status         string
	)
	err := row.Scan(&o.ID, &o.GameTitle, &acct, &o.NominalName, &o.TotalAmount,
		&o.PaymentMethod, &o.PaymentMethodID, &o.ProductSlug, &o.Nickname, &status,
		&o.ProofKey, &o.ProofSHA256, &o.ProofOutcome, &warnings,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, xerrors.Wrapf(ErrNotFound, "order %s", id)
	}
	if err != nil {
		return Order{}, xerrors.Wrapf(err, "select order %s", id)
	}

	o.Status = Status(status)
	if err := json.Unmarshal([]byte(acct), &o.AccountData); err != nil {
		return Order{}, xerrors.Wrapf(err, "decode account data for order %s", id)
	}
	if err := json.Unmarshal([]byte(warnings), &o.ProofWarnings); err != nil {
		return Order{}, xerrors.Wrapf(err, "decode proof warnings for order %s", id)
	}
	return o, nil
}

// RecordProof attaches p and moves the order to processing. Only a pending
// order accepts a proof; the check and the update are one statement.
func (s *SQLiteStore) RecordProof(ctx context.Context, id string, p ProofRecord) error {
	if p.Warnings == nil {
		p.Warnings = []string{}
	}
	warnings, err := json.Marshal(p.Warnings)
	if err != nil {
		return xerrors.Wrap(err, "encode proof warnings")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET proof_key = ?, proof_sha256 = ?, proof_outcome = ?, proof_warnings = ?,
			status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		p.Key, p.SHA256, p.Outcome, string(warnings),
		string(StatusProcessing), s.now().UTC(),
		id, string(StatusPending),
	)
	if err != nil {
		return xerrors.Wrapf(err, "record proof for order %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(err, "rows affected")
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetOrder(ctx, id); err != nil {
		return err
	}
	return xerrors.Wrapf(ErrNotPending, "order %s", id)
}

// UpsertPaymentMethod inserts or replaces m, used for seeding
func (s *SQLiteStore) UpsertPaymentMethod(ctx context.Context, m PaymentMethod) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_methods (id, type, label, account_name, account_number, qris_image_url, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			label = excluded.label,
			account_name = excluded.account_name,
			account_number = excluded.account_number,
			qris_image_url = excluded.qris_image_url,
			active = excluded.active`,
		m.ID, m.Type, m.Label, m.AccountName, m.AccountNumber, m.QRISImageURL, m.Active,
	)
	return xerrors.Wrapf(err, "upsert payment method %s", m.ID)
}

const paymentMethodCols = `id, type, label, account_name, account_number, qris_image_url, active`

func scanPaymentMethod(sc interface{ Scan(...any) error }) (PaymentMethod, error) {
	var m PaymentMethod
	err := sc.Scan(&m.ID, &m.Type, &m.Label, &m.AccountName, &m.AccountNumber, &m.QRISImageURL, &m.Active)
	return m, err
}

func (s *SQLiteStore) GetPaymentMethod(ctx context.Context, id string) (PaymentMethod, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentMethodCols+` FROM payment_methods WHERE id = ?`, id)
	m, err := scanPaymentMethod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PaymentMethod{}, xerrors.Wrapf(ErrNotFound, "payment method %s", id)
	}
	if err != nil {
		return PaymentMethod{}, xerrors.Wrapf(err, "select payment method %s", id)
	}
	return m, nil
}

func (s *SQLiteStore) ListPaymentMethods(ctx context.Context, activeOnly bool) ([]PaymentMethod, error) {
	q := `SELECT ` + paymentMethodCols + ` FROM payment_methods`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	q += ` ORDER BY type, label`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, xerrors.Wrap(err, "list payment methods")
	}
	defer rows.Close()

	out := []PaymentMethod{}
	for rows.Next() {
		m, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, xerrors.Wrap(err, "scan payment method")
		}
		out = append(out, m)
	}
	return out, xerrors.Wrap(rows.Err(), "iterate payment methods")
}
