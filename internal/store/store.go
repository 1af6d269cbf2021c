package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store records program events for the event recorder in Postgres.
type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

// rebindPostgresPlaceholders turns ? placeholders outside string literals
// into $n.
func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'' && inSingleQuote && i+1 < len(query) && query[i+1] == '\'':
			out.WriteString("''")
			i++
		case ch == '\'':
			inSingleQuote = !inSingleQuote
			out.WriteByte(ch)
		case ch == '?' && !inSingleQuote:
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
		default:
			out.WriteByte(ch)
		}
	}
	return out.String()
}

func New(ctx context.Context, dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(8)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS program_events (
			signature TEXT NOT NULL,
			event_index INTEGER NOT NULL,
			sub_account TEXT NOT NULL,
			kind TEXT NOT NULL,
			action TEXT NOT NULL,
			market_type TEXT NOT NULL,
			market_index INTEGER NOT NULL,
			order_id BIGINT,
			slot BIGINT NOT NULL,
			event_ts BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			recorded_at BIGINT NOT NULL,
			PRIMARY KEY (signature, event_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_program_events_sub_account_slot ON program_events(sub_account, slot);`,
		`CREATE TABLE IF NOT EXISTS recorder_state (
			sub_account TEXT PRIMARY KEY,
			last_slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// RecordEvent upserts one event and advances the sub-account's high-water slot.
func (s *Store) RecordEvent(ctx context.Context, row EventRow) error {
	now := time.Now().Unix()
	return s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO program_events (
				signature, event_index, sub_account, kind, action, market_type,
				market_index, order_id, slot, event_ts, raw_json, recorded_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(signature, event_index) DO UPDATE SET
				sub_account = excluded.sub_account,
				kind = excluded.kind,
				action = excluded.action,
				market_type = excluded.market_type,
				market_index = excluded.market_index,
				order_id = excluded.order_id,
				slot = excluded.slot,
				event_ts = excluded.event_ts,
				raw_json = excluded.raw_json
		`,
			row.Signature,
			row.Index,
			row.SubAccount,
			row.Kind,
			row.Action,
			row.MarketType,
			int64(row.MarketIndex),
			row.OrderID,
			int64(row.Slot),
			row.Timestamp,
			row.RawJSON,
			now,
		)
		if err != nil {
			return fmt.Errorf("upsert event %s/%d: %w", row.Signature, row.Index, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO recorder_state (sub_account, last_slot, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(sub_account) DO UPDATE SET
				last_slot = GREATEST(recorder_state.last_slot, excluded.last_slot),
				updated_at = excluded.updated_at
		`, row.SubAccount, int64(row.Slot), now)
		if err != nil {
			return fmt.Errorf("advance recorder state: %w", err)
		}
		return nil
	})
}

// LastSlot reports the highest slot recorded for subAccount.
func (s *Store) LastSlot(ctx context.Context, subAccount solana.PublicKey) (uint64, bool, error) {
	var slot int64
	err := s.db.QueryRowContext(ctx, `SELECT last_slot FROM recorder_state WHERE sub_account = ?`, subAccount.String()).Scan(&slot)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read recorder state: %w", err)
	}
	return uint64(slot), true, nil
}
