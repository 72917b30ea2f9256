package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"launchbot/internal/launch"
	logx "launchbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const eventColumns = `id, name, net_unix, status, provider_key, provider_name, launched, details,
	notify_24h, notify_12h, notify_1h, notify_5m, muted_by, sent_message_ids, last_reconciled_at`

var notifyColumn = map[launch.Class]string{
	launch.Class24h: "notify_24h",
	launch.Class12h: "notify_12h",
	launch.Class1h:  "notify_1h",
	launch.Class5m:  "notify_5m",
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: every core write is sequenced anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage"))}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	st.log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (launch.Event, error) {
	var (
		ev       launch.Event
		status   string
		launched int
		details  sql.NullString
		n        [launch.NumLeadClasses]int
		muted    string
		receipts string
	)
	err := r.Scan(&ev.ID, &ev.Name, &ev.NetUnix, &status, &ev.ProviderKey, &ev.ProviderName, &launched, &details,
		&n[0], &n[1], &n[2], &n[3], &muted, &receipts, &ev.LastReconciledAt)
	if err != nil {
		return launch.Event{}, err
	}
	ev.Status = launch.Status(status)
	ev.Launched = launched != 0
	if details.Valid && details.String != "" {
		ev.Details = json.RawMessage(details.String)
	}
	for i, v := range n {
		ev.Notified[i] = v != 0
	}
	if muted != "" {
		if err := json.Unmarshal([]byte(muted), &ev.MutedBy); err != nil {
			return launch.Event{}, fmt.Errorf("event %s muted_by: %w", ev.ID, err)
		}
	}
	// A malformed receipt only loses that receipt.
	ev.SentMessages, _ = launch.DecodeReceipts(receipts)
	return ev, nil
}

func (s *sqliteStore) Upsert(ctx context.Context, snap launch.Snapshot, epoch int64) (bool, launch.Event, error) {
	if snap.ID == "" {
		return false, launch.Event{}, errors.New("upsert: empty id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, launch.Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, snap.ID))
	isNew := errors.Is(err, sql.ErrNoRows)
	if err != nil && !isNew {
		return false, launch.Event{}, err
	}

	details := nullStr(string(snap.Details))
	if isNew {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events(id, name, net_unix, status, provider_key, provider_name, launched, details, last_reconciled_at)
			 VALUES(?,?,?,?,?,?,?,?,?)`,
			snap.ID, snap.Name, snap.NetUnix, string(snap.Status), snap.ProviderKey, snap.ProviderName,
			boolInt(snap.IsLaunched()), details, epoch,
		)
		prev = launch.Event{}
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE events SET name=?, net_unix=?, status=?, provider_key=?, provider_name=?, launched=?, details=?, last_reconciled_at=?
			 WHERE id = ?`,
			snap.Name, snap.NetUnix, string(snap.Status), snap.ProviderKey, snap.ProviderName,
			boolInt(snap.IsLaunched()), details, epoch, snap.ID,
		)
	}
	if err != nil {
		return false, launch.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return false, launch.Event{}, err
	}
	return isNew, prev, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (launch.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return launch.Event{}, ErrNotFound
	}
	return ev, err
}

func (s *sqliteStore) ListUpcoming(ctx context.Context, minNet int64) ([]launch.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE net_unix >= ? ORDER BY net_unix ASC, id ASC`, minNet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []launch.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetNotified(ctx context.Context, id string, class launch.Class) error {
	col, ok := notifyColumn[class]
	if !ok {
		return nil
	}
	return s.execOne(ctx, `UPDATE events SET `+col+` = 1 WHERE id = ?`, id)
}

func (s *sqliteStore) ResetNotified(ctx context.Context, id string, classes []launch.Class) error {
	var sets []string
	for _, c := range classes {
		if col, ok := notifyColumn[c]; ok {
			sets = append(sets, col+" = 0")
		}
	}
	if len(sets) == 0 {
		return nil
	}
	return s.execOne(ctx, `UPDATE events SET `+strings.Join(sets, ", ")+` WHERE id = ?`, id)
}

func (s *sqliteStore) SetMuted(ctx context.Context, id string, chatID int64, muted bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT muted_by FROM events WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var list []int64
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return fmt.Errorf("event %s muted_by: %w", id, err)
		}
	}
	list = toggleID(list, chatID, muted)
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE events SET muted_by = ? WHERE id = ?`, string(b), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) RecordSentMessages(ctx context.Context, id string, receipts []launch.Receipt) error {
	return s.execOne(ctx, `UPDATE events SET sent_message_ids = ? WHERE id = ?`, launch.EncodeReceipts(receipts), id)
}

func (s *sqliteStore) DeleteUnreported(ctx context.Context, reconciledBefore int64) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM events WHERE launched = 0 AND last_reconciled_at < ? ORDER BY id`, reconciledBefore)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE launched = 0 AND last_reconciled_at < ?`, reconciledBefore); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

func (s *sqliteStore) DeleteExpired(ctx context.Context, netBefore, reconciledBefore int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE net_unix < ? OR last_reconciled_at < ?`, netBefore, reconciledBefore)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Epoch(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'epoch'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (s *sqliteStore) SetEpoch(ctx context.Context, epoch int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES('epoch', ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, epoch)
	return err
}

func scanRecipient(r rowScanner) (launch.Recipient, error) {
	var (
		rc          launch.Recipient
		allow, deny string
		prefs       string
	)
	if err := r.Scan(&rc.ChatID, &allow, &deny, &prefs, &rc.UTCOffset); err != nil {
		return launch.Recipient{}, err
	}
	if err := json.Unmarshal([]byte(allow), &rc.ProviderAllow); err != nil {
		return launch.Recipient{}, fmt.Errorf("recipient %d provider_allow: %w", rc.ChatID, err)
	}
	if err := json.Unmarshal([]byte(deny), &rc.ProviderDeny); err != nil {
		return launch.Recipient{}, fmt.Errorf("recipient %d provider_deny: %w", rc.ChatID, err)
	}
	f, err := launch.DecodeFlags(prefs)
	if err != nil {
		return launch.Recipient{}, fmt.Errorf("recipient %d: %w", rc.ChatID, err)
	}
	rc.LeadTimePrefs = f
	return rc, nil
}

func (s *sqliteStore) Recipients(ctx context.Context) ([]launch.Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, provider_allow, provider_deny, lead_time_prefs, utc_offset FROM recipients ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []launch.Recipient
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			// Skip the broken row instead of muting everyone.
			s.log.Warn("skipping unreadable recipient row", logx.Err(err))
			continue
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetRecipient(ctx context.Context, chatID int64) (launch.Recipient, error) {
	rc, err := scanRecipient(s.db.QueryRowContext(ctx,
		`SELECT chat_id, provider_allow, provider_deny, lead_time_prefs, utc_offset FROM recipients WHERE chat_id = ?`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return launch.Recipient{}, ErrNotFound
	}
	return rc, err
}

func (s *sqliteStore) PutRecipient(ctx context.Context, r launch.Recipient) error {
	allow, err := json.Marshal(nonNil(r.ProviderAllow))
	if err != nil {
		return err
	}
	deny, err := json.Marshal(nonNil(r.ProviderDeny))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recipients(chat_id, provider_allow, provider_deny, lead_time_prefs, utc_offset) VALUES(?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET provider_allow=excluded.provider_allow, provider_deny=excluded.provider_deny,
		 lead_time_prefs=excluded.lead_time_prefs, utc_offset=excluded.utc_offset`,
		r.ChatID, string(allow), string(deny), r.LeadTimePrefs.Encode(), r.UTCOffset,
	)
	return err
}

func (s *sqliteStore) DeleteRecipient(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recipients WHERE chat_id = ?`, chatID)
	return err
}

func (s *sqliteStore) MigrateRecipient(ctx context.Context, from, to int64) error {
	return s.execOne(ctx, `UPDATE OR REPLACE recipients SET chat_id = ? WHERE chat_id = ?`, to, from)
}

func (s *sqliteStore) IncrStat(ctx context.Context, name string, delta int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stats(name, value) VALUES(?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`, name, delta)
	return err
}

func (s *sqliteStore) Stats(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM stats`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var (
			k string
			v int64
		)
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *sqliteStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func toggleID(list []int64, id int64, on bool) []int64 {
	out := list[:0:0]
	found := false
	for _, v := range list {
		if v == id {
			found = true
			if !on {
				continue
			}
		}
		out = append(out, v)
	}
	if on && !found {
		out = append(out, id)
	}
	return out
}
