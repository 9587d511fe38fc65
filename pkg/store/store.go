// Package store is PocketBrain's durable, crash-safe record of chats,
// messages, sessions, cursors, tasks and the outbox. All writes funnel
// through a single serialized writer path; reads may run concurrently.
// Backed by modernc.org/sqlite, a pure-Go SQLite driver, so the binary
// needs no cgo toolchain to persist state.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pocketbrain/pocketbrain/pkg/logger"
	"github.com/pocketbrain/pocketbrain/pkg/model"
)

// ErrNotFound is returned when a lookup by key finds no row.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	jid        TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	folder     TEXT NOT NULL UNIQUE,
	added_at   TEXT NOT NULL,
	is_main    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	chat_jid       TEXT NOT NULL,
	id             TEXT NOT NULL,
	sender         TEXT NOT NULL,
	sender_name    TEXT NOT NULL,
	content        TEXT NOT NULL,
	timestamp      TEXT NOT NULL,
	is_from_me     INTEGER NOT NULL DEFAULT 0,
	is_bot_message INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (chat_jid, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_jid, timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(timestamp);

CREATE TABLE IF NOT EXISTS cursors_seen (
	id    INTEGER PRIMARY KEY CHECK (id = 1),
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cursors_processed (
	chat_jid TEXT PRIMARY KEY,
	value    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	chat_folder TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	chat_folder    TEXT NOT NULL,
	chat_jid       TEXT NOT NULL,
	prompt         TEXT NOT NULL,
	schedule_kind  TEXT NOT NULL,
	schedule_value TEXT NOT NULL,
	context_mode   TEXT NOT NULL,
	next_run       TEXT,
	last_run       TEXT,
	last_result    TEXT,
	status         TEXT NOT NULL,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run);

CREATE TABLE IF NOT EXISTS outbox (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	channel    TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	text       TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	next_retry TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_channel_retry ON outbox(channel, next_retry);
`

const timeLayout = time.RFC3339Nano

// Store is PocketBrain's durable SQLite-backed state. All write
// operations are serialized through writeMu; reads use the
// database/sql connection pool directly since modernc.org/sqlite allows
// concurrent readers with a single writer (SQLite's normal model).
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open creates (if needed) and opens the SQLite database at path, applying
// the schema. The parent directory is created if missing.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(8)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logger.InfoCF("store", "opened store", map[string]interface{}{"path": path})
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withWriteTx runs fn inside a transaction under the single-writer lock,
// committing on success and rolling back on error or panic.
func (s *Store) withWriteTx(fn func(tx *sql.Tx) error) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ---------------------------------------------------------------------
// Chats
// ---------------------------------------------------------------------

// RegisterChat inserts a new chat. It returns an error if the jid or
// folder already exists.
func (s *Store) RegisterChat(chat model.Chat) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		if chat.IsMain {
			if _, err := tx.Exec(`UPDATE chats SET is_main = 0`); err != nil {
				return fmt.Errorf("clearing previous main chat: %w", err)
			}
		}
		_, err := tx.Exec(
			`INSERT INTO chats (jid, name, folder, added_at, is_main) VALUES (?, ?, ?, ?, ?)`,
			chat.JID, chat.Name, chat.Folder, chat.AddedAt.Format(timeLayout), boolToInt(chat.IsMain),
		)
		if err != nil {
			return fmt.Errorf("registering chat: %w", err)
		}
		return nil
	})
}

// UnregisterChat deletes a chat by jid.
func (s *Store) UnregisterChat(jid string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM chats WHERE jid = ?`, jid)
		if err != nil {
			return fmt.Errorf("unregistering chat: %w", err)
		}
		return nil
	})
}

// ListChats returns every registered chat.
func (s *Store) ListChats() ([]model.Chat, error) {
	rows, err := s.db.Query(`SELECT jid, name, folder, added_at, is_main FROM chats ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	defer rows.Close()

	var chats []model.Chat
	for rows.Next() {
		var c model.Chat
		var addedAt string
		var isMain int
		if err := rows.Scan(&c.JID, &c.Name, &c.Folder, &addedAt, &isMain); err != nil {
			return nil, fmt.Errorf("scanning chat: %w", err)
		}
		c.AddedAt = parseTime(addedAt)
		c.IsMain = isMain != 0
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChatByJID looks up a chat by jid.
func (s *Store) GetChatByJID(jid string) (model.Chat, error) {
	return s.scanOneChat(`SELECT jid, name, folder, added_at, is_main FROM chats WHERE jid = ?`, jid)
}

// GetChatByFolder looks up a chat by its folder slug.
func (s *Store) GetChatByFolder(folder string) (model.Chat, error) {
	return s.scanOneChat(`SELECT jid, name, folder, added_at, is_main FROM chats WHERE folder = ?`, folder)
}

// GetMainChat returns the chat flagged is_main, if any.
func (s *Store) GetMainChat() (model.Chat, error) {
	return s.scanOneChat(`SELECT jid, name, folder, added_at, is_main FROM chats WHERE is_main = 1`)
}

func (s *Store) scanOneChat(query string, args ...interface{}) (model.Chat, error) {
	var c model.Chat
	var addedAt string
	var isMain int
	err := s.db.QueryRow(query, args...).Scan(&c.JID, &c.Name, &c.Folder, &addedAt, &isMain)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Chat{}, ErrNotFound
	}
	if err != nil {
		return model.Chat{}, fmt.Errorf("querying chat: %w", err)
	}
	c.AddedAt = parseTime(addedAt)
	c.IsMain = isMain != 0
	return c, nil
}

// ---------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------

// RecordMessage persists a message. It is idempotent on (chat_jid, id):
// redelivery from a flaky channel transport is expected and must not
// produce duplicate rows or an error.
func (s *Store) RecordMessage(msg model.Message) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO messages (chat_jid, id, sender, sender_name, content, timestamp, is_from_me, is_bot_message)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(chat_jid, id) DO NOTHING`,
			msg.ChatJID, msg.ID, msg.Sender, msg.SenderName, msg.Content, msg.Timestamp,
			boolToInt(msg.IsFromMe), boolToInt(msg.IsBotMessage),
		)
		if err != nil {
			return fmt.Errorf("recording message: %w", err)
		}
		return nil
	})
}

// MessagesAfter returns every message for chatJID with timestamp strictly
// greater than cursor, in ascending timestamp order. An empty cursor
// returns the full history.
func (s *Store) MessagesAfter(chatJID, cursor string) ([]model.Message, error) {
	rows, err := s.db.Query(
		`SELECT chat_jid, id, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		 FROM messages WHERE chat_jid = ? AND timestamp > ? ORDER BY timestamp ASC, id ASC`,
		chatJID, cursor,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesAfterGlobal returns every message across all chats with
// timestamp strictly greater than cursor, in ascending timestamp order.
func (s *Store) MessagesAfterGlobal(cursor string) ([]model.Message, error) {
	rows, err := s.db.Query(
		`SELECT chat_jid, id, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		 FROM messages WHERE timestamp > ? ORDER BY timestamp ASC, chat_jid ASC, id ASC`,
		cursor,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	var out []model.Message
	for rows.Next() {
		var m model.Message
		var isFromMe, isBot int
		if err := rows.Scan(&m.ChatJID, &m.ID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &isFromMe, &isBot); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.IsFromMe = isFromMe != 0
		m.IsBotMessage = isBot != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------
// Cursors
// ---------------------------------------------------------------------

// GetSeenCursor returns the global max-timestamp cursor, or "" if unset.
func (s *Store) GetSeenCursor() (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM cursors_seen WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading seen cursor: %w", err)
	}
	return v, nil
}

// SetSeenCursor persists the global max-timestamp cursor.
func (s *Store) SetSeenCursor(value string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO cursors_seen (id, value) VALUES (1, ?)
			 ON CONFLICT(id) DO UPDATE SET value = excluded.value`,
			value,
		)
		if err != nil {
			return fmt.Errorf("writing seen cursor: %w", err)
		}
		return nil
	})
}

// GetProcessedCursor returns the per-chat processed cursor, or "" if unset.
func (s *Store) GetProcessedCursor(chatJID string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM cursors_processed WHERE chat_jid = ?`, chatJID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading processed cursor: %w", err)
	}
	return v, nil
}

// SetProcessedCursor persists the per-chat processed cursor.
func (s *Store) SetProcessedCursor(chatJID, value string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO cursors_processed (chat_jid, value) VALUES (?, ?)
			 ON CONFLICT(chat_jid) DO UPDATE SET value = excluded.value`,
			chatJID, value,
		)
		if err != nil {
			return fmt.Errorf("writing processed cursor: %w", err)
		}
		return nil
	})
}

// AllProcessedCursors returns every chat's processed cursor, keyed by jid.
func (s *Store) AllProcessedCursors() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT chat_jid, value FROM cursors_processed`)
	if err != nil {
		return nil, fmt.Errorf("listing processed cursors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var jid, v string
		if err := rows.Scan(&jid, &v); err != nil {
			return nil, fmt.Errorf("scanning processed cursor: %w", err)
		}
		out[jid] = v
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------

// GetSession returns the persisted session id for a chat folder, or ""
// if none is persisted.
func (s *Store) GetSession(folder string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE chat_folder = ?`, folder).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading session: %w", err)
	}
	return id, nil
}

// SetSession persists the session id for a chat folder.
func (s *Store) SetSession(folder, sessionID string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO sessions (chat_folder, session_id) VALUES (?, ?)
			 ON CONFLICT(chat_folder) DO UPDATE SET session_id = excluded.session_id`,
			folder, sessionID,
		)
		if err != nil {
			return fmt.Errorf("writing session: %w", err)
		}
		return nil
	})
}

// ClearSession removes the persisted session id for a chat folder.
func (s *Store) ClearSession(folder string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM sessions WHERE chat_folder = ?`, folder)
		if err != nil {
			return fmt.Errorf("clearing session: %w", err)
		}
		return nil
	})
}

// ---------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------

// CreateTask inserts a new scheduled task. Idempotent per id: a retried
// create with the same id replaces the prior row rather than erroring,
// so a crash between an IPC watcher's mutation and its file-delete step
// cannot create a duplicate task.
func (s *Store) CreateTask(t model.ScheduledTask) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO tasks (id, chat_folder, chat_jid, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   chat_folder = excluded.chat_folder, chat_jid = excluded.chat_jid, prompt = excluded.prompt,
			   schedule_kind = excluded.schedule_kind, schedule_value = excluded.schedule_value,
			   context_mode = excluded.context_mode, next_run = excluded.next_run, status = excluded.status`,
			t.ID, t.ChatFolder, t.ChatJID, t.Prompt, string(t.ScheduleKind), t.ScheduleValue, string(t.ContextMode),
			nullableTime(t.NextRun), nullableTime(t.LastRun), t.LastResult, string(t.Status), t.CreatedAt.Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("creating task: %w", err)
		}
		return nil
	})
}

// UpdateTask persists mutable task fields (next_run, last_run,
// last_result, status).
func (s *Store) UpdateTask(t model.ScheduledTask) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE tasks SET next_run = ?, last_run = ?, last_result = ?, status = ? WHERE id = ?`,
			nullableTime(t.NextRun), nullableTime(t.LastRun), t.LastResult, string(t.Status), t.ID,
		)
		if err != nil {
			return fmt.Errorf("updating task: %w", err)
		}
		return nil
	})
}

// DeleteTask removes a task by id.
func (s *Store) DeleteTask(id string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting task: %w", err)
		}
		return nil
	})
}

// ListTasks returns every task, regardless of status.
func (s *Store) ListTasks() ([]model.ScheduledTask, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_folder, chat_jid, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status, created_at FROM tasks`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTask looks up a single task by id.
func (s *Store) GetTask(id string) (model.ScheduledTask, error) {
	row := s.db.QueryRow(
		`SELECT id, chat_folder, chat_jid, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status, created_at FROM tasks WHERE id = ?`,
		id,
	)
	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduledTask{}, ErrNotFound
	}
	if err != nil {
		return model.ScheduledTask{}, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

// DueTasks returns every active task whose next_run is at or before now.
func (s *Store) DueTasks(now time.Time) ([]model.ScheduledTask, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_folder, chat_jid, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status, created_at
		 FROM tasks WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?`,
		string(model.TaskActive), now.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("querying due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskRow(row rowScanner) (model.ScheduledTask, error) {
	var t model.ScheduledTask
	var scheduleKind, contextMode, status, createdAt string
	var nextRun, lastRun sql.NullString
	if err := row.Scan(&t.ID, &t.ChatFolder, &t.ChatJID, &t.Prompt, &scheduleKind, &t.ScheduleValue, &contextMode,
		&nextRun, &lastRun, &t.LastResult, &status, &createdAt); err != nil {
		return model.ScheduledTask{}, err
	}
	t.ScheduleKind = model.ScheduleKind(scheduleKind)
	t.ContextMode = model.ContextMode(contextMode)
	t.Status = model.TaskStatus(status)
	t.CreatedAt = parseTime(createdAt)
	if nextRun.Valid {
		tm := parseTime(nextRun.String)
		t.NextRun = &tm
	}
	if lastRun.Valid {
		tm := parseTime(lastRun.String)
		t.LastRun = &tm
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]model.ScheduledTask, error) {
	var out []model.ScheduledTask
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------
// Outbox
// ---------------------------------------------------------------------

// OutboxEnqueue stores a pending outbound message for later delivery.
func (s *Store) OutboxEnqueue(e model.OutboxEntry) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO outbox (channel, user_id, text, attempts, next_retry) VALUES (?, ?, ?, ?, ?)`,
			e.Channel, e.UserID, e.Text, e.Attempts, e.NextRetry.Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("enqueueing outbox entry: %w", err)
		}
		return nil
	})
}

// OutboxPending returns every entry for channel whose next_retry is due.
func (s *Store) OutboxPending(channel string, now time.Time) ([]model.OutboxEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, channel, user_id, text, attempts, next_retry FROM outbox WHERE channel = ? AND next_retry <= ? ORDER BY id`,
		channel, now.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("listing outbox: %w", err)
	}
	defer rows.Close()

	var out []model.OutboxEntry
	for rows.Next() {
		var e model.OutboxEntry
		var nextRetry string
		if err := rows.Scan(&e.ID, &e.Channel, &e.UserID, &e.Text, &e.Attempts, &nextRetry); err != nil {
			return nil, fmt.Errorf("scanning outbox entry: %w", err)
		}
		e.NextRetry = parseTime(nextRetry)
		out = append(out, e)
	}
	return out, rows.Err()
}

// OutboxAck removes a delivered outbox entry.
func (s *Store) OutboxAck(id int64) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM outbox WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("acking outbox entry: %w", err)
		}
		return nil
	})
}

// OutboxMarkRetry bumps attempts and schedules the next retry time.
func (s *Store) OutboxMarkRetry(id int64, attempts int, nextRetry time.Time) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE outbox SET attempts = ?, next_retry = ? WHERE id = ?`,
			attempts, nextRetry.Format(timeLayout), id,
		)
		if err != nil {
			return fmt.Errorf("marking outbox retry: %w", err)
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(timeLayout)
}
