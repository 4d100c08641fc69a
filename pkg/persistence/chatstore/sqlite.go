package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/borak/pkg/chat"
)

const (
	timestampLayout = "2006-01-02T15:04:05.000000"
	previewLength   = 100
)

type SQLiteStore struct {
	db *sql.DB

	clockMu sync.Mutex
	last    time.Time
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; in-memory databases also live only as long as their connection
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds the DSN used for on-disk databases.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite chat store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

// SQLiteMemoryDSN is a private in-memory database.
const SQLiteMemoryDSN = "file::memory:?_foreign_keys=on"

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}

	createTableStmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_login TEXT,
			is_admin INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT 'New Chat',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chat_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			session_id INTEGER REFERENCES chat_sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			model TEXT,
			is_partial INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS user_artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			language TEXT,
			title TEXT,
			content TEXT NOT NULL,
			source_session_id INTEGER,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS usage_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			model TEXT,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
	}
	createIndexStmts := []string{
		`CREATE INDEX IF NOT EXISTS chat_sessions_by_user_updated
			ON chat_sessions(user_id, updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS chat_history_by_session
			ON chat_history(session_id, id);`,
		`CREATE INDEX IF NOT EXISTS user_artifacts_by_user_type
			ON user_artifacts(user_id, type);`,
	}

	for _, stmt := range append(createTableStmts, createIndexStmts...) {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

// now hands out strictly increasing timestamps so updated_at orders sessions deterministically.
func (s *SQLiteStore) now() string {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := time.Now()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t.Format(timestampLayout)
}

func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, password_hash, created_at) VALUES(?, ?, ?)`,
		username, passwordHash, s.now())
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, ErrUserExists
		}
		return 0, errors.Wrap(err, "sqlite chat store: create user")
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) UserByName(ctx context.Context, username string) (User, error) {
	return s.user(ctx, `WHERE username = ?`, username)
}

func (s *SQLiteStore) UserByID(ctx context.Context, id int64) (User, error) {
	return s.user(ctx, `WHERE id = ?`, id)
}

func (s *SQLiteStore) user(ctx context.Context, where string, arg any) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, is_admin FROM users `+where, arg).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, errors.Wrap(err, "sqlite chat store: load user")
	}
	return u, nil
}

func (s *SQLiteStore) TouchLogin(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, s.now(), id)
	return errors.Wrap(err, "sqlite chat store: touch login")
}

func (s *SQLiteStore) CreateSession(ctx context.Context, userID int64, name string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		name = chat.DefaultSessionName
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions(user_id, name, created_at, updated_at) VALUES(?, ?, ?, ?)`,
		userID, name, now, now)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite chat store: create session")
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) Session(ctx context.Context, userID, sessionID int64) (chat.Session, error) {
	var (
		id   int64
		sess chat.Session
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM chat_sessions WHERE id = ? AND user_id = ?`,
		sessionID, userID).Scan(&id, &sess.Name, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, ErrNotFound
	}
	if err != nil {
		return chat.Session{}, errors.Wrap(err, "sqlite chat store: load session")
	}
	sess.ID = sessionKey(id)
	return sess, nil
}

// ListSessions returns one page ordered by most recent activity and whether more follow.
func (s *SQLiteStore) ListSessions(ctx context.Context, q SessionQuery) ([]chat.Session, bool, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			s.id,
			s.name,
			s.created_at,
			s.updated_at,
			COALESCE((
				SELECT h.content FROM chat_history h
				WHERE h.session_id = s.id AND h.role = 'user'
				ORDER BY h.id ASC LIMIT 1
			), '') AS preview,
			(SELECT COUNT(*) FROM chat_history h WHERE h.session_id = s.id) AS message_count
		FROM chat_sessions s
		WHERE s.user_id = ?
		ORDER BY s.updated_at DESC, s.id DESC
		LIMIT ? OFFSET ?`,
		q.UserID, limit+1, max(q.Offset, 0))
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite chat store: list sessions")
	}
	defer func() { _ = rows.Close() }()

	out := []chat.Session{}
	for rows.Next() {
		var (
			id   int64
			sess chat.Session
		)
		if err := rows.Scan(&id, &sess.Name, &sess.CreatedAt, &sess.UpdatedAt, &sess.Preview, &sess.MessageCount); err != nil {
			return nil, false, errors.Wrap(err, "sqlite chat store: scan session")
		}
		sess.ID = sessionKey(id)
		sess.Preview = preview(sess.Preview)
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, false, errors.Wrap(err, "sqlite chat store: list sessions")
	}
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength]) + "..."
}

func (s *SQLiteStore) RenameSession(ctx context.Context, userID, sessionID int64, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET name = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		name, s.now(), sessionID, userID)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: rename session")
	}
	return requireAffected(res)
}

// DeleteSession removes a session and its messages. Artifacts outlive their session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID, sessionID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chat_history WHERE session_id = ? AND user_id = ?`, sessionID, userID); err != nil {
		return errors.Wrap(err, "sqlite chat store: delete session messages")
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: delete session")
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "sqlite chat store: commit")
}

// SaveMessage appends m to the session log and bumps the session's activity time. The first
// user message of a session still called "New Chat" also names the session.
func (s *SQLiteStore) SaveMessage(ctx context.Context, userID, sessionID int64, m chat.Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite chat store: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO chat_history(user_id, session_id, role, content, model, is_partial, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		userID, sessionID, string(m.Role), m.Content, m.Model, m.Partial, now)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite chat store: insert message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "sqlite chat store: message id")
	}

	var (
		name  string
		count int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT s.name, (SELECT COUNT(*) FROM chat_history h WHERE h.session_id = s.id)
		FROM chat_sessions s WHERE s.id = ?`, sessionID).Scan(&name, &count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, errors.Wrap(err, "sqlite chat store: load session")
	}
	if name == chat.DefaultSessionName && count == 1 && m.Role == chat.RoleUser {
		name = SessionTitle(m.Content)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET name = COALESCE(NULLIF(?, ''), name), updated_at = ? WHERE id = ?`,
		name, now, sessionID); err != nil {
		return 0, errors.Wrap(err, "sqlite chat store: touch session")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "sqlite chat store: commit")
	}
	return id, nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, id int64, content string, partial bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_history SET content = ?, is_partial = ? WHERE id = ?`, content, partial, id)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: update message")
	}
	return requireAffected(res)
}

// History returns the newest limit messages of a session, oldest first.
func (s *SQLiteStore) History(ctx context.Context, userID, sessionID int64, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, COALESCE(model, ''), is_partial FROM (
			SELECT id, role, content, model, is_partial FROM chat_history
			WHERE user_id = ? AND session_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		userID, sessionID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: history")
	}
	defer func() { _ = rows.Close() }()

	out := []chat.Message{}
	for rows.Next() {
		var (
			m    chat.Message
			role string
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.Model, &m.Partial); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan message")
		}
		m.Role = chat.Role(role)
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "sqlite chat store: history")
}

func (s *SQLiteStore) ClearHistory(ctx context.Context, userID, sessionID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_history WHERE user_id = ? AND session_id = ?`, userID, sessionID)
	return errors.Wrap(err, "sqlite chat store: clear history")
}

func (s *SQLiteStore) SaveArtifact(ctx context.Context, userID, sessionID int64, a chat.Artifact) (int64, error) {
	var source sql.NullInt64
	if sessionID > 0 {
		source = sql.NullInt64{Int64: sessionID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_artifacts(user_id, type, language, title, content, source_session_id, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		userID, string(a.Type), a.Language, a.Title, a.Content, source, s.now())
	if err != nil {
		return 0, errors.Wrap(err, "sqlite chat store: save artifact")
	}
	return res.LastInsertId()
}

// Artifacts lists a user's artifacts newest first; an empty type lists every bucket.
func (s *SQLiteStore) Artifacts(ctx context.Context, userID int64, t chat.ArtifactType) ([]chat.Artifact, error) {
	q := `SELECT id, type, COALESCE(language, ''), COALESCE(title, ''), content, source_session_id, created_at
		FROM user_artifacts WHERE user_id = ?`
	args := []any{userID}
	if t != "" {
		q += ` AND type = ?`
		args = append(args, string(t))
	}
	q += ` ORDER BY created_at DESC, id DESC`
	return s.queryArtifacts(ctx, q, args...)
}

func (s *SQLiteStore) SessionArtifacts(ctx context.Context, userID, sessionID int64) ([]chat.Artifact, error) {
	return s.queryArtifacts(ctx, `
		SELECT id, type, COALESCE(language, ''), COALESCE(title, ''), content, source_session_id, created_at
		FROM user_artifacts WHERE user_id = ? AND source_session_id = ?
		ORDER BY id ASC`, userID, sessionID)
}

func (s *SQLiteStore) queryArtifacts(ctx context.Context, q string, args ...any) ([]chat.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: artifacts")
	}
	defer func() { _ = rows.Close() }()

	out := []chat.Artifact{}
	for rows.Next() {
		var (
			a      chat.Artifact
			typ    string
			source sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &typ, &a.Language, &a.Title, &a.Content, &source, &a.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan artifact")
		}
		normalized, ok := chat.NormalizeArtifactType(typ)
		if !ok {
			continue
		}
		a.Type = normalized
		if source.Valid {
			a.SourceSessionID = sessionKey(source.Int64)
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "sqlite chat store: artifacts")
}

func (s *SQLiteStore) DeleteArtifact(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_artifacts WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: delete artifact")
	}
	return requireAffected(res)
}

func (s *SQLiteStore) LogUsage(ctx context.Context, userID int64, model string, u chat.Usage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_log(user_id, model, prompt_tokens, completion_tokens, created_at)
		VALUES(?, ?, ?, ?, ?)`,
		userID, model, u.PromptTokens, u.CompletionTokens, s.now())
	return errors.Wrap(err, "sqlite chat store: log usage")
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func sessionKey(id int64) chat.SessionID {
	return chat.SessionID(strconv.FormatInt(id, 10))
}

// ParseSessionID maps a wire session id back to its row id.
func ParseSessionID(id chat.SessionID) (int64, error) {
	n, err := strconv.ParseInt(id.String(), 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("invalid session id %q", id)
	}
	return n, nil
}
