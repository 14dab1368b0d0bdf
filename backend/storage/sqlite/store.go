// Package sqlite is a persistent store backed by a single SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adwski/meetroom/backend/model"
	"github.com/adwski/meetroom/backend/storage"
	"github.com/rs/zerolog"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var ErrMigrate = errors.New("unable to migrate database")

const schema = `
CREATE TABLE IF NOT EXISTS rooms(
	id         TEXT PRIMARY KEY,
	active     INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS room_participants(
	room_id TEXT NOT NULL REFERENCES rooms(id),
	user_id TEXT NOT NULL,
	PRIMARY KEY(room_id, user_id)
);
CREATE TABLE IF NOT EXISTS users(
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	email         TEXT,
	password_hash BLOB NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS call_logs(
	id          TEXT PRIMARY KEY,
	caller_id   TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	room_id     TEXT NOT NULL,
	start_time  INTEGER NOT NULL,
	end_time    INTEGER,
	duration    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS call_logs_room ON call_logs(room_id, end_time);
CREATE TABLE IF NOT EXISTS meeting_summaries(
	id           TEXT PRIMARY KEY,
	room_id      TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	username     TEXT NOT NULL,
	transcript   TEXT NOT NULL,
	summary      TEXT NOT NULL,
	key_points   TEXT NOT NULL,
	action_items TEXT NOT NULL,
	duration     INTEGER NOT NULL,
	start_time   INTEGER NOT NULL,
	end_time     INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS meeting_summaries_user ON meeting_summaries(user_id, created_at);
`

type (
	Config struct {
		Logger *zerolog.Logger
		DSN    string
	}

	Store struct {
		db     *sql.DB
		logger zerolog.Logger
	}
)

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("cannot open sqlite database: %w", err)
	}
	// sqlite serializes writers anyway, one connection also keeps
	// ":memory:" databases shared across queries
	db.SetMaxOpenConns(1)

	if err = migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Join(ErrMigrate, err)
	}
	st := &Store{
		db:     db,
		logger: cfg.Logger.With().Str("component", "sqlite-store").Logger(),
	}
	st.logger.Debug().Str("dsn", cfg.DSN).Msg("database is ready")
	return st, nil
}

// migrate creates the schema and brings databases created before
// users had an email up to date.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return err
	}
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('users') WHERE name='email'`).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err = db.ExecContext(ctx, `ALTER TABLE users ADD COLUMN email TEXT`); err != nil {
			return err
		}
	}
	_, err = db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS users_email ON users(email)`)
	return err
}

func (st *Store) Close() error {
	return st.db.Close()
}

func (st *Store) CreateRoom(ctx context.Context, room *model.Room) error {
	return st.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rooms(id, active, created_at) VALUES(?,?,?)`,
			room.ID, room.Active, unix(room.CreatedAt))
		if isConstraint(err) {
			return storage.ErrRoomExists
		}
		if err != nil {
			return err
		}
		for _, p := range room.Participants {
			if _, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO room_participants(room_id, user_id) VALUES(?,?)`,
				room.ID, p); err != nil {
				return err
			}
		}
		return nil
	})
}

func (st *Store) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	var room *model.Room
	err := st.tx(ctx, func(tx *sql.Tx) error {
		var err error
		room, err = getRoom(ctx, tx, roomID)
		return err
	})
	return room, err
}

// JoinRoom records the participant once. Inactive rooms are reported as not found.
func (st *Store) JoinRoom(ctx context.Context, roomID, userID string) (*model.Room, error) {
	var room *model.Room
	err := st.tx(ctx, func(tx *sql.Tx) error {
		var active bool
		err := tx.QueryRowContext(ctx, `SELECT active FROM rooms WHERE id=?`, roomID).Scan(&active)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
			return storage.ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO room_participants(room_id, user_id) VALUES(?,?)`,
			roomID, userID); err != nil {
			return err
		}
		room, err = getRoom(ctx, tx, roomID)
		return err
	})
	return room, err
}

func getRoom(ctx context.Context, tx *sql.Tx, roomID string) (*model.Room, error) {
	var (
		room    = &model.Room{ID: roomID, Participants: []string{}}
		created int64
	)
	err := tx.QueryRowContext(ctx, `SELECT active, created_at FROM rooms WHERE id=?`, roomID).
		Scan(&room.Active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	room.CreatedAt = fromUnix(created)

	rows, err := tx.QueryContext(ctx,
		`SELECT user_id FROM room_participants WHERE room_id=? ORDER BY rowid`, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var p string
		if err = rows.Scan(&p); err != nil {
			return nil, err
		}
		room.Participants = append(room.Participants, p)
	}
	return room, rows.Err()
}

func (st *Store) CreateUser(ctx context.Context, user *model.User) error {
	_, err := st.db.ExecContext(ctx,
		`INSERT INTO users(id, username, email, password_hash, created_at) VALUES(?,?,?,?,?)`,
		user.ID, user.Username, nullString(user.Email), user.PasswordHash, unix(user.CreatedAt))
	if isConstraint(err) {
		return storage.ErrUserExists
	}
	return err
}

// UpdateUser replaces username, email and password hash of an existing user.
func (st *Store) UpdateUser(ctx context.Context, user *model.User) error {
	res, err := st.db.ExecContext(ctx,
		`UPDATE users SET username=?, email=?, password_hash=? WHERE id=?`,
		user.Username, nullString(user.Email), user.PasswordHash, user.ID)
	if isConstraint(err) {
		return storage.ErrUserExists
	}
	if err != nil {
		return err
	}
	return expectRow(res, storage.ErrUserNotFound)
}

func (st *Store) DeleteUser(ctx context.Context, userID string) error {
	res, err := st.db.ExecContext(ctx, `DELETE FROM users WHERE id=?`, userID)
	if err != nil {
		return err
	}
	return expectRow(res, storage.ErrUserNotFound)
}

const userColumns = `id, username, email, password_hash, created_at`

func (st *Store) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return st.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, userID)
}

func (st *Store) GetUserByName(ctx context.Context, username string) (*model.User, error) {
	return st.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, username)
}

func (st *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return st.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, email)
}

func (st *Store) getUser(ctx context.Context, query, arg string) (*model.User, error) {
	var (
		u       model.User
		email   sql.NullString
		created int64
	)
	err := st.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &email, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	u.CreatedAt = fromUnix(created)
	return &u, nil
}

func (st *Store) CreateCallLog(ctx context.Context, log *model.CallLog) error {
	var end sql.NullInt64
	if log.EndTime != nil {
		end = sql.NullInt64{Int64: unix(*log.EndTime), Valid: true}
	}
	_, err := st.db.ExecContext(ctx,
		`INSERT INTO call_logs(id, caller_id, receiver_id, room_id, start_time, end_time, duration)
		 VALUES(?,?,?,?,?,?,?)`,
		log.ID, log.CallerID, log.ReceiverID, log.RoomID, unix(log.StartTime), end, log.Duration)
	return err
}

// EndCallLog closes the most recent open call log of the room.
func (st *Store) EndCallLog(ctx context.Context, roomID string, end time.Time) (*model.CallLog, error) {
	var cl *model.CallLog
	err := st.tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+callLogColumns+` FROM call_logs
			 WHERE room_id=? AND end_time IS NULL
			 ORDER BY start_time DESC, rowid DESC LIMIT 1`, roomID)
		var err error
		if cl, err = scanCallLog(row); err != nil {
			return err
		}
		cl.EndTime = &end
		cl.Duration = int64(end.Sub(cl.StartTime) / time.Second)
		_, err = tx.ExecContext(ctx,
			`UPDATE call_logs SET end_time=?, duration=? WHERE id=?`,
			unix(end), cl.Duration, cl.ID)
		return err
	})
	return cl, err
}

// ListCallLogs returns logs where the user is either side of the call,
// newest first. limit <= 0 means no limit.
func (st *Store) ListCallLogs(ctx context.Context, userID string, limit int) ([]model.CallLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := st.db.QueryContext(ctx,
		`SELECT `+callLogColumns+` FROM call_logs
		 WHERE caller_id=? OR receiver_id=?
		 ORDER BY start_time DESC LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.CallLog, 0)
	for rows.Next() {
		cl, err := scanCallLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cl)
	}
	return out, rows.Err()
}

func (st *Store) CallStats(ctx context.Context, userID string) (model.CallStats, error) {
	var stats model.CallStats
	err := st.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(duration), 0) FROM call_logs WHERE caller_id=? OR receiver_id=?`,
		userID, userID).Scan(&stats.TotalCalls, &stats.TotalDuration)
	if err != nil {
		return model.CallStats{}, err
	}
	if stats.TotalCalls > 0 {
		stats.AverageDuration = stats.TotalDuration / int64(stats.TotalCalls)
	}
	return stats, nil
}

const callLogColumns = `id, caller_id, receiver_id, room_id, start_time, end_time, duration`

type scanner interface {
	Scan(dest ...any) error
}

func scanCallLog(row scanner) (*model.CallLog, error) {
	var (
		cl    model.CallLog
		start int64
		end   sql.NullInt64
	)
	err := row.Scan(&cl.ID, &cl.CallerID, &cl.ReceiverID, &cl.RoomID, &start, &end, &cl.Duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCallLogNotFound
	}
	if err != nil {
		return nil, err
	}
	cl.StartTime = fromUnix(start)
	if end.Valid {
		t := fromUnix(end.Int64)
		cl.EndTime = &t
	}
	return &cl, nil
}

func (st *Store) CreateSummary(ctx context.Context, s *model.MeetingSummary) error {
	keyPoints, err := json.Marshal(nonNil(s.KeyPoints))
	if err != nil {
		return err
	}
	actionItems, err := json.Marshal(nonNil(s.ActionItems))
	if err != nil {
		return err
	}
	_, err = st.db.ExecContext(ctx,
		`INSERT INTO meeting_summaries(id, room_id, user_id, username, transcript, summary,
			key_points, action_items, duration, start_time, end_time, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.RoomID, s.UserID, s.Username, s.Transcript, s.Summary.Summary,
		string(keyPoints), string(actionItems), s.Duration,
		unix(s.StartTime), unix(s.EndTime), unix(s.CreatedAt))
	return err
}

func (st *Store) GetSummary(ctx context.Context, id string) (*model.MeetingSummary, error) {
	row := st.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM meeting_summaries WHERE id=?`, id)
	return scanSummary(row)
}

func (st *Store) ListSummaries(ctx context.Context, userID string, limit int) ([]model.MeetingSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := st.db.QueryContext(ctx,
		`SELECT `+summaryColumns+` FROM meeting_summaries
		 WHERE user_id=? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.MeetingSummary, 0)
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (st *Store) DeleteSummary(ctx context.Context, id string) error {
	res, err := st.db.ExecContext(ctx, `DELETE FROM meeting_summaries WHERE id=?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, storage.ErrSummaryNotFound)
}

// expectRow returns notFound when the statement touched no rows.
func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

const summaryColumns = `id, room_id, user_id, username, transcript, summary,
	key_points, action_items, duration, start_time, end_time, created_at`

func scanSummary(row scanner) (*model.MeetingSummary, error) {
	var (
		s                      model.MeetingSummary
		keyPoints, actionItems string
		start, end, created    int64
	)
	err := row.Scan(&s.ID, &s.RoomID, &s.UserID, &s.Username, &s.Transcript, &s.Summary.Summary,
		&keyPoints, &actionItems, &s.Duration, &start, &end, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrSummaryNotFound
	}
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(keyPoints), &s.KeyPoints); err != nil {
		return nil, fmt.Errorf("corrupted key points of %s: %w", s.ID, err)
	}
	if err = json.Unmarshal([]byte(actionItems), &s.ActionItems); err != nil {
		return nil, fmt.Errorf("corrupted action items of %s: %w", s.ID, err)
	}
	s.StartTime, s.EndTime, s.CreatedAt = fromUnix(start), fromUnix(end), fromUnix(created)
	return &s, nil
}

func (st *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			st.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit()
}

func isConstraint(err error) bool {
	var sErr *msqlite.Error
	if !errors.As(err, &sErr) {
		return false
	}
	switch sErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// nullString stores an empty string as NULL, so unique columns allow many empties.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func unix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
