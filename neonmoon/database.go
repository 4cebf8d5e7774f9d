package neonmoon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// Reminder is a scheduled, at-least-once delivery of Content to ChannelID.
// RunAt is always UTC. Delivered transitions false to true exactly once,
// after a confirmed successful send; rows are never deleted by the bot, so
// the table doubles as an audit log.
type Reminder struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	UserID    string    `gorm:"index" json:"user_id"`
	ChannelID string    `json:"channel_id"`
	GuildID   string    `json:"guild_id,omitempty"`
	Content   string    `json:"content"`
	RunAt     time.Time `gorm:"index:idx_reminders_due,priority:2" json:"run_at"`
	Delivered bool      `gorm:"index:idx_reminders_due,priority:1" json:"delivered"`
	CreatedAt time.Time `json:"created_at"`
}

func (r Reminder) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(r.ID)),
		slog.String("user_id", r.UserID),
		slog.String("channel_id", r.ChannelID),
		slog.String("guild_id", r.GuildID),
		slog.Time("run_at", r.RunAt),
		slog.Bool("delivered", r.Delivered),
	)
}

// UserPref stores a user's IANA timezone preference. Last write wins.
type UserPref struct {
	UserID    string    `gorm:"primarykey" json:"user_id"`
	Timezone  string    `json:"timezone"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KVRecord is one per-guild key/value note, unique on (GuildID, Key).
type KVRecord struct {
	GuildID   string    `gorm:"primaryKey" json:"guild_id"`
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	AuthorID  string    `json:"author_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store wraps the GORM connection with the bot's persistence operations.
// Every write is a single-row, single-statement operation; with SQLite,
// writes are additionally serialized behind a mutex.
type Store struct {
	db               *gorm.DB
	mu               sync.Mutex
	logger           *slog.Logger
	concurrentWrites bool
}

// NewStore initializes a Store around an open GORM connection.
// concurrentWrites should be false for SQLite.
func NewStore(db *gorm.DB, log *slog.Logger, concurrentWrites bool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		db:               db,
		logger:           log.With(loggerNameKey, "store"),
		concurrentWrites: concurrentWrites,
	}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) lock() func() {
	if s.concurrentWrites {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// CreateReminder persists a new reminder with Delivered=false.
func (s *Store) CreateReminder(ctx context.Context, r *Reminder) error {
	defer s.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return s.db.WithContext(ctx).Create(r).Error
}

// DueReminders returns all undelivered reminders whose fire instant is at
// or before now, in ascending fire-instant order.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var due []Reminder
	err := s.db.WithContext(ctx).
		Where("delivered = ? AND run_at <= ?", false, now.UTC()).
		Order("run_at asc").
		Find(&due).Error
	return due, err
}

// PendingReminders returns all undelivered reminders, soonest first.
func (s *Store) PendingReminders(ctx context.Context) ([]Reminder, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var pending []Reminder
	err := s.db.WithContext(ctx).
		Where("delivered = ?", false).
		Order("run_at asc").
		Find(&pending).Error
	return pending, err
}

// MarkDelivered flips a reminder's delivered flag. The WHERE clause keeps
// the transition one-way: an already-delivered reminder is never touched,
// and the returned count is 0.
func (s *Store) MarkDelivered(ctx context.Context, id uint) (int64, error) {
	defer s.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	rv := s.db.WithContext(ctx).
		Model(&Reminder{}).
		Where("id = ? AND delivered = ?", id, false).
		Update("delivered", true)
	return rv.RowsAffected, rv.Error
}

// SetTimezone upserts a user's timezone preference.
func (s *Store) SetTimezone(ctx context.Context, userID string, tz string) error {
	defer s.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	pref := UserPref{UserID: userID, Timezone: tz}
	return s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"timezone", "updated_at"}),
		},
	).Create(&pref).Error
}

// GetTimezone returns the user's stored zone name, or "" if none is set.
func (s *Store) GetTimezone(ctx context.Context, userID string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var pref UserPref
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return pref.Timezone, err
}

// SetKV upserts a key/value record for the guild.
func (s *Store) SetKV(
	ctx context.Context,
	guildID string,
	key string,
	value string,
	authorID string,
) error {
	defer s.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	rec := KVRecord{
		GuildID:  guildID,
		Key:      key,
		Value:    value,
		AuthorID: authorID,
	}
	return s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_id"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"value", "author_id", "updated_at"},
			),
		},
	).Create(&rec).Error
}

// GetKV fetches one key/value record. The boolean is false when the key
// does not exist in the guild.
func (s *Store) GetKV(ctx context.Context, guildID string, key string) (
	KVRecord,
	bool,
	error,
) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var rec KVRecord
	err := s.db.WithContext(ctx).
		Where("guild_id = ? AND key = ?", guildID, key).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, false, nil
	}
	return rec, err == nil, err
}

// DeleteKV removes a key/value record, returning the number of rows
// deleted (0 when the key didn't exist).
func (s *Store) DeleteKV(ctx context.Context, guildID string, key string) (
	int64,
	error,
) {
	defer s.lock()()
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	rv := s.db.WithContext(ctx).
		Where("guild_id = ? AND key = ?", guildID, key).
		Delete(&KVRecord{})
	return rv.RowsAffected, rv.Error
}

// ListKV returns the guild's records whose key starts with prefix (all
// records when prefix is empty), ordered by key.
func (s *Store) ListKV(ctx context.Context, guildID string, prefix string) (
	[]KVRecord,
	error,
) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var recs []KVRecord
	q := s.db.WithContext(ctx).Where("guild_id = ?", guildID)
	if prefix != "" {
		q = q.Where("key LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%")
	}
	err := q.Order("key asc").Find(&recs).Error
	return recs, err
}

// escapeLike neutralizes LIKE wildcards in user-supplied prefixes.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// CreateDB opens a GORM connection for the configured database type and
// runs auto-migration for the bot's models.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		sqlDB, sqlErr := db.DB()
		if sqlErr != nil {
			return db, sqlErr
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if execErr := db.Exec(pragma).Error; execErr != nil {
				return db, execErr
			}
		}
	}

	err = db.WithContext(ctx).AutoMigrate(
		&Reminder{},
		&UserPref{},
		&KVRecord{},
	)
	if err != nil {
		return db, err
	}
	return db, nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" && parentDir != "." {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
