// Package journal persists the lifecycle of every pool call and every proxy
// event so operators can answer "what happened to my request" after the fact.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stakeproxy/core/events"
	"stakeproxy/native/stakeproxy/promise"
)

// Operation statuses.
const (
	StatusScheduled = "SCHEDULED"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	// StatusUnknown marks a call the proxy stopped waiting on before the pool
	// answered. It moves to SUCCEEDED or FAILED once an operator resolves it.
	StatusUnknown = "UNKNOWN"
)

// ErrNotFound is returned when no operation matches a lookup.
var ErrNotFound = errors.New("journal: operation not found")

// Operation records one pool call from scheduling to settlement.
type Operation struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	CallID      string    `gorm:"size:64;uniqueIndex"`
	Method      string    `gorm:"size:32;index"`
	Account     string    `gorm:"size:64;index"`
	Status      string    `gorm:"size:16;index"`
	Error       string    `gorm:"type:text"`
	Payload     string    `gorm:"type:text"`
	ScheduledAt time.Time
	SettledAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event stores a flattened proxy event.
type Event struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type       string    `gorm:"size:64;index"`
	Account    string    `gorm:"size:64;index"`
	CallID     string    `gorm:"size:64;index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// AutoMigrate performs all schema migrations for the journal.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Operation{}, &Event{})
}

// Store writes journal rows. It satisfies promise.Observer and events.Emitter
// so it can be attached directly to the dispatcher and the engine.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the configured driver and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing connection, migrating the schema first.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: nil database")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Store{db: db, logger: slog.Default(), now: time.Now}, nil
}

// SetLogger overrides the logger used for write failures.
func (s *Store) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// CallScheduled implements promise.Observer.
func (s *Store) CallScheduled(id string, call promise.Call, at time.Time) {
	params, _ := json.Marshal(call.Params)
	op := Operation{
		ID:          uuid.New(),
		CallID:      id,
		Method:      string(call.Method),
		Account:     call.Account,
		Status:      StatusScheduled,
		Payload:     string(params),
		ScheduledAt: at.UTC(),
	}
	if err := s.db.Create(&op).Error; err != nil {
		s.logger.Error("journal: record scheduled call", slog.String("call_id", id), slog.Any("error", err))
	}
}

// CallSettled implements promise.Observer.
func (s *Store) CallSettled(id string, _ promise.Call, result promise.Result) {
	settled := result.SettledAt.UTC()
	updates := map[string]any{
		"status":     StatusSucceeded,
		"settled_at": &settled,
		"payload":    string(result.Payload),
		"error":      "",
	}
	if result.Err != nil {
		updates["status"] = StatusFailed
		if result.Unknown() {
			updates["status"] = StatusUnknown
		}
		updates["error"] = result.Err.Error()
		updates["payload"] = ""
	}
	tx := s.db.Model(&Operation{}).Where("call_id = ?", id).Updates(updates)
	if tx.Error != nil {
		s.logger.Error("journal: record settled call", slog.String("call_id", id), slog.Any("error", tx.Error))
		return
	}
	if tx.RowsAffected == 0 {
		s.logger.Warn("journal: settled call was never recorded", slog.String("call_id", id))
	}
}

// Emit implements events.Emitter.
func (s *Store) Emit(evt events.Event) {
	flat := events.Flatten(evt)
	if flat == nil {
		return
	}
	attrs, err := json.Marshal(flat.Attributes)
	if err != nil {
		s.logger.Error("journal: encode event", slog.String("type", flat.Type), slog.Any("error", err))
		return
	}
	row := Event{
		ID:         uuid.New(),
		Type:       flat.Type,
		Account:    flat.Attribute("account"),
		CallID:     flat.Attribute("callId"),
		Attributes: string(attrs),
		CreatedAt:  s.now().UTC(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		s.logger.Error("journal: record event", slog.String("type", flat.Type), slog.Any("error", err))
	}
	if flat.Type == events.TypeProxyInDoubtResolved {
		s.resolved(row.CallID, flat.Attribute("applied") == "true")
	}
}

// resolved moves an UNKNOWN operation to its reconciled status.
func (s *Store) resolved(callID string, applied bool) {
	status := StatusFailed
	if applied {
		status = StatusSucceeded
	}
	tx := s.db.Model(&Operation{}).
		Where("call_id = ? AND status = ?", callID, StatusUnknown).
		Updates(map[string]any{"status": status})
	if tx.Error != nil {
		s.logger.Error("journal: record resolution", slog.String("call_id", callID), slog.Any("error", tx.Error))
	}
}

// Operation returns the journal entry for a call id.
func (s *Store) Operation(ctx context.Context, callID string) (*Operation, error) {
	var op Operation
	err := s.db.WithContext(ctx).Where("call_id = ?", strings.TrimSpace(callID)).First(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// Recent lists the newest operations for an account, newest first.
func (s *Store) Recent(ctx context.Context, account string, limit int) ([]Operation, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var ops []Operation
	err := s.db.WithContext(ctx).
		Where("account = ?", account).
		Order("scheduled_at DESC").
		Limit(limit).
		Find(&ops).Error
	return ops, err
}

// Events lists recorded events for an account, oldest first.
func (s *Store) Events(ctx context.Context, account string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []Event
	err := s.db.WithContext(ctx).
		Where("account = ?", account).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
