package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"vaultlend/core/events"
)

// MaxRecent caps the number of entries returned by Recent.
const MaxRecent = 500

// Entry is one persisted lending event.
type Entry struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Type         string    `gorm:"index;not null" json:"type"`
	LoanID       uint64    `gorm:"index" json:"loanId,omitempty"`
	CollateralID uint64    `gorm:"index" json:"collateralId,omitempty"`
	Borrower     string    `gorm:"index" json:"borrower,omitempty"`
	Attributes   string    `gorm:"type:text" json:"-"`
	CreatedAt    time.Time `gorm:"index" json:"createdAt"`
}

// TableName pins the table name independently of the struct name.
func (Entry) TableName() string { return "lending_journal" }

// Attrs decodes the stored attribute map.
func (e Entry) Attrs() map[string]string {
	out := map[string]string{}
	if strings.TrimSpace(e.Attributes) == "" {
		return out
	}
	_ = json.Unmarshal([]byte(e.Attributes), &out)
	return out
}

// MarshalJSON inlines the attributes as an object.
func (e Entry) MarshalJSON() ([]byte, error) {
	type alias Entry
	return json.Marshal(struct {
		alias
		Attributes map[string]string `json:"attributes"`
	}{alias: alias(e), Attributes: e.Attrs()})
}

// Open connects to the journal database and migrates the schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate creates or updates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Journal appends engine events to a relational table. It implements
// events.Emitter; write failures are logged because emitters cannot fail
// the operation that produced the event.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

func New(db *gorm.DB, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger, nowFn: time.Now}
}

// SetNowFunc overrides the clock used for CreatedAt.
func (j *Journal) SetNowFunc(now func() time.Time) {
	if now == nil {
		j.nowFn = time.Now
		return
	}
	j.nowFn = now
}

// Emit implements events.Emitter.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	if _, err := j.Append(context.Background(), evt); err != nil {
		j.logger.Error("journal append failed", "type", evt.EventType(), "error", err)
	}
}

// Append persists evt and returns the stored entry.
func (j *Journal) Append(ctx context.Context, evt events.Event) (*Entry, error) {
	if evt == nil {
		return nil, errors.New("journal: nil event")
	}
	flat := events.Flatten(evt)
	attrs, err := json.Marshal(flat.Attributes)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}
	entry := &Entry{
		ID:           uuid.New(),
		Type:         flat.Type,
		LoanID:       parseUint(flat.Attribute("loanId")),
		CollateralID: parseUint(flat.Attribute("collateralId")),
		Borrower:     flat.Attribute("borrower"),
		Attributes:   string(attrs),
		CreatedAt:    j.nowFn().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("journal: insert: %w", err)
	}
	return entry, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > MaxRecent {
		limit = MaxRecent
	}
	var entries []Entry
	err := j.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	return entries, nil
}

// ForLoan returns the entries recorded for a loan in insertion order.
func (j *Journal) ForLoan(ctx context.Context, loanID uint64) ([]Entry, error) {
	var entries []Entry
	err := j.db.WithContext(ctx).Where("loan_id = ?", loanID).Order("created_at ASC").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	return entries, nil
}

func parseUint(raw string) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
