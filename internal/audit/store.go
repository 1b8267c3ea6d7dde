package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type eventModel struct {
	ID        int64          `gorm:"column:id;primaryKey"`
	Seq       uint64         `gorm:"column:seq;uniqueIndex:idx_audit_run_seq,priority:2"`
	RunID     string         `gorm:"column:run_id;uniqueIndex:idx_audit_run_seq,priority:1"`
	AtUnixNs  int64          `gorm:"column:at_unix_ns;index"`
	Type      string         `gorm:"column:event_type;index"`
	ExecID    string         `gorm:"column:exec_id;index"`
	Symbol    string         `gorm:"column:symbol"`
	LocalID   string         `gorm:"column:local_id;index"`
	OrderRef  string         `gorm:"column:order_ref"`
	SystemID  string         `gorm:"column:system_id"`
	FromState string         `gorm:"column:from_state"`
	ToState   string         `gorm:"column:to_state"`
	Reason    string         `gorm:"column:reason"`
	Code      string         `gorm:"column:code"`
	Message   string         `gorm:"column:message"`
	Detail    datatypes.JSON `gorm:"column:detail;type:TEXT"`
}

func (eventModel) TableName() string { return "audit_events" }

// GormStore persists audit events in an sqlite file via gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (creating if needed) the audit database.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("audit store path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit store dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&eventModel{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) AppendBatch(evs []Event) error {
	if len(evs) == 0 {
		return nil
	}
	rows := make([]eventModel, 0, len(evs))
	for _, ev := range evs {
		rows = append(rows, toModel(ev))
	}
	return s.db.CreateInBatches(rows, 200).Error
}

func (s *GormStore) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []eventModel
	if err := s.db.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromModel(row))
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toModel(ev Event) eventModel {
	m := eventModel{
		Seq:       ev.Seq,
		RunID:     ev.RunID,
		AtUnixNs:  ev.At.UnixNano(),
		Type:      string(ev.Type),
		ExecID:    ev.ExecID,
		Symbol:    ev.Symbol,
		LocalID:   ev.LocalID,
		OrderRef:  ev.OrderRef,
		SystemID:  ev.SystemID,
		FromState: ev.FromState,
		ToState:   ev.ToState,
		Reason:    ev.Reason,
		Code:      ev.Code,
		Message:   ev.Message,
	}
	if len(ev.Detail) > 0 {
		if raw, err := json.Marshal(ev.Detail); err == nil {
			m.Detail = datatypes.JSON(raw)
		}
	}
	return m
}

func fromModel(m eventModel) Event {
	ev := Event{
		Seq:       m.Seq,
		RunID:     m.RunID,
		At:        time.Unix(0, m.AtUnixNs),
		Type:      EventType(m.Type),
		ExecID:    m.ExecID,
		Symbol:    m.Symbol,
		LocalID:   m.LocalID,
		OrderRef:  m.OrderRef,
		SystemID:  m.SystemID,
		FromState: m.FromState,
		ToState:   m.ToState,
		Reason:    m.Reason,
		Code:      m.Code,
		Message:   m.Message,
	}
	if len(m.Detail) > 0 {
		var detail map[string]any
		if err := json.Unmarshal(m.Detail, &detail); err == nil {
			ev.Detail = detail
		}
	}
	return ev
}

// MemoryStore keeps events in memory. Used in tests and as a fallback when
// no database path is configured.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) AppendBatch(evs []Event) error {
	s.mu.Lock()
	s.events = append(s.events, evs...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Recent(limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]Event, limit)
	copy(out, s.events[len(s.events)-limit:])
	return out, nil
}

func (s *MemoryStore) All() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemoryStore) Close() error { return nil }
