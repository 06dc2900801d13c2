package contacts

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "contacts.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubMirror struct {
	err   error
	calls int
}

func (m *stubMirror) Mirror(_ context.Context, userID, sourceURL string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return "https://cdn.example.com/" + userID + "/mirrored.png", nil
}

type aliasLocations struct{}

func (aliasLocations) Normalize(raw string) string {
	if raw == "SF" {
		return "San Francisco"
	}
	return raw
}

type countingMetrics struct {
	imports     int
	created     int
	strategies  []string
	mirrorFails int
}

func (m *countingMetrics) ImportCompleted(_ string, created bool) {
	m.imports++
	if created {
		m.created++
	}
}

func (m *countingMetrics) ContactResolved(strategy string) {
	m.strategies = append(m.strategies, strategy)
}

func (m *countingMetrics) MirrorFailed() {
	m.mirrorFails++
}

type recordingNotifier struct {
	events [][]string
}

func (n *recordingNotifier) ContactsChanged(_ string, contactIDs []string) {
	n.events = append(n.events, contactIDs)
}

type serviceFixture struct {
	db       *gorm.DB
	service  *Service
	clock    *testClock
	mirror   *stubMirror
	metrics  *countingMetrics
	notifier *recordingNotifier
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	db := openTestDatabase(t)
	clock := newTestClock()
	mirror := &stubMirror{}
	metrics := &countingMetrics{}
	notifier := &recordingNotifier{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequentialIDs{},
		Locations:  aliasLocations{},
		Images:     mirror,
		Notifier:   notifier,
		Metrics:    metrics,
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return serviceFixture{db: db, service: service, clock: clock, mirror: mirror, metrics: metrics, notifier: notifier}
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustContactID(t *testing.T, value string) ContactID {
	t.Helper()
	id, err := NewContactID(value)
	if err != nil {
		t.Fatalf("unexpected contact id error: %v", err)
	}
	return id
}

func mustImport(t *testing.T, service *Service, userID UserID, fragment Fragment) ImportResult {
	t.Helper()
	result, err := service.ImportProfile(context.Background(), userID, fragment)
	if err != nil {
		t.Fatalf("unexpected import error: %v", err)
	}
	return result
}

func requireKind(t *testing.T, err, kind error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", kind)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Where(query, args...).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count
}
