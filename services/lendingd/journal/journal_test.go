package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"vaultlend/core/events"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func steppingClock() func() time.Time {
	base := time.Unix(1_700_000_000, 0)
	var calls int
	return func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}
}

func TestJournalRecordsLoanLifecycle(t *testing.T) {
	j := New(setupTestDB(t), nil)
	j.SetNowFunc(steppingClock())

	borrower := [20]byte{0x01}
	j.Emit(events.LoanCreated{LoanID: 1, CollateralID: 7, Borrower: borrower, Principal: big.NewInt(4480)})
	j.Emit(events.InterestRateUpdated{Previous: 500, Current: 800})
	j.Emit(events.LoanRepaid{LoanID: 1, CollateralID: 7, Borrower: borrower, Principal: big.NewInt(4480), Interest: big.NewInt(224), Total: big.NewInt(4704)})

	recent, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(recent))
	}
	if recent[0].Type != events.TypeLoanRepaid || recent[2].Type != events.TypeLoanCreated {
		t.Fatalf("unexpected ordering: %s ... %s", recent[0].Type, recent[2].Type)
	}
	if recent[0].Attrs()["total"] != "4704" {
		t.Fatalf("unexpected attributes: %v", recent[0].Attrs())
	}

	loanEntries, err := j.ForLoan(context.Background(), 1)
	if err != nil {
		t.Fatalf("for loan: %v", err)
	}
	if len(loanEntries) != 2 || loanEntries[0].CollateralID != 7 || loanEntries[0].Borrower == "" {
		t.Fatalf("unexpected loan entries: %+v", loanEntries)
	}

	limited, err := j.Recent(context.Background(), 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limit not applied: %d %v", len(limited), err)
	}
}

func TestEntryJSONInlinesAttributes(t *testing.T) {
	j := New(setupTestDB(t), nil)
	entry, err := j.Append(context.Background(), events.PriceFeedUpdated{Feed: "manual"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != events.TypePriceFeedUpdated || decoded.Attributes["feed"] != "manual" {
		t.Fatalf("unexpected json: %s", raw)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("oracle-db", "x"); err == nil {
		t.Fatalf("expected error")
	}
}
