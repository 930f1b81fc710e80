package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polyscalp/models"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func descriptor(id string, end time.Time) models.MarketDescriptor {
	return models.MarketDescriptor{
		MarketID: id,
		TokenYes: models.Token(id + "-yes"),
		TokenNo:  models.Token(id + "-no"),
		EndTime:  end,
		MinTick:  dec("0.01"),
	}
}

func TestAddRejectsDuplicates(t *testing.T) {
	s := NewStore()
	d := descriptor("m1", time.Now().Add(time.Hour))
	if err := s.Add(d); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(d); err == nil {
		t.Fatalf("expected duplicate add to fail")
	}
	if s.Count() != 1 {
		t.Fatalf("expected one market, got %d", s.Count())
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := NewStore()
	if err := s.Add(descriptor("m1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("add: %v", err)
	}

	s.Update("m1", func(mc *models.MarketContext) {
		mc.Positions = append(mc.Positions, models.Position{
			Side: models.SideYes, Size: dec("10"), EntryPrice: dec("0.33"),
		})
		mc.ActiveTPOrderIDs["ord-1"] = models.SideYes
	})

	snap, ok := s.Snapshot("m1")
	if !ok {
		t.Fatalf("expected snapshot")
	}

	// Mutating the live context must not move the snapshot.
	s.Update("m1", func(mc *models.MarketContext) {
		mc.Positions = nil
		delete(mc.ActiveTPOrderIDs, "ord-1")
		mc.CompletedCycles = 7
	})

	if len(snap.Positions) != 1 || len(snap.ActiveTPOrderIDs) != 1 || snap.CompletedCycles != 0 {
		t.Fatalf("snapshot is not isolated from live mutation: %+v", snap)
	}

	// And mutating the snapshot must not leak back.
	snap.ActiveTPOrderIDs["ord-2"] = models.SideNo
	live, _ := s.Snapshot("m1")
	if _, ok := live.ActiveTPOrderIDs["ord-2"]; ok {
		t.Fatalf("snapshot mutation leaked into the store")
	}
}

func TestSetPrices(t *testing.T) {
	s := NewStore()
	if err := s.Add(descriptor("m1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("add: %v", err)
	}

	bid, ask := dec("0.30"), dec("0.33")
	s.SetPrices("m1", models.SideYes, &bid, &ask)

	snap, _ := s.Snapshot("m1")
	if snap.YesBid == nil || !snap.YesBid.Equal(bid) || snap.YesAsk == nil || !snap.YesAsk.Equal(ask) {
		t.Fatalf("unexpected yes prices: %v / %v", snap.YesBid, snap.YesAsk)
	}
	if snap.NoBid != nil || snap.NoAsk != nil {
		t.Fatalf("no side must stay null")
	}
}

func TestExpired(t *testing.T) {
	s := NewStore()
	now := time.Now()
	grace := 600 * time.Second

	// Long past expiry, nothing open: retired.
	if err := s.Add(descriptor("old", now.Add(-20*time.Minute))); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Past expiry but holding a position: kept.
	if err := s.Add(descriptor("held", now.Add(-20*time.Minute))); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Update("held", func(mc *models.MarketContext) {
		mc.Positions = append(mc.Positions, models.Position{Side: models.SideYes, Size: dec("10"), EntryPrice: dec("0.3")})
	})
	// Still live: kept.
	if err := s.Add(descriptor("live", now.Add(10*time.Minute))); err != nil {
		t.Fatalf("add: %v", err)
	}

	expired := s.Expired(now, grace)
	if len(expired) != 1 || expired[0] != "old" {
		t.Fatalf("unexpected expired set %v", expired)
	}
}

func TestQuarantine(t *testing.T) {
	s := NewStore()
	if err := s.Add(descriptor("m1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.MarkQuarantined("m1")
	if s.QuarantinedCount() != 1 {
		t.Fatalf("expected one quarantined market")
	}
	snap, _ := s.Snapshot("m1")
	if !snap.Quarantined {
		t.Fatalf("snapshot must carry the quarantine flag")
	}
}
