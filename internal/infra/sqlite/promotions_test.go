package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/epa-bot/epa/internal/domain"
)

func insertPromotion(t *testing.T, db *DB, id, scope string, kind domain.PromotionKind, ends time.Time) {
	t.Helper()
	mustTx(t, db, func(tx *Tx) error {
		return tx.InsertPromotion(domain.Promotion{
			ID: id, Scope: scope, Kind: kind, Name: kind.Title(),
			MultiplierPct: 200, StartedBy: "mod", Status: domain.PromotionActive,
			CreatedAt: t0, EndsAt: ends,
		})
	})
}

func TestPromotions_LiveAndGet(t *testing.T) {
	db := newTestDB(t)
	insertPromotion(t, db, "p1", "g", domain.PromoHappyHour, t0.Add(time.Hour))
	insertPromotion(t, db, "p2", "g", domain.PromoSpecialDaily, t0.Add(30*time.Minute))
	insertPromotion(t, db, "p3", "other", domain.PromoHappyHour, t0.Add(time.Hour))
	insertPromotion(t, db, "stale", "g", domain.PromoHappyHour, t0.Add(-time.Minute))

	live, err := db.LivePromotions(context.Background(), "g", t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 2 || live[0].ID != "p2" || live[1].ID != "p1" {
		t.Fatalf("live = %+v, want [p2 p1]", live)
	}

	p, err := db.Promotion(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != domain.PromoHappyHour || p.MultiplierPct != 200 || !p.EndsAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("p1 = %+v", p)
	}
	if !p.ResolvedAt.IsZero() {
		t.Errorf("ResolvedAt = %v, want zero", p.ResolvedAt)
	}

	if _, err := db.Promotion(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}
}

func TestPromotions_ExpireAndResolve(t *testing.T) {
	db := newTestDB(t)
	insertPromotion(t, db, "due", "g", domain.PromoGoldRain, t0.Add(-time.Minute))
	insertPromotion(t, db, "later", "g", domain.PromoHappyHour, t0.Add(time.Hour))

	mustTx(t, db, func(tx *Tx) error {
		ended, err := tx.ExpirePromotions(t0)
		if len(ended) != 1 || ended[0].ID != "due" || ended[0].Status != domain.PromotionEnded {
			t.Errorf("expired = %+v", ended)
		}
		return err
	})

	mustTx(t, db, func(tx *Tx) error {
		return tx.ResolvePromotion("later", domain.PromotionCancelled, t0)
	})
	err := db.WithTx(context.Background(), func(tx *Tx) error {
		return tx.ResolvePromotion("later", domain.PromotionCancelled, t0)
	})
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("second resolve err = %v, want ErrInvalidState", err)
	}

	p, err := db.Promotion(context.Background(), "later")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != domain.PromotionCancelled || !p.ResolvedAt.Equal(t0) {
		t.Errorf("later = %+v", p)
	}

	dls, err := db.OpenDeadlines(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(dls) != 0 {
		t.Errorf("deadlines = %+v, want none", dls)
	}
}
