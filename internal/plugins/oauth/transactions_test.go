package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTransactionStore_Roundtrip(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Create(context.Background(), &Transaction{
		UserID:      "user-1",
		ClientID:    "web-app",
		RedirectURI: "https://app.example.com/callback",
		Scope:       "openid",
		State:       "xyz",
		Nonce:       "n0nce",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatal("expected a transaction id")
	}

	txn, err := store.Consume(context.Background(), id)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if txn.UserID != "user-1" || txn.ClientID != "web-app" || txn.State != "xyz" {
		t.Errorf("transaction did not survive the roundtrip: %+v", txn)
	}
}

func TestTransactionStore_ConsumeIsSingleUse(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Create(context.Background(), &Transaction{UserID: "user-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.Consume(context.Background(), id); err != nil {
		t.Fatalf("first consume: %v", err)
	}

	_, err = store.Consume(context.Background(), id)
	assertAppError(t, err, 409)
}

func TestTransactionStore_UnknownID(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Consume(context.Background(), "no-such-transaction")
	assertAppError(t, err, 409)
}

func TestTransactionStore_Expires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewTransactionStore(rdb)

	id, err := store.Create(context.Background(), &Transaction{UserID: "user-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	mr.FastForward(11 * time.Minute)

	_, err = store.Consume(context.Background(), id)
	assertAppError(t, err, 409)
}
