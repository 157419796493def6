package tokengate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tokengate/tokengate/internal"
)

func newTestSessionStore(t *testing.T) (*sessionStore, func()) {
	t.Helper()

	mr, rdb := newTestRedis(t)
	return newSessionStore(rdb, "tg"), func() { mr.Close() }
}

func storeTestRecord(principalID, scope, token string) *sessionRecord {
	now := time.Now()
	return &sessionRecord{
		PrincipalID: principalID,
		Scope:       scope,
		Factor:      "mail",
		TokenHash:   internal.HashToken(token),
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(5 * time.Minute).Unix(),
	}
}

func TestSessionStoreCreateReplacesOpenSession(t *testing.T) {
	store, done := newTestSessionStore(t)
	defer done()

	first, replaced, err := store.Create(context.Background(), storeTestRecord("alice", "0", "111111"), 5*time.Minute)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if replaced {
		t.Fatal("first create must not report replacement")
	}

	second, replaced, err := store.Create(context.Background(), storeTestRecord("alice", "0", "222222"), 5*time.Minute)
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if !replaced {
		t.Fatal("expected second create to displace the first session")
	}
	if second == first {
		t.Fatal("expected a distinct session id")
	}

	if _, err := store.findByID(context.Background(), first); !errors.Is(err, errSessionNotFound) {
		t.Fatalf("expected displaced record to be gone, got %v", err)
	}

	openID, _, err := store.FindOpen(context.Background(), "alice", "0")
	if err != nil {
		t.Fatalf("FindOpen failed: %v", err)
	}
	if openID != second {
		t.Fatalf("expected open pointer %s, got %s", second, openID)
	}
}

func TestSessionStoreOwnership(t *testing.T) {
	store, done := newTestSessionStore(t)
	defer done()

	sessionID, _, err := store.Create(context.Background(), storeTestRecord("alice", "0", "111111"), 5*time.Minute)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := store.FindByIDForPrincipal(context.Background(), sessionID, "bob"); !errors.Is(err, errSessionNotFound) {
		t.Fatalf("expected foreign lookup to report not found, got %v", err)
	}

	record, err := store.FindByIDForPrincipal(context.Background(), sessionID, "alice")
	if err != nil {
		t.Fatalf("owner lookup failed: %v", err)
	}
	if record.PrincipalID != "alice" {
		t.Fatalf("unexpected record owner %s", record.PrincipalID)
	}
}

func TestSessionStoreMarkVerified(t *testing.T) {
	store, done := newTestSessionStore(t)
	defer done()

	sessionID, _, err := store.Create(context.Background(), storeTestRecord("alice", "0", "111111"), 5*time.Minute)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// A mismatch must not consume the session.
	if _, err := store.MarkVerified(context.Background(), sessionID, internal.HashToken("999999"), time.Hour); !errors.Is(err, errSessionTokenMismatch) {
		t.Fatalf("expected errSessionTokenMismatch, got %v", err)
	}

	record, err := store.MarkVerified(context.Background(), sessionID, internal.HashToken("111111"), time.Hour)
	if err != nil {
		t.Fatalf("MarkVerified failed: %v", err)
	}
	if !record.verified() {
		t.Fatal("expected verified record")
	}
	if record.ExpiresAt != 0 {
		t.Fatal("expected expiry to be cleared on verification")
	}

	if _, err := store.MarkVerified(context.Background(), sessionID, internal.HashToken("111111"), time.Hour); !errors.Is(err, errSessionConsumed) {
		t.Fatalf("expected errSessionConsumed on replay, got %v", err)
	}

	// The open pointer is gone, the record is retained.
	if _, _, err := store.FindOpen(context.Background(), "alice", "0"); !errors.Is(err, errSessionNotFound) {
		t.Fatalf("expected open pointer to be removed, got %v", err)
	}
	kept, err := store.findByID(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("expected verified record to be retained: %v", err)
	}
	if !kept.verified() {
		t.Fatal("expected retained record to stay verified")
	}
}

func TestSessionStoreInvalidate(t *testing.T) {
	store, done := newTestSessionStore(t)
	defer done()

	if _, _, err := store.Create(context.Background(), storeTestRecord("alice", "0", "111111"), 5*time.Minute); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	n, err := store.Invalidate(context.Background(), "alice", "0")
	if err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed session, got %d", n)
	}

	n, err = store.Invalidate(context.Background(), "alice", "0")
	if err != nil {
		t.Fatalf("second Invalidate failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 removed sessions, got %d", n)
	}
}

func TestSessionStoreInvalidateCreateRace(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newSessionStore(rdb, "tg")
	ctx := context.Background()

	// A replacement Create racing an Invalidate must never strand a record
	// without its pointer or delete the pointer of the surviving session.
	for i := 0; i < 50; i++ {
		if _, _, err := store.Create(ctx, storeTestRecord("alice", "0", "111111"), 5*time.Minute); err != nil {
			t.Fatalf("iteration %d: seed Create failed: %v", i, err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			store.Create(ctx, storeTestRecord("alice", "0", "222222"), 5*time.Minute)
		}()
		go func() {
			defer wg.Done()
			store.Invalidate(ctx, "alice", "0")
		}()
		wg.Wait()

		var recordKeys []string
		for _, key := range mr.Keys() {
			if strings.HasPrefix(key, "tg:s:") {
				recordKeys = append(recordKeys, key)
			}
		}

		pointer, err := rdb.Get(ctx, store.openKey("alice", "0")).Result()
		switch {
		case err == nil:
			if len(recordKeys) != 1 || recordKeys[0] != store.recordKey(pointer) {
				t.Fatalf("iteration %d: open pointer %s but records %v", i, pointer, recordKeys)
			}
		case errors.Is(err, redis.Nil):
			if len(recordKeys) != 0 {
				t.Fatalf("iteration %d: no open pointer but orphan records %v", i, recordKeys)
			}
		default:
			t.Fatalf("iteration %d: pointer lookup failed: %v", i, err)
		}

		mr.FlushAll()
	}
}

func TestSessionRecordCodec(t *testing.T) {
	record := storeTestRecord("alice", "payment", "123456")
	record.VerifiedAt = time.Now().Unix()

	encoded, err := encodeSessionRecord(record)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := decodeSessionRecord(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if *decoded != *record {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, record)
	}

	encoded[0] = 99
	if _, err := decodeSessionRecord(encoded); err == nil {
		t.Fatal("expected unknown version to fail decoding")
	}
}
