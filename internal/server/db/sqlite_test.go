package db

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/noteriver/tagvault/internal/opaque"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTag(t *testing.T, s *Store, tagID, userID, vaultID string) {
	t.Helper()
	tag := &SecretTag{
		TagID:           tagID,
		UserID:          userID,
		Salt:            bytes.Repeat([]byte{0x01}, 16),
		Verifier:        bytes.Repeat([]byte{0x02}, 32),
		OprfSeed:        bytes.Repeat([]byte{0x03}, 32),
		Envelope:        bytes.Repeat([]byte{0x04}, 48),
		ServerPublicKey: bytes.Repeat([]byte{0x05}, 32),
		TagName:         "work",
		ColorCode:       "#336699",
	}
	wk := &WrappedKey{
		ID:         "wk-" + tagID[:8],
		TagID:      tagID,
		VaultID:    vaultID,
		Purpose:    "vault-data",
		WrappedKey: bytes.Repeat([]byte{0x06}, 40),
		Algorithm:  "A256KW",
		Version:    1,
	}
	if err := s.CreateTag(tag, wk, nil); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
}

func TestTagCRUD(t *testing.T) {
	s := newTestStore(t)

	tagID := "00112233445566778899aabbccddeeff"
	seedTag(t, s, tagID, "alice", "vault-1")

	got, err := s.GetTag(tagID)
	if err != nil {
		t.Fatalf("GetTag: %v", err)
	}
	if got == nil {
		t.Fatal("GetTag returned nil")
	}
	if got.TagName != "work" || got.ColorCode != "#336699" || got.UserID != "alice" {
		t.Errorf("got tag %+v", got)
	}
	if len(got.Verifier) != 32 || len(got.OprfSeed) != 32 {
		t.Errorf("key material lengths: verifier=%d oprf_seed=%d", len(got.Verifier), len(got.OprfSeed))
	}

	// Not found
	got, err = s.GetTag("ffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatalf("GetTag: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for nonexistent tag")
	}

	tags, err := s.ListTagsByUser("alice")
	if err != nil {
		t.Fatalf("ListTagsByUser: %v", err)
	}
	if len(tags) != 1 {
		t.Fatalf("ListTagsByUser: got %d tags", len(tags))
	}

	ok, err := s.UpdateTagMeta(tagID, "personal", "#aa00bb")
	if err != nil || !ok {
		t.Fatalf("UpdateTagMeta: ok=%v err=%v", ok, err)
	}
	got, _ = s.GetTag(tagID)
	if got.TagName != "personal" || got.ColorCode != "#aa00bb" {
		t.Errorf("after update: %+v", got)
	}
	if !got.UpdatedAt.After(got.CreatedAt) && !got.UpdatedAt.Equal(got.CreatedAt) {
		t.Errorf("updated_at went backwards: created=%v updated=%v", got.CreatedAt, got.UpdatedAt)
	}
}

func TestCreateTagDuplicate(t *testing.T) {
	s := newTestStore(t)

	tagID := "00112233445566778899aabbccddeeff"
	seedTag(t, s, tagID, "alice", "vault-1")

	tag := &SecretTag{
		TagID:           tagID,
		UserID:          "mallory",
		Salt:            bytes.Repeat([]byte{0x11}, 16),
		Verifier:        bytes.Repeat([]byte{0x12}, 32),
		OprfSeed:        bytes.Repeat([]byte{0x13}, 32),
		Envelope:        bytes.Repeat([]byte{0x14}, 48),
		ServerPublicKey: bytes.Repeat([]byte{0x15}, 32),
		TagName:         "collision",
		ColorCode:       "#000000",
	}
	err := s.CreateTag(tag, nil, nil)
	if err != ErrTagDuplicate {
		t.Fatalf("CreateTag duplicate: got %v, want ErrTagDuplicate", err)
	}

	// The original owner's row must be untouched.
	got, _ := s.GetTag(tagID)
	if got.UserID != "alice" {
		t.Errorf("owner changed after duplicate insert: %q", got.UserID)
	}
}

func TestCreateTagDuplicateRollsBackRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tagID := "00112233445566778899aabbccddeeff"
	original := &opaque.Record{
		UserID:          tagID,
		Envelope:        bytes.Repeat([]byte{0x04}, 48),
		Verifier:        bytes.Repeat([]byte{0x02}, 32),
		OprfSeed:        bytes.Repeat([]byte{0x03}, 32),
		Salt:            bytes.Repeat([]byte{0x01}, 16),
		ServerPublicKey: bytes.Repeat([]byte{0x05}, 32),
	}
	tag := &SecretTag{
		TagID:           tagID,
		UserID:          "alice",
		Salt:            original.Salt,
		Verifier:        original.Verifier,
		OprfSeed:        original.OprfSeed,
		Envelope:        original.Envelope,
		ServerPublicKey: original.ServerPublicKey,
		TagName:         "work",
		ColorCode:       "#336699",
	}
	if err := s.CreateTag(tag, nil, original); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}

	forged := &opaque.Record{
		UserID:          tagID,
		Envelope:        bytes.Repeat([]byte{0x14}, 48),
		Verifier:        bytes.Repeat([]byte{0x12}, 32),
		OprfSeed:        bytes.Repeat([]byte{0x13}, 32),
		Salt:            bytes.Repeat([]byte{0x11}, 16),
		ServerPublicKey: bytes.Repeat([]byte{0x15}, 32),
	}
	dup := *tag
	dup.UserID = "mallory"
	if err := s.CreateTag(&dup, nil, forged); err != ErrTagDuplicate {
		t.Fatalf("CreateTag duplicate: got %v, want ErrTagDuplicate", err)
	}

	// The rollback must cover the record upsert too.
	rec, err := s.OpaqueRecords().GetRecord(ctx, tagID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec == nil {
		t.Fatal("record vanished after duplicate insert")
	}
	if !bytes.Equal(rec.Verifier, original.Verifier) || !bytes.Equal(rec.Envelope, original.Envelope) {
		t.Error("record overwritten by rolled-back duplicate registration")
	}
}

func TestDeleteTagCascades(t *testing.T) {
	s := newTestStore(t)

	tagID := "00112233445566778899aabbccddeeff"
	seedTag(t, s, tagID, "alice", "vault-1")

	if err := s.InsertBlob(&VaultBlob{
		VaultID:      "vault-1",
		ObjectID:     "obj-1",
		WrappedKeyID: "wk-" + tagID[:8],
		IV:           bytes.Repeat([]byte{0x01}, 12),
		Ciphertext:   []byte("ct"),
		AuthTag:      bytes.Repeat([]byte{0x02}, 16),
		ContentSize:  2,
	}); err != nil {
		t.Fatalf("InsertBlob: %v", err)
	}

	ok, err := s.DeleteTag(tagID)
	if err != nil || !ok {
		t.Fatalf("DeleteTag: ok=%v err=%v", ok, err)
	}

	keys, err := s.GetWrappedKeysByTag(tagID)
	if err != nil {
		t.Fatalf("GetWrappedKeysByTag: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("wrapped keys survived tag delete: %d", len(keys))
	}
	blob, err := s.GetBlob("vault-1", "obj-1")
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if blob != nil {
		t.Error("vault blob survived tag delete")
	}

	// Deleting again reports no row.
	ok, err = s.DeleteTag(tagID)
	if err != nil || ok {
		t.Fatalf("second DeleteTag: ok=%v err=%v", ok, err)
	}
}

func TestVaultOwnerLookup(t *testing.T) {
	s := newTestStore(t)

	tagID := "00112233445566778899aabbccddeeff"
	seedTag(t, s, tagID, "alice", "vault-1")

	wk, err := s.GetWrappedKeyByVault("vault-1")
	if err != nil {
		t.Fatalf("GetWrappedKeyByVault: %v", err)
	}
	if wk == nil || wk.Purpose != "vault-data" || wk.TagID != tagID {
		t.Fatalf("got wrapped key %+v", wk)
	}

	ownerTag, ownerUser, err := s.GetVaultOwner("vault-1")
	if err != nil {
		t.Fatalf("GetVaultOwner: %v", err)
	}
	if ownerTag != tagID || ownerUser != "alice" {
		t.Errorf("owner = (%q, %q)", ownerTag, ownerUser)
	}

	ownerTag, ownerUser, err = s.GetVaultOwner("no-such-vault")
	if err != nil {
		t.Fatalf("GetVaultOwner unknown: %v", err)
	}
	if ownerTag != "" || ownerUser != "" {
		t.Errorf("unknown vault resolved to (%q, %q)", ownerTag, ownerUser)
	}
}

func TestBlobCRUDAndStats(t *testing.T) {
	s := newTestStore(t)

	tagID := "00112233445566778899aabbccddeeff"
	seedTag(t, s, tagID, "alice", "vault-1")
	wkID := "wk-" + tagID[:8]

	base := time.Now().UTC()
	for i, ct := range []string{"text/plain", "text/plain", "image/png"} {
		blob := &VaultBlob{
			VaultID:      "vault-1",
			ObjectID:     []string{"obj-a", "obj-b", "obj-c"}[i],
			WrappedKeyID: wkID,
			IV:           bytes.Repeat([]byte{byte(i)}, 12),
			Ciphertext:   bytes.Repeat([]byte{0xcc}, 100),
			AuthTag:      bytes.Repeat([]byte{0xaa}, 16),
			ContentType:  ct,
			ContentSize:  90,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.InsertBlob(blob); err != nil {
			t.Fatalf("InsertBlob %d: %v", i, err)
		}
	}

	// Duplicate object id in same vault
	err := s.InsertBlob(&VaultBlob{
		VaultID: "vault-1", ObjectID: "obj-a", WrappedKeyID: wkID,
		IV: bytes.Repeat([]byte{0x00}, 12), Ciphertext: []byte("x"),
		AuthTag: bytes.Repeat([]byte{0x00}, 16), ContentSize: 1,
	})
	if err != ErrBlobDuplicate {
		t.Fatalf("duplicate InsertBlob: got %v, want ErrBlobDuplicate", err)
	}

	got, err := s.GetBlob("vault-1", "obj-b")
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if got == nil || len(got.Ciphertext) != 100 || len(got.IV) != 12 || len(got.AuthTag) != 16 {
		t.Fatalf("got blob %+v", got)
	}

	// Filter by content type
	blobs, err := s.ListBlobs("vault-1", BlobFilter{ContentType: "text/plain", Limit: 10})
	if err != nil {
		t.Fatalf("ListBlobs: %v", err)
	}
	if len(blobs) != 2 {
		t.Fatalf("ListBlobs text/plain: got %d", len(blobs))
	}
	for _, b := range blobs {
		if b.Ciphertext != nil || b.IV != nil || b.AuthTag != nil {
			t.Error("listing leaked ciphertext fields")
		}
	}

	// Time window keeps only the newest object
	blobs, err = s.ListBlobs("vault-1", BlobFilter{CreatedAfter: base.Add(90 * time.Second), Limit: 10})
	if err != nil {
		t.Fatalf("ListBlobs window: %v", err)
	}
	if len(blobs) != 1 || blobs[0].ObjectID != "obj-c" {
		t.Fatalf("ListBlobs window: %+v", blobs)
	}

	// Descending by created_at
	blobs, err = s.ListBlobs("vault-1", BlobFilter{OrderBy: "created_at", Descending: true, Limit: 10})
	if err != nil {
		t.Fatalf("ListBlobs desc: %v", err)
	}
	if blobs[0].ObjectID != "obj-c" {
		t.Errorf("desc order head = %s", blobs[0].ObjectID)
	}

	stats, err := s.GetBlobStats("vault-1")
	if err != nil {
		t.Fatalf("GetBlobStats: %v", err)
	}
	if stats.Count != 3 || stats.ContentBytes != 270 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.StoredBytes != 3*(100+12+16) {
		t.Errorf("StoredBytes = %d", stats.StoredBytes)
	}
	if stats.ByType["text/plain"] != 2 || stats.ByType["image/png"] != 1 {
		t.Errorf("ByType = %v", stats.ByType)
	}
	if stats.OldestAt == nil || stats.NewestAt == nil {
		t.Fatal("expected oldest/newest timestamps")
	}
	if stats.NewestAt.Before(*stats.OldestAt) {
		t.Errorf("newest %v before oldest %v", stats.NewestAt, stats.OldestAt)
	}

	deleted, err := s.DeleteBlob("vault-1", "obj-a")
	if err != nil || !deleted {
		t.Fatalf("DeleteBlob: deleted=%v err=%v", deleted, err)
	}
	deleted, err = s.DeleteBlob("vault-1", "obj-a")
	if err != nil || deleted {
		t.Fatalf("second DeleteBlob: deleted=%v err=%v", deleted, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	sess := &Session{
		ID:           "sess-1",
		UserID:       "alice",
		TagID:        "00112233445566778899aabbccddeeff",
		State:        SessionStateInitialized,
		UserAgent:    "test-agent",
		IP:           "127.0.0.1",
		CreatedAt:    now,
		ExpiresAt:    now.Add(5 * time.Minute),
		LastActivity: now,
	}
	if err := s.InsertSession(sess); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	// A second tokenless session must not trip the unique token index.
	if err := s.InsertSession(&Session{
		ID: "sess-2", UserID: "alice", State: SessionStateInitialized,
		CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute), LastActivity: now,
	}); err != nil {
		t.Fatalf("InsertSession second: %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil || got.State != SessionStateInitialized || got.TokenHash != "" {
		t.Fatalf("got session %+v", got)
	}

	ok, err := s.AttachSessionToken("sess-1", "hash-abc", SessionStateAuthenticated, now.Add(24*time.Hour))
	if err != nil || !ok {
		t.Fatalf("AttachSessionToken: ok=%v err=%v", ok, err)
	}
	got, err = s.GetSessionByTokenHash("hash-abc")
	if err != nil {
		t.Fatalf("GetSessionByTokenHash: %v", err)
	}
	if got == nil || got.ID != "sess-1" || got.State != SessionStateAuthenticated {
		t.Fatalf("by token hash: %+v", got)
	}

	active, err := s.ActiveUserSessions("alice", now)
	if err != nil {
		t.Fatalf("ActiveUserSessions: %v", err)
	}
	if len(active) != 1 || active[0].ID != "sess-1" {
		t.Fatalf("active sessions: %+v", active)
	}

	ok, err = s.ExtendSession("sess-1", now.Add(48*time.Hour))
	if err != nil || !ok {
		t.Fatalf("ExtendSession: ok=%v err=%v", ok, err)
	}
	got, _ = s.GetSession("sess-1")
	if got.ExpiresAt.Before(now.Add(47 * time.Hour)) {
		t.Errorf("expiry not extended: %v", got.ExpiresAt)
	}

	n, err := s.InvalidateUserSessions("alice")
	if err != nil {
		t.Fatalf("InvalidateUserSessions: %v", err)
	}
	if n != 2 {
		t.Errorf("invalidated %d sessions, want 2", n)
	}

	stats, err := s.GetSessionStats("alice")
	if err != nil {
		t.Fatalf("GetSessionStats: %v", err)
	}
	if stats.Total != 2 || stats.ByState[SessionStateInvalidated] != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDeleteExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	for i, exp := range []time.Time{now.Add(-time.Hour), now.Add(-time.Minute), now.Add(time.Hour)} {
		if err := s.InsertSession(&Session{
			ID:           []string{"old-1", "old-2", "live-1"}[i],
			UserID:       "alice",
			State:        SessionStateAuthenticated,
			CreatedAt:    now.Add(-2 * time.Hour),
			ExpiresAt:    exp,
			LastActivity: now.Add(-2 * time.Hour),
		}); err != nil {
			t.Fatalf("InsertSession: %v", err)
		}
	}

	n, err := s.DeleteExpiredSessions(now)
	if err != nil {
		t.Fatalf("DeleteExpiredSessions: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d, want 2", n)
	}
	got, _ := s.GetSession("live-1")
	if got == nil {
		t.Error("unexpired session deleted")
	}
}

func TestOpaqueRecordStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	records := s.OpaqueRecords()

	rec := &opaque.Record{
		UserID:          "alice",
		Envelope:        bytes.Repeat([]byte{0x01}, 48),
		Verifier:        bytes.Repeat([]byte{0x02}, 32),
		OprfSeed:        bytes.Repeat([]byte{0x03}, 32),
		Salt:            bytes.Repeat([]byte{0x04}, 16),
		ServerPublicKey: bytes.Repeat([]byte{0x05}, 32),
	}
	if err := records.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}

	got, err := records.GetRecord(ctx, "alice")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got == nil || !bytes.Equal(got.OprfSeed, rec.OprfSeed) {
		t.Fatalf("got record %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not defaulted on save")
	}

	// Upsert replaces the material.
	rec.Envelope = bytes.Repeat([]byte{0x09}, 48)
	if err := records.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord upsert: %v", err)
	}
	got, _ = records.GetRecord(ctx, "alice")
	if !bytes.Equal(got.Envelope, rec.Envelope) {
		t.Error("upsert did not replace envelope")
	}

	got, err = records.GetRecord(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetRecord unknown: %v", err)
	}
	if got != nil {
		t.Error("expected nil record for unknown user")
	}
}
