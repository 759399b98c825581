package opaque

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// memRecordStore is an in-memory RecordStore for tests.
type memRecordStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{records: make(map[string]*Record)}
}

func (m *memRecordStore) SaveRecord(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.UserID] = r
	return nil
}

func (m *memRecordStore) GetRecord(_ context.Context, userID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[userID], nil
}

func newTestServer(t *testing.T) (*Server, *memRecordStore) {
	t.Helper()
	store := newMemRecordStore()
	s, err := NewServer(store)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s, store
}

func randomElement(t *testing.T) []byte {
	t.Helper()
	b := make([]byte, ElementLen)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

// register runs the full two-phase registration for userID and returns the
// verifier the "client" committed.
func register(t *testing.T, s *Server, userID string) []byte {
	t.Helper()
	ctx := context.Background()

	resp, err := s.StartRegistration(ctx, userID, randomElement(t), randomElement(t))
	if err != nil {
		t.Fatalf("StartRegistration: %v", err)
	}
	if len(resp.EvaluatedElement) != ElementLen || len(resp.ServerPublicKey) != KeyLen || len(resp.Salt) != SaltLen {
		t.Fatalf("registration response has wrong field sizes: %+v", resp)
	}

	verifier := randomElement(t)
	if _, err := s.FinishRegistration(ctx, userID, []byte("envelope-bytes"), verifier); err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	return verifier
}

func TestRegistration_TwoPhase(t *testing.T) {
	s, store := newTestServer(t)
	verifier := register(t, s, "user-1")

	rec, err := store.GetRecord(context.Background(), "user-1")
	if err != nil || rec == nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if !bytes.Equal(rec.Verifier, verifier) {
		t.Error("persisted verifier mismatch")
	}
	if len(rec.Salt) != SaltLen || len(rec.OprfSeed) != KeyLen {
		t.Errorf("record field sizes: salt=%d seed=%d", len(rec.Salt), len(rec.OprfSeed))
	}
	if s.PendingCount() != 0 {
		t.Error("pending record not consumed")
	}
}

func TestFinishRegistration_NoPending(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.FinishRegistration(context.Background(), "nobody", []byte("env"), randomElement(t))
	if !errors.Is(err, ErrNoRegistrationInProgress) {
		t.Fatalf("got %v, want ErrNoRegistrationInProgress", err)
	}
}

func TestFinalizeRegistration_PendingSurvivesUntilCommit(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	if _, err := s.StartRegistration(ctx, "user-1", randomElement(t), randomElement(t)); err != nil {
		t.Fatal(err)
	}

	rec, err := s.FinalizeRegistration("user-1", []byte("env"), randomElement(t))
	if err != nil {
		t.Fatalf("FinalizeRegistration: %v", err)
	}
	if got, _ := store.GetRecord(ctx, "user-1"); got != nil {
		t.Fatal("finalize persisted the record itself")
	}
	if s.PendingCount() != 1 {
		t.Fatalf("pending count = %d, want 1 before commit", s.PendingCount())
	}

	// The caller's write failed; a retry finalizes the same pending state.
	again, err := s.FinalizeRegistration("user-1", []byte("env"), randomElement(t))
	if err != nil {
		t.Fatalf("FinalizeRegistration retry: %v", err)
	}
	if !bytes.Equal(again.Salt, rec.Salt) || !bytes.Equal(again.OprfSeed, rec.OprfSeed) {
		t.Error("retry produced different pending state")
	}

	s.CommitRegistration("user-1")
	if s.PendingCount() != 0 {
		t.Errorf("pending count = %d, want 0 after commit", s.PendingCount())
	}
	if _, err := s.FinalizeRegistration("user-1", []byte("env"), randomElement(t)); !errors.Is(err, ErrNoRegistrationInProgress) {
		t.Fatalf("got %v, want ErrNoRegistrationInProgress after commit", err)
	}
}

func TestStartRegistration_LastWriterWins(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	first, err := s.StartRegistration(ctx, "user-1", randomElement(t), randomElement(t))
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.StartRegistration(ctx, "user-1", randomElement(t), randomElement(t))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(first.Salt, second.Salt) {
		t.Error("restart should generate a fresh salt")
	}
	if s.PendingCount() != 1 {
		t.Errorf("pending count = %d, want 1", s.PendingCount())
	}

	rec, err := s.FinishRegistration(ctx, "user-1", []byte("env"), randomElement(t))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rec.Salt, second.Salt) {
		t.Error("finalized record should carry the most recent pending state")
	}
}

func TestStartLogin_UnknownUserEmptyShape(t *testing.T) {
	s, _ := newTestServer(t)

	resp, err := s.StartLogin(context.Background(), "ghost", randomElement(t), randomElement(t))
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	// Same field set, zero-length values: no enumeration via shape.
	if resp.EvaluatedElement == nil || resp.ServerPublicKey == nil || resp.Envelope == nil || resp.Salt == nil {
		t.Fatal("unknown-user response must keep all fields present")
	}
	if len(resp.EvaluatedElement) != 0 || len(resp.ServerPublicKey) != 0 || len(resp.Envelope) != 0 || len(resp.Salt) != 0 {
		t.Fatal("unknown-user response must have zero-length fields")
	}
}

func TestStartLogin_KnownUser(t *testing.T) {
	s, _ := newTestServer(t)
	register(t, s, "user-1")

	resp, err := s.StartLogin(context.Background(), "user-1", randomElement(t), randomElement(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.EvaluatedElement) != ElementLen {
		t.Errorf("evaluated element length = %d", len(resp.EvaluatedElement))
	}
	if string(resp.Envelope) != "envelope-bytes" {
		t.Errorf("envelope = %q", resp.Envelope)
	}
	if len(resp.Salt) != SaltLen {
		t.Errorf("salt length = %d", len(resp.Salt))
	}
}

func TestFinishLogin(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	verifier := register(t, s, "user-1")

	// Good proof.
	ok, key, err := s.FinishLogin(ctx, "user-1", LoginProof(verifier, "user-1"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || len(key) != KeyLen {
		t.Fatalf("good proof: ok=%v keylen=%d", ok, len(key))
	}
	if got := s.SessionKey("user-1"); !bytes.Equal(got, key) {
		t.Error("session key not registered")
	}

	// Wrong verifier (e.g. keys derived from a different phrase).
	wrong := randomElement(t)
	ok, key, err = s.FinishLogin(ctx, "user-1", LoginProof(wrong, "user-1"))
	if err != nil || ok || key != nil {
		t.Fatalf("wrong proof: ok=%v key=%v err=%v", ok, key, err)
	}

	// Empty proof.
	ok, key, err = s.FinishLogin(ctx, "user-1", nil)
	if err != nil || ok || key != nil {
		t.Fatalf("empty proof: ok=%v key=%v err=%v", ok, key, err)
	}

	// Unknown user, same return shape.
	ok, key, err = s.FinishLogin(ctx, "ghost", LoginProof(verifier, "ghost"))
	if err != nil || ok || key != nil {
		t.Fatalf("unknown user: ok=%v key=%v err=%v", ok, key, err)
	}
}

func TestActiveSessions_CapacityEviction(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < sessionCapacity+1; i++ {
		userID := fmt.Sprintf("user-%03d", i)
		verifier := register(t, s, userID)
		ok, _, err := s.FinishLogin(ctx, userID, LoginProof(verifier, userID))
		if err != nil || !ok {
			t.Fatalf("login %s: ok=%v err=%v", userID, ok, err)
		}
	}

	if got := s.ActiveSessionCount(); got != sessionCapacity+1-evictBatch {
		t.Fatalf("active sessions = %d, want %d", got, sessionCapacity+1-evictBatch)
	}
	// The oldest batch is gone, newer entries survive.
	if s.SessionKey("user-000") != nil {
		t.Error("oldest session should have been evicted")
	}
	if s.SessionKey(fmt.Sprintf("user-%03d", sessionCapacity)) == nil {
		t.Error("newest session should survive eviction")
	}
}

func TestCleanupSessions_UnderCapacity(t *testing.T) {
	s, _ := newTestServer(t)
	verifier := register(t, s, "user-1")
	if ok, _, _ := s.FinishLogin(context.Background(), "user-1", LoginProof(verifier, "user-1")); !ok {
		t.Fatal("login failed")
	}
	if n := s.CleanupSessions(); n != 0 {
		t.Fatalf("CleanupSessions = %d, want 0 under capacity", n)
	}
}

func TestValidation(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()
	good := randomElement(t)

	if _, err := s.StartRegistration(ctx, "", good, good); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty user id: %v", err)
	}
	if _, err := s.StartRegistration(ctx, "u", make([]byte, 31), good); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("short blinded element: %v", err)
	}
	if _, err := s.StartLogin(ctx, "u", good, make([]byte, 33)); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("long client public key: %v", err)
	}
	if _, err := s.FinishRegistration(ctx, "u", nil, good); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty envelope: %v", err)
	}
}

func TestEvaluateElement_DeterministicPerSeed(t *testing.T) {
	seed := randomElement(t)
	blinded := randomElement(t)

	a := EvaluateElement(seed, blinded)
	b := EvaluateElement(seed, blinded)
	if !bytes.Equal(a, b) {
		t.Error("evaluation is not deterministic")
	}
	if bytes.Equal(a, EvaluateElement(randomElement(t), blinded)) {
		t.Error("different seeds should evaluate differently")
	}
}
