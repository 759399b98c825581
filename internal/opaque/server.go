package opaque

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// sessionCapacity bounds the in-memory active-session registry;
	// crossing it evicts the oldest evictBatch entries.
	sessionCapacity = 100
	evictBatch      = 10
)

var ErrNoRegistrationInProgress = errors.New("no registration in progress")

// Record is a finalized registration: everything the server retains about
// a principal. The server never holds the phrase or the encryption key.
type Record struct {
	UserID          string
	Envelope        []byte
	Verifier        []byte // 32B verification key material
	OprfSeed        []byte // 32B per-record OPRF seed
	Salt            []byte // 16B KDF salt
	ServerPublicKey []byte
	CreatedAt       time.Time
}

// RecordStore persists finalized registration records. GetRecord returns
// (nil, nil) for unknown principals.
type RecordStore interface {
	SaveRecord(ctx context.Context, r *Record) error
	GetRecord(ctx context.Context, userID string) (*Record, error)
}

// RegistrationResponse answers StartRegistration.
type RegistrationResponse struct {
	EvaluatedElement []byte
	ServerPublicKey  []byte
	Salt             []byte
}

// LoginResponse answers StartLogin. For unknown principals every field is
// present but zero-length; the shape never reveals whether the principal
// exists.
type LoginResponse struct {
	EvaluatedElement []byte
	ServerPublicKey  []byte
	Envelope         []byte
	Salt             []byte
}

// pendingRegistration is the ephemeral first-phase record. A second
// StartRegistration for the same principal overwrites it (last-writer-wins,
// no lock across phases).
type pendingRegistration struct {
	serverPriv []byte
	serverPub  []byte
	oprfSeed   []byte
	salt       []byte
	createdAt  time.Time
}

type activeSession struct {
	key       []byte
	createdAt time.Time
}

// Server drives the two-phase registration and two-phase login state
// machines. Pending registrations and active login sessions live in
// process-local maps; durable records go through the RecordStore.
type Server struct {
	store RecordStore

	mu       sync.Mutex
	pending  map[string]*pendingRegistration
	sessions map[string]*activeSession

	// decoySeed evaluates blinded elements for unknown principals so the
	// work done does not depend on record existence.
	decoySeed []byte

	now func() time.Time
}

func NewServer(store RecordStore) (*Server, error) {
	decoy, err := randomBytes(KeyLen)
	if err != nil {
		return nil, err
	}
	return &Server{
		store:     store,
		pending:   make(map[string]*pendingRegistration),
		sessions:  make(map[string]*activeSession),
		decoySeed: decoy,
		now:       time.Now,
	}, nil
}

// StartRegistration begins registration for userID: fresh server keypair,
// fresh salt, and an OPRF evaluation of the blinded element. Any prior
// pending record for the same principal is overwritten.
func (s *Server) StartRegistration(ctx context.Context, userID string, blindedElement, clientPublicKey []byte) (*RegistrationResponse, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is empty", ErrInvalidInput)
	}
	if err := validateElement("blinded element", blindedElement); err != nil {
		return nil, err
	}
	if err := validateElement("client public key", clientPublicKey); err != nil {
		return nil, err
	}

	priv, pub, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	seed, err := randomBytes(KeyLen)
	if err != nil {
		return nil, err
	}
	salt, err := randomBytes(SaltLen)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pending[userID] = &pendingRegistration{
		serverPriv: priv,
		serverPub:  pub,
		oprfSeed:   seed,
		salt:       salt,
		createdAt:  s.now(),
	}
	s.mu.Unlock()

	return &RegistrationResponse{
		EvaluatedElement: EvaluateElement(seed, blindedElement),
		ServerPublicKey:  pub,
		Salt:             salt,
	}, nil
}

// FinalizeRegistration validates the final message and builds the durable
// record from the pending first-phase state. Nothing is persisted and the
// pending record stays in place: the caller stores the record, usually in
// the same transaction as its own rows, and calls CommitRegistration once
// that write is durable. A failed or rolled-back write leaves both the
// pending record and any previously stored record untouched.
func (s *Server) FinalizeRegistration(userID string, envelope, verifier []byte) (*Record, error) {
	if len(envelope) == 0 {
		return nil, fmt.Errorf("%w: envelope is empty", ErrInvalidInput)
	}
	if err := validateElement("verifier", verifier); err != nil {
		return nil, err
	}

	s.mu.Lock()
	p, ok := s.pending[userID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoRegistrationInProgress
	}

	return &Record{
		UserID:          userID,
		Envelope:        envelope,
		Verifier:        verifier,
		OprfSeed:        p.oprfSeed,
		Salt:            p.salt,
		ServerPublicKey: p.serverPub,
		CreatedAt:       s.now().UTC(),
	}, nil
}

// CommitRegistration consumes the pending registration after the record
// has been durably stored.
func (s *Server) CommitRegistration(userID string) {
	s.mu.Lock()
	delete(s.pending, userID)
	s.mu.Unlock()
}

// FinishRegistration persists the final record for userID through the
// configured RecordStore and consumes the pending one. Callers that need
// the record write bundled with other rows use FinalizeRegistration and
// CommitRegistration around their own transaction instead.
func (s *Server) FinishRegistration(ctx context.Context, userID string, envelope, verifier []byte) (*Record, error) {
	rec, err := s.FinalizeRegistration(userID, envelope, verifier)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("save registration record: %w", err)
	}
	s.CommitRegistration(userID)
	return rec, nil
}

// StartLogin answers a login initiation. Unknown principals get a response
// with the identical field set and zero-length values; the decoy
// evaluation keeps the work shape independent of record existence.
func (s *Server) StartLogin(ctx context.Context, userID string, blindedElement, clientPublicKey []byte) (*LoginResponse, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is empty", ErrInvalidInput)
	}
	if err := validateElement("blinded element", blindedElement); err != nil {
		return nil, err
	}
	if err := validateElement("client public key", clientPublicKey); err != nil {
		return nil, err
	}

	rec, err := s.store.GetRecord(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load registration record: %w", err)
	}
	if rec == nil {
		EvaluateElement(s.decoySeed, blindedElement)
		return &LoginResponse{
			EvaluatedElement: []byte{},
			ServerPublicKey:  []byte{},
			Envelope:         []byte{},
			Salt:             []byte{},
		}, nil
	}

	_, ephPub, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &LoginResponse{
		EvaluatedElement: EvaluateElement(rec.OprfSeed, blindedElement),
		ServerPublicKey:  ephPub,
		Envelope:         rec.Envelope,
		Salt:             rec.Salt,
	}, nil
}

// FinishLogin verifies the client proof. On success it derives a fresh
// 32-byte session key, registers it in the active-session map, and returns
// it. Unknown principals, empty proofs, and bad proofs all return
// (false, nil) through the same path shape.
func (s *Server) FinishLogin(ctx context.Context, userID string, clientProof []byte) (bool, []byte, error) {
	if len(clientProof) == 0 {
		return false, nil, nil
	}

	rec, err := s.store.GetRecord(ctx, userID)
	if err != nil {
		return false, nil, fmt.Errorf("load registration record: %w", err)
	}
	if rec == nil {
		// Burn the same verification work against the decoy seed.
		VerifyLoginProof(s.decoySeed, clientProof, userID)
		return false, nil, nil
	}

	if !VerifyLoginProof(rec.Verifier, clientProof, userID) {
		return false, nil, nil
	}

	key, err := randomBytes(KeyLen)
	if err != nil {
		return false, nil, err
	}

	s.mu.Lock()
	s.sessions[userID] = &activeSession{key: key, createdAt: s.now()}
	s.evictLocked()
	s.mu.Unlock()
	return true, key, nil
}

// SessionKey returns the active session key for userID, or nil.
func (s *Server) SessionKey(userID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[userID]; ok {
		return sess.key
	}
	return nil
}

// CleanupSessions applies the capacity-triggered eviction and reports the
// number of entries removed. This bounds the in-memory registry; the
// persisted session table has its own cleanup in the session manager.
func (s *Server) CleanupSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked()
}

// PendingCount reports the number of in-flight registrations.
func (s *Server) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ActiveSessionCount reports the size of the active-session registry.
func (s *Server) ActiveSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) evictLocked() int {
	if len(s.sessions) <= sessionCapacity {
		return 0
	}

	type aged struct {
		userID string
		at     time.Time
	}
	all := make([]aged, 0, len(s.sessions))
	for id, sess := range s.sessions {
		all = append(all, aged{id, sess.createdAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	n := evictBatch
	if n > len(all) {
		n = len(all)
	}
	for _, a := range all[:n] {
		delete(s.sessions, a.userID)
	}
	return n
}
