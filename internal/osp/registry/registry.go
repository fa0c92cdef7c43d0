// Package registry implements the OSP signed skill registry: trust-chain
// and signature verification on register/revoke/delegate/key-rotate
// entries, a revocation invariant, and an append-only, hash-chained
// transparency log.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openskills/ospd/internal/osp/canon"
)

const (
	maxEntries = 10000
	maxLog     = 50000
)

// EntryType is one of the four registry operation types.
type EntryType string

const (
	EntryRegister  EntryType = "REGISTER"
	EntryRevoke    EntryType = "REVOKE"
	EntryDelegate  EntryType = "DELEGATE"
	EntryKeyRotate EntryType = "KEY_ROTATE"
)

// EntryStatus is the Registry Entry's lifecycle status.
type EntryStatus string

const (
	StatusActive  EntryStatus = "active"
	StatusRevoked EntryStatus = "revoked"
)

// TrustAnchorType is one of the four trust chain roots.
type TrustAnchorType string

const (
	TrustSelfSigned      TrustAnchorType = "self_signed"
	TrustRootCA          TrustAnchorType = "root_ca"
	TrustIntermediateCA  TrustAnchorType = "intermediate_ca"
	TrustDID             TrustAnchorType = "did"
)

// TrustAnchor describes how an entry's signer is rooted.
type TrustAnchor struct {
	Type      TrustAnchorType `json:"type"`
	URI       string          `json:"uri,omitempty"`
	Proof     string          `json:"proof,omitempty"`
	PublicKey []byte          `json:"public_key,omitempty"`
}

// Entry is the Registry Entry data model.
type Entry struct {
	EntryType           EntryType       `json:"entry_type"`
	SkillRef            string          `json:"skill_ref"`
	Timestamp           time.Time       `json:"timestamp"`
	SignedBy            string          `json:"signed_by"`
	ContentHash         string          `json:"content_hash"`
	Signature           string          `json:"signature"`
	Alg                 canon.Algorithm `json:"alg"`
	TrustAnchor         TrustAnchor     `json:"trust_anchor"`
	Status              EntryStatus     `json:"status"`
	PreviousContentHash string          `json:"previous_content_hash,omitempty"`
}

// signable returns the subset of fields that were signed: the entry as
// submitted, excluding the signature itself and the status field (which
// is only assigned once registration succeeds).
func (e Entry) signable() map[string]interface{} {
	m := map[string]interface{}{
		"entry_type":   string(e.EntryType),
		"skill_ref":    e.SkillRef,
		"timestamp":    e.Timestamp.Unix(),
		"signed_by":    e.SignedBy,
		"content_hash": e.ContentHash,
		"alg":          string(e.Alg),
		"trust_anchor": map[string]interface{}{
			"type":  string(e.TrustAnchor.Type),
			"uri":   e.TrustAnchor.URI,
			"proof": e.TrustAnchor.Proof,
		},
	}
	if e.PreviousContentHash != "" {
		m["previous_content_hash"] = e.PreviousContentHash
	}
	return m
}

// LogEntry is a Registry Transparency Log Entry: the same hash-chained
// shape as the delivery proof log.
type LogEntry struct {
	Sequence  int64          `json:"sequence"`
	EventType string         `json:"event_type"`
	SkillRef  string         `json:"skill_ref"`
	Timestamp time.Time      `json:"timestamp"`
	PrevHash  string         `json:"prev_hash"`
	Context   map[string]any `json:"context,omitempty"`
}

var genesisHash = strings.Repeat("0", 64)

// EntryStore is the pluggable backing store for registry entries. The
// default is an in-memory bounded LRU; a production deployment may back
// it with Postgres (see NewPostgresEntryStore) per spec.md §1's "a
// production deployment may back the registry... with durable storage."
type EntryStore interface {
	Get(skillRef string) (*Entry, bool)
	Add(skillRef string, entry *Entry)
}

// lruEntryStore is the default bounded in-memory EntryStore.
type lruEntryStore struct {
	cache *lru.Cache[string, *Entry]
}

func newLRUEntryStore() *lruEntryStore {
	cache, err := lru.New[string, *Entry](maxEntries)
	if err != nil {
		panic(err)
	}
	return &lruEntryStore{cache: cache}
}

func (s *lruEntryStore) Get(skillRef string) (*Entry, bool) { return s.cache.Get(skillRef) }
func (s *lruEntryStore) Add(skillRef string, entry *Entry)  { s.cache.Add(skillRef, entry) }

// Registry is the single entry point for skill registration, revocation,
// and the transparency log.
type Registry struct {
	mu       sync.Mutex
	entries  EntryStore
	revoked  map[string]bool
	log      []LogEntry
	nextSeq  int64
	adminKey string
}

// New constructs a Registry backed by the default in-memory bounded
// store. adminKey, if non-empty, authorizes revokes signed_by
// "__admin__" regardless of the original signer.
func New(adminKey string) *Registry {
	return NewWithStore(newLRUEntryStore(), adminKey)
}

// NewWithStore constructs a Registry against a caller-supplied
// EntryStore, e.g. NewPostgresEntryStore for a durable deployment.
func NewWithStore(store EntryStore, adminKey string) *Registry {
	return &Registry{
		entries:  store,
		revoked:  make(map[string]bool),
		adminKey: adminKey,
	}
}

// Register validates and stores a REGISTER/DELEGATE/KEY_ROTATE entry.
func (r *Registry) Register(entry Entry) (*Entry, error) {
	if entry.EntryType != EntryRegister && entry.EntryType != EntryDelegate && entry.EntryType != EntryKeyRotate {
		return nil, fmt.Errorf("registry: invalid entry_type for registration: %q", entry.EntryType)
	}
	if entry.SkillRef == "" {
		return nil, fmt.Errorf("registry: missing skill_ref")
	}
	if len(entry.ContentHash) != 64 || strings.Trim(entry.ContentHash, "0123456789abcdefABCDEF") != "" {
		return nil, fmt.Errorf("registry: invalid content_hash: must be 64-char hex")
	}
	if entry.Signature == "" {
		return nil, fmt.Errorf("registry: missing signature")
	}

	if reason, ok := verifyTrustChain(entry.TrustAnchor); !ok {
		return nil, fmt.Errorf("registry: trust chain verification failed: %s", reason)
	}

	if ok, reason := r.verifySignature(entry); !ok {
		r.appendLog("REGISTER_REJECTED", entry.SkillRef, map[string]any{"reason": reason, "alg": string(entry.Alg), "signed_by": entry.SignedBy})
		return nil, fmt.Errorf("registry: signature verification failed: %s", reason)
	}

	r.mu.Lock()
	if r.revoked[entry.SkillRef] {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: skill %q has been revoked", entry.SkillRef)
	}
	entry.Status = StatusActive
	r.entries.Add(entry.SkillRef, &entry)
	r.mu.Unlock()

	r.appendLog("REGISTERED", entry.SkillRef, map[string]any{
		"entry_type": string(entry.EntryType),
		"alg":        string(entry.Alg),
		"signed_by":  entry.SignedBy,
	})
	return &entry, nil
}

// Revoke marks skillRef revoked. Only the original signer, or signedBy
// == "__admin__" when an admin key is configured, may revoke.
func (r *Registry) Revoke(skillRef, signedBy string) error {
	r.mu.Lock()
	existing, ok := r.entries.Get(skillRef)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: skill %q not found", skillRef)
	}

	isAdmin := r.adminKey != "" && signedBy == "__admin__"
	if existing.SignedBy != signedBy && !isAdmin {
		r.mu.Unlock()
		return fmt.Errorf("registry: unauthorized: only %q or admin can revoke this skill", existing.SignedBy)
	}

	existing.Status = StatusRevoked
	r.revoked[skillRef] = true
	r.mu.Unlock()

	r.appendLog("REVOKED", skillRef, map[string]any{"revoked_by": signedBy})
	return nil
}

// Get returns the current entry for skillRef, if any.
func (r *Registry) Get(skillRef string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Get(skillRef)
}

// TransparencyLog returns a paginated slice of the append-only log.
func (r *Registry) TransparencyLog(offset, limit int) (total int, entries []LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total = len(r.log)
	if offset >= total {
		return total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return total, append([]LogEntry{}, r.log[offset:end]...)
}

func verifyTrustChain(anchor TrustAnchor) (reason string, ok bool) {
	switch anchor.Type {
	case TrustSelfSigned:
		return "", true
	case TrustRootCA:
		if anchor.URI == "" {
			return "root_ca requires URI", false
		}
		return "", true
	case TrustIntermediateCA:
		if anchor.URI == "" {
			return "intermediate_ca requires URI", false
		}
		if anchor.Proof == "" {
			return "intermediate_ca requires proof", false
		}
		return "", true
	case TrustDID:
		if !strings.HasPrefix(anchor.URI, "did:") {
			return "DID must start with 'did:'", false
		}
		return "", true
	default:
		return fmt.Sprintf("unknown trust anchor type: %q", anchor.Type), false
	}
}

func (r *Registry) verifySignature(entry Entry) (ok bool, reason string) {
	if entry.TrustAnchor.Type == TrustSelfSigned {
		return true, ""
	}
	if len(entry.TrustAnchor.PublicKey) == 0 {
		return false, "no_public_key_for_verification"
	}
	if !canon.ValidAlgorithm(string(entry.Alg)) {
		return false, fmt.Sprintf("unsupported algorithm %q", entry.Alg)
	}
	if !canon.Verify(entry.signable(), entry.Signature, entry.TrustAnchor.PublicKey, entry.Alg) {
		return false, "cryptographic_verification_failed"
	}
	return true, ""
}

func (r *Registry) appendLog(eventType, skillRef string, ctx map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prevHash := genesisHash
	if len(r.log) > 0 {
		prev := r.log[len(r.log)-1]
		if h, err := canon.Hash(prev, "sha256"); err == nil {
			prevHash = h
		}
	}

	entry := LogEntry{
		Sequence:  r.nextSeq,
		EventType: eventType,
		SkillRef:  skillRef,
		Timestamp: time.Now(),
		PrevHash:  prevHash,
		Context:   ctx,
	}
	r.nextSeq++

	r.log = append(r.log, entry)
	if len(r.log) > maxLog {
		r.log = r.log[len(r.log)-maxLog:]
	}
}
