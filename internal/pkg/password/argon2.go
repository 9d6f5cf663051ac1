// Package password hashes credentials with argon2id. The salt and cost
// parameters are returned separately so the store can persist them next to the
// hash; verification always uses the stored parameters, never the current ones.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	saltLength uint32 = 16
	keyLength  uint32 = 32

	minMemoryKB uint32 = 8 * 1024
)

var ErrInvalidParams = errors.New("invalid argon2 parameters")

// Params are the argon2id cost settings.
type Params struct {
	MemoryKB uint32
	Time     uint32
	Threads  uint8
	KeyLen   uint32
}

// String encodes params as m=<kb>,t=<iterations>,p=<threads>,k=<keylen>.
func (p Params) String() string {
	return fmt.Sprintf("m=%d,t=%d,p=%d,k=%d", p.MemoryKB, p.Time, p.Threads, p.KeyLen)
}

// ParseParams decodes the String form.
func ParseParams(s string) (Params, error) {
	var p Params
	if _, err := fmt.Sscanf(s, "m=%d,t=%d,p=%d,k=%d", &p.MemoryKB, &p.Time, &p.Threads, &p.KeyLen); err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.Time == 0 || p.Threads == 0 || p.KeyLen == 0 || p.MemoryKB == 0 {
		return Params{}, ErrInvalidParams
	}
	return p, nil
}

// Hashed is the persisted form of a credential.
type Hashed struct {
	Hash   string // base64
	Salt   string // base64
	Params string
}

// Hasher is safe for concurrent use.
type Hasher struct {
	params Params
	dummy  Hashed
}

func NewHasher(memoryKB, time uint32, threads uint8) (*Hasher, error) {
	if memoryKB < minMemoryKB || time == 0 || threads == 0 {
		return nil, ErrInvalidParams
	}
	h := &Hasher{params: Params{MemoryKB: memoryKB, Time: time, Threads: threads, KeyLen: keyLength}}
	dummy, err := h.Hash("dummy-password-for-timing")
	if err != nil {
		return nil, err
	}
	h.dummy = dummy
	return h, nil
}

func (h *Hasher) Hash(plain string) (Hashed, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Hashed{}, fmt.Errorf("read salt: %w", err)
	}
	key := argon2.IDKey([]byte(plain), salt, h.params.Time, h.params.MemoryKB, h.params.Threads, h.params.KeyLen)
	return Hashed{
		Hash:   base64.StdEncoding.EncodeToString(key),
		Salt:   base64.StdEncoding.EncodeToString(salt),
		Params: h.params.String(),
	}, nil
}

// Verify reports whether plain matches the stored credential.
func (h *Hasher) Verify(plain string, stored Hashed) (bool, error) {
	p, err := ParseParams(stored.Params)
	if err != nil {
		return false, err
	}
	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(stored.Hash)
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}
	got := argon2.IDKey([]byte(plain), salt, p.Time, p.MemoryKB, p.Threads, p.KeyLen)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// VerifyDummy burns the same KDF cost as a real Verify so unknown accounts are
// indistinguishable by timing.
func (h *Hasher) VerifyDummy(plain string) {
	_, _ = h.Verify(plain, h.dummy)
}

// NeedsRehash reports whether stored was produced with weaker settings than h.
func (h *Hasher) NeedsRehash(stored Hashed) bool {
	p, err := ParseParams(stored.Params)
	if err != nil {
		return true
	}
	return p.MemoryKB < h.params.MemoryKB || p.Time < h.params.Time || p.Threads < h.params.Threads || p.KeyLen != h.params.KeyLen
}
