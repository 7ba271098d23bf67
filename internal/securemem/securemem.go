// Package securemem keeps credentials in memguard locked buffers so they
// stay out of swap and core dumps, and compares them in constant time.
package securemem

import (
	"crypto/subtle"
	"sync"

	"github.com/awnumar/memguard"
)

// Secret is one value held in locked memory
type Secret struct {
	mu  sync.RWMutex
	buf *memguard.LockedBuffer
}

// NewSecret copies value into locked memory. The caller's slice is left
// untouched; callers holding the only copy should Wipe it.
func NewSecret(value []byte) *Secret {
	data := make([]byte, len(value))
	copy(data, value)
	// memguard wipes data once it is moved into the buffer
	return &Secret{buf: memguard.NewBufferFromBytes(data)}
}

// Equal compares given with the secret in constant time. A destroyed
// secret equals nothing.
func (s *Secret) Equal(given []byte) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.buf == nil || !s.buf.IsAlive() {
		return false
	}
	return subtle.ConstantTimeCompare(s.buf.Bytes(), given) == 1
}

// Len returns the secret's length, or zero once destroyed
func (s *Secret) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.buf == nil || !s.buf.IsAlive() {
		return 0
	}
	return s.buf.Size()
}

// Destroy wipes and releases the locked memory
func (s *Secret) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
}

// Set is a fixed collection of secrets, e.g. accepted bearer tokens
type Set struct {
	secrets []*Secret
}

// NewSet stores the non-empty values
func NewSet(values []string) *Set {
	s := &Set{}
	for _, v := range values {
		if v != "" {
			s.secrets = append(s.secrets, NewSecret([]byte(v)))
		}
	}
	return s
}

// Contains reports whether given matches any member. Every member is
// compared so the time taken does not reveal which one matched.
func (s *Set) Contains(given []byte) bool {
	if s == nil {
		return false
	}
	found := 0
	for _, secret := range s.secrets {
		if secret.Equal(given) {
			found = 1
		}
	}
	return found == 1
}

// Len returns the number of members
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.secrets)
}

// Destroy wipes every member
func (s *Set) Destroy() {
	if s == nil {
		return
	}
	for _, secret := range s.secrets {
		secret.Destroy()
	}
}

// Wipe zeroes a byte slice holding plaintext
func Wipe(data []byte) {
	memguard.WipeBytes(data)
}

// Purge destroys every locked buffer of the process; used on shutdown
func Purge() {
	memguard.Purge()
}
