package securemem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecretEqual(t *testing.T) {
	input := []byte("s3cret-token")
	s := NewSecret(input)
	defer s.Destroy()

	assert.Equal(t, []byte("s3cret-token"), input, "caller's slice is not wiped")
	assert.True(t, s.Equal([]byte("s3cret-token")))
	assert.False(t, s.Equal([]byte("s3cret-toke")))
	assert.False(t, s.Equal(nil))
	assert.Equal(t, len(input), s.Len())
}

func TestSecretDestroy(t *testing.T) {
	s := NewSecret([]byte("gone"))
	s.Destroy()
	s.Destroy()

	assert.False(t, s.Equal([]byte("gone")))
	assert.Zero(t, s.Len())

	var nilSecret *Secret
	assert.False(t, nilSecret.Equal([]byte("x")))
	nilSecret.Destroy()
}

func TestSetContains(t *testing.T) {
	set := NewSet([]string{"alpha", "", "beta"})
	defer set.Destroy()

	assert.Equal(t, 2, set.Len(), "empty values are skipped")

	tests := []struct {
		given string
		want  bool
	}{
		{"alpha", true},
		{"beta", true},
		{"", false},
		{"gamma", false},
		{"alphabeta", false},
	}
	for _, tt := range tests {
		t.Run(tt.given, func(t *testing.T) {
			assert.Equal(t, tt.want, set.Contains([]byte(tt.given)))
		})
	}

	set.Destroy()
	assert.False(t, set.Contains([]byte("alpha")))
}

func TestWipe(t *testing.T) {
	data := []byte("plaintext")
	Wipe(data)
	assert.Equal(t, make([]byte, len("plaintext")), data)
}
