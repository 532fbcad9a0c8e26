package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStackRecipientLastWriteWins(t *testing.T) {
	s := New("test", nil, nil)
	s.AddRecipient(1, Recipient{Addr: [6]byte{1}, HasAddr: true})
	s.AddRecipient(1, Recipient{Addr: [6]byte{2}, HasAddr: true})

	r, ok := s.GetRecipient(1)
	require.True(t, ok)
	assert.Equal(t, [6]byte{2}, r.Addr)
	assert.Equal(t, []uint32{1}, s.KnownUIDs())
}

func TestStackDestroyAnnouncesEveryUID(t *testing.T) {
	var announced []uint32
	s := New("test", nil, func(uid uint32) { announced = append(announced, uid) })
	s.AddRecipient(1, Recipient{})
	s.AddRecipient(2, Recipient{})
	s.AddRecipient(3, Recipient{})

	s.Destroy()

	assert.ElementsMatch(t, []uint32{1, 2, 3}, announced)
	assert.Empty(t, s.KnownUIDs())
}

func TestRegistryForEachSkipsRemoved(t *testing.T) {
	reg := NewRegistry()
	a := New("a", nil, nil)
	b := New("b", nil, nil)
	reg.Add(a)
	reg.Add(b)
	reg.Remove(a)

	var seen []string
	reg.ForEach(func(s *Stack) { seen = append(seen, s.Name) })
	assert.Equal(t, []string{"b"}, seen)

	reg.Compact()
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryForEachSafeDuringMutation(t *testing.T) {
	reg := NewRegistry()
	a := New("a", nil, nil)
	reg.Add(a)

	reg.ForEach(func(s *Stack) {
		reg.Add(New("added-during-iteration", nil, nil))
	})

	assert.Equal(t, 2, reg.Len())
}
