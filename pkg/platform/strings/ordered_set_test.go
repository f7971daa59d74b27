package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderedSet(t *testing.T) {
	s := NewOrderedSet("b", "a", "b", "")

	assert.Equal(t, []string{"b", "a"}, s.Values())
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains(""))

	assert.True(t, s.Add("c"))
	assert.False(t, s.Add("a"))
	assert.Equal(t, []string{"b", "a", "c"}, s.Values())
}

func TestOrderedSetValuesIsACopy(t *testing.T) {
	s := NewOrderedSet("a")
	values := s.Values()
	values[0] = "z"

	assert.Equal(t, []string{"a"}, s.Values())
}

func TestOrderedSetEmptyValuesNotNil(t *testing.T) {
	assert.NotNil(t, NewOrderedSet().Values())
	assert.Empty(t, NewOrderedSet().Values())
}
