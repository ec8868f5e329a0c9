package interner

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorage_GetCopy(t *testing.T) {
	s := New()

	buf := []byte("sample")
	first := s.GetCopy(string(buf))
	buf[0] = 'X'
	second := s.GetCopy("sample")

	assert.Equal(t, "sample", first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, s.Len())
}

func TestStorage_GetFormatted(t *testing.T) {
	s := New()

	name := s.GetFormatted("%s / %d entries", "Map", 3)
	assert.Equal(t, "Map / 3 entries", name)
	assert.Equal(t, name, s.GetCopy("Map / 3 entries"))
	assert.Equal(t, 1, s.Len())
}

func TestStorage_GetNameInt(t *testing.T) {
	s := New()

	assert.Equal(t, "42", s.GetNameInt(42))
	assert.Equal(t, "-1", s.GetNameInt(-1))
	assert.Equal(t, 2, s.Len())
}

func TestStorage_GetFunctionName(t *testing.T) {
	s := New()

	assert.Equal(t, AnonymousFunctionName, s.GetFunctionName(""))
	assert.Equal(t, "main", s.GetFunctionName("main"))
}

func TestStorage_ConcurrentAccess(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.GetNameInt(j)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, s.Len())
}
