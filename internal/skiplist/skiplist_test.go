package skiplist

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptyList(t *testing.T) {
	sl := New()
	require.Zero(t, sl.Len())
	require.Nil(t, sl.Front())
	require.Nil(t, sl.Find([]byte("anything")))
}

func TestInsertAndFind(t *testing.T) {
	sl := New()
	sl.Insert([]byte("red"), 1)
	sl.Insert([]byte("blue"), 2)
	sl.Insert([]byte("yellow"), 3)

	require.Equal(t, 3, sl.Len())

	e := sl.Find([]byte("blue"))
	require.NotNil(t, e)
	require.Equal(t, 2, e.Value)

	require.Nil(t, sl.Find([]byte("green")))
	require.Nil(t, sl.Find([]byte("re")))
	require.Nil(t, sl.Find([]byte("redd")))
}

func TestIterationIsLexicographic(t *testing.T) {
	sl := New()
	terms := []string{"mango", "aardvark", "zebra", "kiwi", "banana"}
	for _, term := range terms {
		sl.Insert([]byte(term), term)
	}

	var got []string
	for e := sl.Front(); e != nil; e = e.Next() {
		got = append(got, string(e.Key))
	}
	require.Equal(t, []string{"aardvark", "banana", "kiwi", "mango", "zebra"}, got)
}

func TestPrefixKeysOrderCorrectly(t *testing.T) {
	sl := New()
	for _, term := range []string{"ab", "a", "abc", "b"} {
		sl.Insert([]byte(term), term)
	}

	var got []string
	for e := sl.Front(); e != nil; e = e.Next() {
		got = append(got, string(e.Key))
	}
	require.Equal(t, []string{"a", "ab", "abc", "b"}, got)
}

func TestManyInsertsStaySorted(t *testing.T) {
	sl := New()
	const n = 1000
	// Insert in a scrambled order.
	for i := 0; i < n; i++ {
		k := (i * 677) % n
		sl.Insert([]byte(fmt.Sprintf("%06d", k)), k)
	}
	require.Equal(t, n, sl.Len())

	count := 0
	var prev []byte
	for e := sl.Front(); e != nil; e = e.Next() {
		if prev != nil {
			require.Less(t, string(prev), string(e.Key))
		}
		prev = e.Key
		count++
	}
	require.Equal(t, n, count)

	for i := 0; i < n; i++ {
		e := sl.Find([]byte(fmt.Sprintf("%06d", i)))
		require.NotNil(t, e)
		require.Equal(t, i, e.Value)
	}
}
