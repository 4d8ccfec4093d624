package revision

import (
	"encoding/json"
	"math/rand"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nleite/jackrabbit-oak/internal/clock"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Revision
		want int
	}{
		{"equal", New(10, 0, 1), New(10, 0, 1), 0},
		{"timestamp", New(9, 5, 9), New(10, 0, 1), -1},
		{"counter", New(10, 1, 1), New(10, 0, 1), 1},
		{"cluster", New(10, 0, 1), New(10, 0, 2), -1},
		{"trunk before branch", New(10, 0, 1), New(10, 0, 1).AsBranch(), -1},
		{"zero first", Revision{}, New(1, 0, 0), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
			assert.Equal(t, -tt.want, tt.b.Compare(tt.a))
		})
	}
}

func TestStringAndParse(t *testing.T) {
	r := New(0x18d4f5e3a10, 0x2a, 3)
	assert.Equal(t, "r18d4f5e3a10-2a-3", r.String())
	assert.Equal(t, "b18d4f5e3a10-2a-3", r.AsBranch().String())

	parsed, err := Parse("r18d4f5e3a10-2a-3")
	require.NoError(t, err)
	assert.Equal(t, r, parsed)

	parsed, err = Parse("b18d4f5e3a10-2a-3")
	require.NoError(t, err)
	assert.True(t, parsed.Branch)
	assert.Equal(t, r, parsed.AsTrunk())
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "x1-0-1", "r1-0", "rzz-0-1", "r1-0-10000", "r1-0-1-1"} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrInvalidRevision, s)
	}
}

func TestSortKeyOrderMatchesCompare(t *testing.T) {
	revs := []Revision{
		New(0x100, 0, 1),
		New(0xff, 7, 2),
		New(0x100, 0, 1).AsBranch(),
		New(0x100, 1, 0),
		New(0x1000000, 0, 0),
		New(0x100, 0, 0),
	}

	byCompare := slices.Clone(revs)
	slices.SortFunc(byCompare, Compare)

	byKey := slices.Clone(revs)
	slices.SortFunc(byKey, func(a, b Revision) int {
		switch {
		case a.SortKey() < b.SortKey():
			return -1
		case a.SortKey() > b.SortKey():
			return 1
		}
		return 0
	})
	assert.Equal(t, byCompare, byKey)

	for _, r := range revs {
		back, err := ParseSortKey(r.SortKey())
		require.NoError(t, err)
		assert.Equal(t, r, back)
	}
}

func TestJSONMapKeys(t *testing.T) {
	in := map[Revision]string{New(1, 0, 1): "a", New(2, 3, 1): "b"}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"r1-0-1":"a","r2-3-1":"b"}`, string(data))

	var out map[Revision]string
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestGenerator_MonotonicWithinMillisecond(t *testing.T) {
	c := clock.NewVirtual(time.UnixMilli(1000))
	g := NewGenerator(c, 7)

	r1 := g.Next()
	r2 := g.Next()
	assert.Equal(t, New(1000, 0, 7), r1)
	assert.Equal(t, New(1000, 1, 7), r2)

	c.Advance(time.Millisecond)
	assert.Equal(t, New(1001, 0, 7), g.Next())
}

func TestGenerator_ObserveMovesForward(t *testing.T) {
	c := clock.NewVirtual(time.UnixMilli(1000))
	g := NewGenerator(c, 1)

	g.Observe(New(5000, 4, 2))
	next := g.Next()
	assert.True(t, next.After(New(5000, 4, 2)))
	assert.Equal(t, New(5000, 5, 1), next)

	g.Observe(New(10, 0, 3))
	assert.Equal(t, New(5000, 5, 1), g.Last())
}

func TestGenerator_ConcurrentNextIsUnique(t *testing.T) {
	g := NewGenerator(clock.NewVirtual(time.UnixMilli(1)), 1)

	const n = 200
	var (
		mu   sync.Mutex
		seen = make(map[Revision]struct{}, n)
		wg   sync.WaitGroup
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := g.Next()
			mu.Lock()
			seen[r] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

// anyRevision draws from a small domain so that equal components, branch
// twins and the zero revision come up often.
type anyRevision Revision

func (anyRevision) Generate(r *rand.Rand, _ int) reflect.Value {
	if r.Intn(8) == 0 {
		return reflect.ValueOf(anyRevision{})
	}
	rev := New(int64(r.Intn(3)), uint32(r.Intn(2)), uint16(r.Intn(2)))
	rev.Branch = r.Intn(2) == 0
	return reflect.ValueOf(anyRevision(rev))
}

func TestCompare_TotalOrder(t *testing.T) {
	cfg := &quick.Config{MaxCount: 2000}

	antisymmetric := func(a, b anyRevision) bool {
		x, y := Revision(a), Revision(b)
		return x.Compare(y) == -y.Compare(x)
	}
	require.NoError(t, quick.Check(antisymmetric, cfg))

	equalOnlyWhenIdentical := func(a, b anyRevision) bool {
		x, y := Revision(a), Revision(b)
		return (x.Compare(y) == 0) == (x == y)
	}
	require.NoError(t, quick.Check(equalOnlyWhenIdentical, cfg))

	transitive := func(a, b, c anyRevision) bool {
		x, y, z := Revision(a), Revision(b), Revision(c)
		if x.Compare(y) <= 0 && y.Compare(z) <= 0 {
			return x.Compare(z) <= 0
		}
		return true
	}
	require.NoError(t, quick.Check(transitive, cfg))

	zeroFirst := func(a anyRevision) bool {
		x := Revision(a)
		return x.IsZero() || Revision{}.Before(x)
	}
	require.NoError(t, quick.Check(zeroFirst, cfg))

	matchesSortKey := func(a, b anyRevision) bool {
		x, y := Revision(a), Revision(b)
		return x.Compare(y) == strings.Compare(x.SortKey(), y.SortKey())
	}
	require.NoError(t, quick.Check(matchesSortKey, cfg))
}
