package codegen

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var canonical = regexp.MustCompile(`^[A-HJKMNP-Z2-9]{4}(-[A-HJKMNP-Z2-9]{4}){3}$`)

func TestGenerator_Random(t *testing.T) {
	g := New(Options{})

	for i := 0; i < 100; i++ {
		code, err := g.Random()
		require.NoError(t, err)
		assert.Regexp(t, canonical, code)
		assert.True(t, g.Valid(code))
	}
}

func TestGenerator_RandomWithPrefix(t *testing.T) {
	g := New(Options{Prefix: "isx", Segments: 3})

	code, err := g.Random()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, "ISX-"))
	assert.Len(t, code, len("ISX-XXXX-XXXX-XXXX"))
	assert.True(t, g.Valid(code))
}

func TestGenerator_Generate(t *testing.T) {
	g := New(Options{})
	ctx := context.Background()

	t.Run("unique codes", func(t *testing.T) {
		codes, err := g.Generate(ctx, 1000, nil)
		require.NoError(t, err)
		assert.Len(t, codes, 1000)

		seen := make(map[string]bool)
		for _, c := range codes {
			assert.False(t, seen[c], "duplicate %s", c)
			seen[c] = true
		}
	})

	t.Run("skips codes that already exist", func(t *testing.T) {
		calls := 0
		existing := map[string]bool{}
		exists := func(_ context.Context, candidates []string) ([]string, error) {
			calls++
			// 第一轮把一半候选判为已占用
			var taken []string
			if calls == 1 {
				for i, c := range candidates {
					if i%2 == 0 {
						taken = append(taken, c)
						existing[c] = true
					}
				}
			}
			return taken, nil
		}

		codes, err := g.Generate(ctx, 10, exists)
		require.NoError(t, err)
		assert.Len(t, codes, 10)
		assert.Equal(t, 2, calls)
		for _, c := range codes {
			assert.False(t, existing[c])
		}
	})

	t.Run("exists error is returned", func(t *testing.T) {
		boom := errors.New("db down")
		_, err := g.Generate(ctx, 3, func(context.Context, []string) ([]string, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("invalid count", func(t *testing.T) {
		_, err := g.Generate(ctx, 0, nil)
		assert.Error(t, err)
	})
}

func TestGenerator_Generate_Exhausted(t *testing.T) {
	// 1 段 1 位只有 31 种组合
	g := New(Options{Segments: 1, SegmentLength: 1, MaxAttempts: 3})

	_, err := g.Generate(context.Background(), 40, nil)
	assert.ErrorIs(t, err, ErrGenerationExhausted)

	_, err = g.Generate(context.Background(), 1, func(_ context.Context, c []string) ([]string, error) {
		return c, nil
	})
	assert.ErrorIs(t, err, ErrGenerationExhausted)
}

func TestGenerator_Normalize(t *testing.T) {
	g := New(Options{})

	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"canonical", "ABCD-EFGH-JKMN-PQRS", "ABCD-EFGH-JKMN-PQRS", true},
		{"lowercase", "abcd-efgh-jkmn-pqrs", "ABCD-EFGH-JKMN-PQRS", true},
		{"compact", "ABCDEFGHJKMNPQRS", "ABCD-EFGH-JKMN-PQRS", true},
		{"spaces", " abcd efgh jkmn pqrs ", "ABCD-EFGH-JKMN-PQRS", true},
		{"underscores", "ABCD_EFGH_JKMN_PQRS", "ABCD-EFGH-JKMN-PQRS", true},
		{"ambiguous zero", "ABCD-EFGH-JKMN-PQR0", "", false},
		{"ambiguous letter O", "ABCD-EFGH-JKMN-PQRO", "", false},
		{"too short", "ABCD-EFGH-JKMN", "", false},
		{"too long", "ABCD-EFGH-JKMN-PQRS-T", "", false},
		{"empty", "", "", false},
		{"symbols", "ABCD-EFGH-JKMN-PQR!", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Normalize(tt.input)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrMalformedCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerator_NormalizePrefix(t *testing.T) {
	g := New(Options{Prefix: "ISX", Segments: 3})

	got, err := g.Normalize("isx-abcd-efgh-jkmn")
	require.NoError(t, err)
	assert.Equal(t, "ISX-ABCD-EFGH-JKMN", got)

	got, err = g.Normalize("ISXABCDEFGHJKMN")
	require.NoError(t, err)
	assert.Equal(t, "ISX-ABCD-EFGH-JKMN", got)

	_, err = g.Normalize("ABC-ABCD-EFGH-JKMN")
	assert.ErrorIs(t, err, ErrMalformedCode)
}

func TestGenerator_Valid(t *testing.T) {
	g := New(Options{})
	assert.True(t, g.Valid("ABCD-EFGH-JKMN-PQRS"))
	assert.False(t, g.Valid("abcd-efgh-jkmn-pqrs"))
	assert.False(t, g.Valid("ABCDEFGHJKMNPQRS"))
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestGenerator_FillUsesAlphabet(t *testing.T) {
	g := New(Options{})
	g.random = zeroReader{}

	code, err := g.Random()
	require.NoError(t, err)
	assert.Equal(t, "AAAA-AAAA-AAAA-AAAA", code)
}
