package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseAlphaExtremes(t *testing.T) {
	candidates := []candidate{
		{chunkID: "a", dense: 0.9, hasDense: true, lexical: 1.0, hasLex: true},
		{chunkID: "b", dense: 0.1, hasDense: true, lexical: 9.0, hasLex: true},
	}

	// Pure dense: a wins.
	fused := fuse(candidates, 1.0)
	assert.Equal(t, "a", fused[0].chunkID)

	// Pure lexical: b wins.
	fused = fuse(candidates, 0.0)
	assert.Equal(t, "b", fused[0].chunkID)
}

func TestFuseNormalizesPerChannel(t *testing.T) {
	// Raw lexical scores dwarf dense, but normalization makes the
	// channels comparable.
	candidates := []candidate{
		{chunkID: "a", dense: 0.99, hasDense: true, lexical: 10, hasLex: true},
		{chunkID: "b", dense: 0.01, hasDense: true, lexical: 12, hasLex: true},
	}

	fused := fuse(candidates, 0.6)
	require.Len(t, fused, 2)
	// a: 0.6*1 + 0.4*0 = 0.6; b: 0.6*0 + 0.4*1 = 0.4
	assert.Equal(t, "a", fused[0].chunkID)
	assert.InDelta(t, 0.6, fused[0].score, 1e-9)
	assert.InDelta(t, 0.4, fused[1].score, 1e-9)
}

func TestFuseSingleChannelCandidate(t *testing.T) {
	candidates := []candidate{
		{chunkID: "dense-only", dense: 0.8, hasDense: true},
		{chunkID: "lex-only", lexical: 5, hasLex: true},
	}

	fused := fuse(candidates, 0.6)
	require.Len(t, fused, 2)
	// Each is the sole (hence max) scorer of its channel.
	assert.Equal(t, "dense-only", fused[0].chunkID)
	assert.InDelta(t, 0.6, fused[0].score, 1e-9)
	assert.InDelta(t, 0.4, fused[1].score, 1e-9)
}

func TestFuseTieBreaksByLexicalThenID(t *testing.T) {
	candidates := []candidate{
		{chunkID: "z", dense: 0.5, hasDense: true, lexical: 3, hasLex: true},
		{chunkID: "a", dense: 0.5, hasDense: true, lexical: 3, hasLex: true},
		{chunkID: "m", dense: 0.5, hasDense: true, lexical: 3, hasLex: true},
	}

	fused := fuse(candidates, 0.6)
	require.Len(t, fused, 3)
	assert.Equal(t, "a", fused[0].chunkID)
	assert.Equal(t, "m", fused[1].chunkID)
	assert.Equal(t, "z", fused[2].chunkID)
}

func TestFuseDeterministic(t *testing.T) {
	candidates := []candidate{
		{chunkID: "a", dense: 0.7, hasDense: true, lexical: 2, hasLex: true},
		{chunkID: "b", dense: 0.3, hasDense: true, lexical: 8, hasLex: true},
		{chunkID: "c", lexical: 5, hasLex: true},
	}

	first := fuse(candidates, 0.6)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, fuse(candidates, 0.6))
	}
}

func TestFuseEmpty(t *testing.T) {
	assert.Nil(t, fuse(nil, 0.6))
}
