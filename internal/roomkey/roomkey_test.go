package roomkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveIsOrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"a", "b"},
		{"42", "7"},
		{"a_b", "c"},
		{"5:x", "y"},
		{"héllo", "wörld"},
	}
	for _, p := range pairs {
		ab, err := Derive(p[0], p[1])
		require.NoError(t, err)
		ba, err := Derive(p[1], p[0])
		require.NoError(t, err)
		assert.Equal(t, ab, ba, "pair %q", p)
	}
}

func TestDeriveAliceBob(t *testing.T) {
	id, err := Derive("bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "5:alice3:bob", id)
}

func TestDeriveRejectsInvalidPairs(t *testing.T) {
	for _, p := range [][2]string{{"alice", "alice"}, {"", "bob"}, {"alice", ""}, {"", ""}} {
		_, err := Derive(p[0], p[1])
		assert.ErrorIs(t, err, ErrInvalidRoomKey, "pair %q", p)
	}
}

func TestDeriveSeparatorCollisions(t *testing.T) {
	// Naive "_" joining maps all of these onto "a_b_c".
	ids := map[string][2]string{}
	pairs := [][2]string{
		{"a_b", "c"},
		{"a", "b_c"},
		{"a", "b"},
		{"a", "c"},
		{"1:a", "b"},
		{"a", "1:b"},
		{"1:a1:b", "c"},
	}
	for _, p := range pairs {
		id, err := Derive(p[0], p[1])
		require.NoError(t, err)
		if prev, ok := ids[id]; ok {
			t.Fatalf("pairs %q and %q both derive %q", prev, p, id)
		}
		ids[id] = p
	}
}

func TestDeriveDistinctPeers(t *testing.T) {
	ab, err := Derive("alice", "bob")
	require.NoError(t, err)
	ac, err := Derive("alice", "carol")
	require.NoError(t, err)
	assert.NotEqual(t, ab, ac)
}

func TestParseRoundTrip(t *testing.T) {
	id, err := Derive("zed", "a:b")
	require.NoError(t, err)

	a, b, err := Parse(id)
	require.NoError(t, err)
	assert.Equal(t, "a:b", a)
	assert.Equal(t, "zed", b)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, id := range []string{
		"",
		"alice_bob",
		"5:alice",
		"5:alice3:bo",
		"5:alice3:bobx",
		"3:bob5:alice", // not canonical order
		"05:alice3:bob",
		"-1:a1:b",
		"3:bob3:bob",
		"0:1:a",
	} {
		_, _, err := Parse(id)
		assert.ErrorIs(t, err, ErrInvalidRoomKey, "id %q", id)
	}
}

func TestIncludesAndPeer(t *testing.T) {
	id, err := Derive("alice", "bob")
	require.NoError(t, err)

	assert.True(t, Includes(id, "alice"))
	assert.True(t, Includes(id, "bob"))
	assert.False(t, Includes(id, "carol"))
	assert.False(t, Includes("garbage", "alice"))

	peer, err := Peer(id, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", peer)

	_, err = Peer(id, "carol")
	assert.ErrorIs(t, err, ErrInvalidRoomKey)
}
