package sectioncfg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `dir: mydir
	path /srv/x
	content images,iso

zfspool: mypool
	pool tank
	sparse 1
`

func TestParseBasic(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	s, ok := cfg.Get("mydir")
	require.True(t, ok)
	assert.Equal(t, "dir", s.Type)

	v, ok := s.Get("path")
	require.True(t, ok)
	assert.Equal(t, "/srv/x", v)

	// local must be injected.
	local, ok := cfg.Get("local")
	require.True(t, ok)
	assert.Equal(t, "dir", local.Type)
	content, _ := local.Get("content")
	assert.Contains(t, content, "rootdir")
	assert.Contains(t, content, "vztmpl")
}

func TestParseWriteRoundTrip(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	raw1, err := Serialize(cfg)
	require.NoError(t, err)

	cfg2, err := parseBytes(raw1)
	require.NoError(t, err)
	injectLocal(cfg2)

	raw2, err := Serialize(cfg2)
	require.NoError(t, err)

	assert.Equal(t, string(raw1), string(raw2))
}

func TestWriteStableOrder(t *testing.T) {
	cfg := New()
	b := NewSection("dir", "bbb")
	b.Set("type", "dir")
	b.Set("zkey", "1")
	b.Set("akey", "2")
	cfg.Put(b)

	a := NewSection("dir", "aaa")
	a.Set("type", "dir")
	cfg.Put(a)

	injectLocal(cfg)

	raw, err := Serialize(cfg)
	require.NoError(t, err)

	out := string(raw)
	idxA := strings.Index(out, "dir: aaa")
	idxB := strings.Index(out, "dir: bbb")
	idxLocal := strings.Index(out, "dir: local")
	require.True(t, idxA >= 0 && idxB >= 0 && idxLocal >= 0)
	assert.True(t, idxA < idxB)
	assert.True(t, idxB < idxLocal)

	// Within bbb's section, "type" comes first, then "akey", "zkey" alphabetically.
	section := out[idxB:]
	akeyIdx := strings.Index(section, "akey")
	zkeyIdx := strings.Index(section, "zkey")
	typeIdx := strings.Index(section, "type")
	assert.True(t, typeIdx < akeyIdx)
	assert.True(t, akeyIdx < zkeyIdx)
}

func TestDuplicateStoreIDLastWins(t *testing.T) {
	doc := `dir: dup
	path /first

dir: dup
	path /second
`
	cfg, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)

	s, ok := cfg.Get("dup")
	require.True(t, ok)
	v, _ := s.Get("path")
	assert.Equal(t, "/second", v)
}

func TestUnknownKeysRoundTripVerbatim(t *testing.T) {
	doc := `dir: mydir
	path /srv/x
	some_future_key weird-value
`
	cfg, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)

	raw, err := Serialize(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "some_future_key weird-value")
}

func TestDigestChangesOnContentChange(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	d1 := cfg.Digest

	s, _ := cfg.Get("mydir")
	s.Set("content", "images")
	raw, err := Serialize(cfg)
	require.NoError(t, err)
	d2 := ComputeDigest(raw)

	assert.NotEqual(t, d1, d2)
}

func TestLocalAlwaysPresentAndCannotBeNodeRestricted(t *testing.T) {
	doc := `dir: local
	path /somewhere/else
	nodes node1
	disable 1
`
	cfg, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)

	local, ok := cfg.Get("local")
	require.True(t, ok)

	_, hasNodes := local.Get("nodes")
	assert.False(t, hasNodes)

	_, hasDisable := local.Get("disable")
	assert.False(t, hasDisable)

	path, _ := local.Get("path")
	assert.Equal(t, localStorePath, path)
}
