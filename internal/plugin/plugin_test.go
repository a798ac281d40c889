package plugin

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDirPlugin() *Plugin {
	return &Plugin{
		TypeName:       "dir",
		ContentAllowed: map[ContentType]bool{ContentImages: true, ContentRootdir: true, ContentISO: true, ContentVZTmpl: true, ContentBackup: true, ContentNone: true},
		ContentDefault: map[ContentType]bool{ContentImages: true},
		FormatAllowed:  map[ImageFormat]bool{FormatRaw: true, FormatQcow2: true},
		FormatDefault:  FormatRaw,
		Options: map[string]OptionDescriptor{
			"path": {Fixed: true, Required: true, Validate: func(raw string) error {
				if raw == "" {
					return fmt.Errorf("path must not be empty")
				}
				return nil
			}},
		},
	}
}

func TestDecodeContentSetRejectsUnknown(t *testing.T) {
	p := testDirPlugin()
	_, err := p.DecodeContentSet("images,bogus")
	assert.Error(t, err)
}

func TestDecodeContentSetRejectsNoneWithOthers(t *testing.T) {
	p := testDirPlugin()
	_, err := p.DecodeContentSet("none,images")
	assert.Error(t, err)
}

func TestDecodeContentSetDefault(t *testing.T) {
	p := testDirPlugin()
	set, err := p.DecodeContentSet("")
	require.NoError(t, err)
	assert.True(t, set[ContentImages])
}

func TestDecodeFormat(t *testing.T) {
	p := testDirPlugin()
	f, err := p.DecodeFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatRaw, f)

	_, err = p.DecodeFormat("vmdk")
	assert.Error(t, err)
}

func TestCreateSchemaRequiresFixedOptions(t *testing.T) {
	p := testDirPlugin()
	s := p.CreateSchema()
	assert.True(t, s.Required["path"])
	assert.True(t, s.Required["type"])
	assert.True(t, s.Required["storage"])

	err := s.Validate(map[string]string{"type": "dir", "storage": "mydir"})
	assert.Error(t, err) // missing path

	err = s.Validate(map[string]string{"type": "dir", "storage": "mydir", "path": "/srv/x"})
	assert.NoError(t, err)
}

func TestUpdateSchemaExcludesFixedAndType(t *testing.T) {
	p := testDirPlugin()
	s := p.UpdateSchema()
	assert.False(t, s.Allowed["path"])
	assert.False(t, s.Allowed["type"])
	assert.True(t, s.Allowed["digest"])
	assert.True(t, s.Allowed["content"])
}

func TestSchemaRejectsUnknownKey(t *testing.T) {
	p := testDirPlugin()
	s := p.CreateSchema()
	err := s.Validate(map[string]string{"type": "dir", "storage": "x", "path": "/a", "bogus": "1"})
	assert.Error(t, err)
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(testDirPlugin())
	assert.Panics(t, func() { r.Register(testDirPlugin()) })
}

func TestValidateOptionsRemovesUnknownKeys(t *testing.T) {
	p := testDirPlugin()
	out, err := p.ValidateOptions(map[string]string{"path": "/srv/x", "weird": "1"}, true)
	require.NoError(t, err)
	assert.Equal(t, "/srv/x", out["path"])
	_, present := out["weird"]
	assert.False(t, present)
}

func TestValidateOptionsStrictRejectsUnknownKeys(t *testing.T) {
	p := testDirPlugin()
	_, err := p.ValidateOptions(map[string]string{"path": "/srv/x", "weird": "1"}, false)
	assert.Error(t, err)
}
