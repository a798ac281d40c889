// Package sectioncfg reads and writes the flat "storage.cfg" text format:
//
//	<type>: <storeid>
//		key value
//		key value
//
// Indented lines belong to the preceding header. Unknown keys are kept and
// re-emitted verbatim so that a node running an older or newer schema
// version doesn't lose data it doesn't understand. This package has no
// knowledge of what a valid type or key is — that lives in the plugin
// registry (internal/plugin); this package only knows the text grammar.
package sectioncfg

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/clustervirt/storage/internal/logger"
)

var (
	headerPattern = regexp.MustCompile(`^([a-z][a-z0-9_]*):\s*([a-z][a-z0-9._-]*[a-z0-9]|[a-z])\s*$`)
	bodyPattern   = regexp.MustCompile(`^\t(\S+)\s+(.*)$`)
)

// Digest is an opaque hash of a config's serialized bytes, used as an
// optimistic-concurrency precondition on updates.
type Digest string

// Section is one storage declaration: its type, id, and raw key/value
// properties (still string-encoded; decoding per-key is the registry's
// job).
type Section struct {
	Type string
	ID   string

	// Props holds every key seen for this section, in first-seen order
	// for stable round-tripping of keys this package doesn't recognize.
	keys  []string
	props map[string]string
}

// NewSection returns an empty Section of the given type and id.
func NewSection(typ, id string) *Section {
	return &Section{Type: typ, ID: id, props: map[string]string{}}
}

// Get returns a property's raw string value and whether it was present.
func (s *Section) Get(key string) (string, bool) {
	v, ok := s.props[key]
	return v, ok
}

// Set assigns a property's raw string value, appending to the key order
// if it's new.
func (s *Section) Set(key, value string) {
	if _, exists := s.props[key]; !exists {
		s.keys = append(s.keys, key)
	}

	s.props[key] = value
}

// Delete removes a property.
func (s *Section) Delete(key string) {
	if _, exists := s.props[key]; !exists {
		return
	}

	delete(s.props, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
}

// Keys returns every property key present, in first-seen order.
func (s *Section) Keys() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Clone returns a deep copy of the section.
func (s *Section) Clone() *Section {
	c := NewSection(s.Type, s.ID)
	for _, k := range s.keys {
		c.Set(k, s.props[k])
	}

	return c
}

// Config is a parsed storage.cfg: an ordered collection of sections plus
// the digest of the bytes it was parsed from.
type Config struct {
	sections map[string]*Section
	order    []string // insertion/parse order, not emission order
	Digest   Digest
}

// New returns an empty Config.
func New() *Config {
	return &Config{sections: map[string]*Section{}}
}

// Get looks up a section by storage id.
func (c *Config) Get(id string) (*Section, bool) {
	s, ok := c.sections[id]
	return s, ok
}

// Put inserts or replaces a section.
func (c *Config) Put(s *Section) {
	if _, exists := c.sections[s.ID]; !exists {
		c.order = append(c.order, s.ID)
	}

	c.sections[s.ID] = s
}

// Remove deletes a section by id.
func (c *Config) Remove(id string) {
	if _, exists := c.sections[id]; !exists {
		return
	}

	delete(c.sections, id)
	for i, sid := range c.order {
		if sid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// All returns every section in stable sorted order by storage id — the
// same order Write emits them in.
func (c *Config) All() []*Section {
	ids := make([]string, 0, len(c.sections))
	for id := range c.sections {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	out := make([]*Section, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.sections[id])
	}

	return out
}

// Parse reads a storage.cfg document. Duplicate storage ids: the last
// occurrence wins, with a warning logged. After parsing, the guaranteed
// "local" entry (spec §3) is injected if missing or incomplete.
func Parse(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg, err := parseBytes(raw)
	if err != nil {
		return nil, err
	}

	cfg.Digest = computeDigest(raw)
	injectLocal(cfg)

	return cfg, nil
}

func parseBytes(raw []byte) (*Config, error) {
	cfg := New()

	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var current *Section
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if strings.TrimSpace(line) == "" {
			current = nil
			continue
		}

		if m := bodyPattern.FindStringSubmatch(line); m != nil {
			if current == nil {
				return nil, fmt.Errorf("line %d: indented property outside any section: %q", lineNo, line)
			}

			current.Set(m[1], m[2])
			continue
		}

		if m := headerPattern.FindStringSubmatch(line); m != nil {
			typ, id := m[1], m[2]
			if _, exists := cfg.sections[id]; exists {
				logger.New().Warn("duplicate storage id in config, last entry wins", logger.Ctx{"storage": id, "line": lineNo})
			}

			current = NewSection(typ, id)
			cfg.Put(current)
			continue
		}

		return nil, fmt.Errorf("line %d: unparsable line: %q", lineNo, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning config: %w", err)
	}

	return cfg, nil
}

// firstKey is the property emitted first in every section, when present;
// the remaining keys follow in alphabetical order.
var firstKey = "type"

// Write serializes a Config back to the storage.cfg text format: sections
// in stable sorted order by storage id, properties ordered "type" then
// remaining keys alphabetically.
func Write(w io.Writer, cfg *Config) error {
	buf := &strings.Builder{}

	for _, s := range cfg.All() {
		fmt.Fprintf(buf, "%s: %s\n", s.Type, s.ID)

		keys := make([]string, 0, len(s.keys))
		for _, k := range s.keys {
			if k == firstKey {
				continue
			}

			keys = append(keys, k)
		}

		sort.Strings(keys)

		if v, ok := s.Get(firstKey); ok {
			fmt.Fprintf(buf, "\t%s %s\n", firstKey, v)
		}

		for _, k := range keys {
			v, _ := s.Get(k)
			fmt.Fprintf(buf, "\t%s %s\n", k, v)
		}

		buf.WriteString("\n")
	}

	_, err := io.WriteString(w, buf.String())
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// Serialize renders cfg to bytes exactly as Write would, and is what
// computeDigest is fed before a write so the caller can learn the digest
// the write will produce.
func Serialize(cfg *Config) ([]byte, error) {
	var buf strings.Builder
	if err := Write(&buf, cfg); err != nil {
		return nil, err
	}

	return []byte(buf.String()), nil
}

func computeDigest(raw []byte) Digest {
	sum := sha256.Sum256(raw)
	return Digest(hex.EncodeToString(sum[:]))
}

// ComputeDigest hashes serialized config bytes the same way Parse hashes
// bytes it read, so a caller that just wrote a config can predict the
// digest a subsequent read will report.
func ComputeDigest(raw []byte) Digest {
	return computeDigest(raw)
}

const (
	localStoreID   = "local"
	localStoreType = "dir"
	localStorePath = "/var/lib/cluster-storage"
)

// injectLocal enforces spec §3: exactly one "local" dir storage always
// exists, with a fixed path, disable cleared, content augmented to
// include rootdir and vztmpl, and never node-restricted.
func injectLocal(cfg *Config) {
	s, ok := cfg.Get(localStoreID)
	if !ok {
		s = NewSection(localStoreType, localStoreID)
		s.Set("path", localStorePath)
		s.Set("content", "backup,images,iso,rootdir,vztmpl")
		cfg.Put(s)
		return
	}

	s.Type = localStoreType
	s.Set("path", localStorePath)
	s.Delete("disable")
	s.Delete("nodes")

	content := map[string]bool{}
	if v, ok := s.Get("content"); ok && v != "" {
		for _, c := range strings.Split(v, ",") {
			content[strings.TrimSpace(c)] = true
		}
	}

	content["rootdir"] = true
	content["vztmpl"] = true

	names := make([]string, 0, len(content))
	for c := range content {
		names = append(names, c)
	}

	sort.Strings(names)
	s.Set("content", strings.Join(names, ","))
}
