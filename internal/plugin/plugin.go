// Package plugin holds the process-global registry of storage type
// implementations: per-type content/format rules, option descriptors, and
// the create/update JSON-schema-equivalent validators built from them
// (spec §4.C). The registry is populated once at process startup by each
// backend driver package's init() and is treated as immutable afterwards,
// so no locking is needed to read it.
package plugin

import (
	"fmt"
	"sort"
	"strings"
)

// ContentType is one of the roles a storage can declare it holds.
type ContentType string

const (
	ContentImages ContentType = "images"
	ContentRootdir ContentType = "rootdir"
	ContentISO    ContentType = "iso"
	ContentVZTmpl ContentType = "vztmpl"
	ContentBackup ContentType = "backup"
	ContentNone   ContentType = "none"
)

// ImageFormat is a default image encoding a storage type may declare
// support for.
type ImageFormat string

const (
	FormatRaw   ImageFormat = "raw"
	FormatQcow2 ImageFormat = "qcow2"
	FormatVMDK  ImageFormat = "vmdk"
)

// OptionDescriptor describes one type-specific configuration key.
type OptionDescriptor struct {
	// Fixed options are settable only on create; Update's schema omits them.
	Fixed bool
	// Required, when true and Fixed, must be present on create.
	Required bool
	// Validate checks a raw string value, returning a descriptive error if invalid.
	Validate func(raw string) error
}

// Plugin is what a storage backend registers with the registry.
type Plugin struct {
	TypeName string

	ContentAllowed map[ContentType]bool
	ContentDefault map[ContentType]bool

	// FormatAllowed is nil for types that don't support a default image
	// format (e.g. rootdir-only backends).
	FormatAllowed map[ImageFormat]bool
	FormatDefault ImageFormat

	// ImplicitlyShared is true for types that are implicitly shared (networked
	// backends) regardless of what the "shared" key says.
	ImplicitlyShared bool

	Options map[string]OptionDescriptor

	// CheckConfig fills in defaults and validates type-specific fixed
	// fields. It must not mutate params; it returns the merged/validated
	// set of type-specific properties to persist. create indicates
	// whether this is a create (fixed fields required) or update
	// (fixed fields forbidden) call; strict, when true, rejects unknown
	// keys instead of dropping them.
	CheckConfig func(storeID string, params map[string]string, create bool, strict bool) (map[string]string, error)
}

// Registry is a process-global table of type_name -> Plugin.
type Registry struct {
	plugins map[string]*Plugin
}

// NewRegistry returns an empty registry. Production code uses the
// package-level Default registry; tests construct their own to avoid
// cross-test interference.
func NewRegistry() *Registry {
	return &Registry{plugins: map[string]*Plugin{}}
}

// Default is the process-global registry every backend driver registers
// itself into via init().
var Default = NewRegistry()

// Register adds a plugin. It panics on duplicate registration, because
// registering the same type twice is a programming error caught at
// process startup, not a runtime condition callers should handle.
func (r *Registry) Register(p *Plugin) {
	if _, exists := r.plugins[p.TypeName]; exists {
		panic(fmt.Sprintf("storage type %q already registered", p.TypeName))
	}

	r.plugins[p.TypeName] = p
}

// Lookup returns the plugin for a type name.
func (r *Registry) Lookup(typeName string) (*Plugin, bool) {
	p, ok := r.plugins[typeName]
	return p, ok
}

// TypeNames returns every registered type name, sorted.
func (r *Registry) TypeNames() []string {
	names := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		names = append(names, n)
	}

	sort.Strings(names)
	return names
}

// DecodeContentSet parses a comma-separated content list, rejecting
// unknown values and rejecting "none" combined with anything else (spec
// §3 invariant).
func (p *Plugin) DecodeContentSet(raw string) (map[ContentType]bool, error) {
	out := map[ContentType]bool{}

	if strings.TrimSpace(raw) == "" {
		for c := range p.ContentDefault {
			out[c] = true
		}

		return out, nil
	}

	for _, part := range strings.Split(raw, ",") {
		c := ContentType(strings.TrimSpace(part))
		if c == "" {
			continue
		}

		if !p.ContentAllowed[c] {
			return nil, fmt.Errorf("content type %q is not valid for storage type %q", c, p.TypeName)
		}

		out[c] = true
	}

	if out[ContentNone] && len(out) > 1 {
		return nil, fmt.Errorf("content type %q cannot be combined with other content types", ContentNone)
	}

	return out, nil
}

// EncodeContentSet renders a content set back to its sorted,
// comma-joined string form.
func EncodeContentSet(set map[ContentType]bool) string {
	names := make([]string, 0, len(set))
	for c := range set {
		names = append(names, string(c))
	}

	sort.Strings(names)
	return strings.Join(names, ",")
}

// NodeValidator answers whether a node name is known to the cluster. Node
// discovery itself is out of this core's scope (spec §1); callers that
// care about rejecting unknown node names supply a real implementation,
// otherwise AllowAnyNode accepts any syntactically valid name.
type NodeValidator interface {
	NodeExists(name string) bool
}

// AllowAnyNode is a permissive NodeValidator for callers with no cluster
// membership collaborator wired up.
var AllowAnyNode NodeValidator = allowAnyNode{}

type allowAnyNode struct{}

func (allowAnyNode) NodeExists(string) bool { return true }

// DecodeNodeSet parses a comma-separated node list, rejecting unknown
// nodes per the supplied validator.
func DecodeNodeSet(raw string, nv NodeValidator) (map[string]bool, error) {
	out := map[string]bool{}

	for _, part := range strings.Split(raw, ",") {
		n := strings.TrimSpace(part)
		if n == "" {
			continue
		}

		if !nv.NodeExists(n) {
			return nil, fmt.Errorf("unknown node %q", n)
		}

		out[n] = true
	}

	return out, nil
}

// EncodeNodeSet renders a node set back to its sorted, comma-joined form.
func EncodeNodeSet(set map[string]bool) string {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}

	sort.Strings(names)
	return strings.Join(names, ",")
}

// DecodeFormat validates a format string against the type's allowed set,
// returning the type's default if raw is empty.
func (p *Plugin) DecodeFormat(raw string) (ImageFormat, error) {
	if p.FormatAllowed == nil {
		if raw != "" {
			return "", fmt.Errorf("storage type %q does not support a default image format", p.TypeName)
		}

		return "", nil
	}

	if raw == "" {
		return p.FormatDefault, nil
	}

	f := ImageFormat(raw)
	if !p.FormatAllowed[f] {
		return "", fmt.Errorf("format %q is not valid for storage type %q", raw, p.TypeName)
	}

	return f, nil
}
