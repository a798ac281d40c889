package plugin

import "fmt"

// commonFields are the cross-cutting keys every storage type accepts
// (spec §3 "Common attributes"), independent of type-specific options.
var commonFields = []string{"type", "storage", "content", "nodes", "disable", "shared", "maxfiles", "format"}

// Schema is the assembled set of keys a create or update call may supply,
// and which of those are required.
type Schema struct {
	// Allowed is every key this schema accepts.
	Allowed map[string]bool
	// Required is the subset of Allowed that must be present.
	Required map[string]bool
}

// Validate rejects any key in params not present in the schema, and
// confirms every required key is present.
func (s Schema) Validate(params map[string]string) error {
	for k := range params {
		if !s.Allowed[k] {
			return fmt.Errorf("unknown configuration key %q", k)
		}
	}

	for k := range s.Required {
		if _, ok := params[k]; !ok {
			return fmt.Errorf("missing required configuration key %q", k)
		}
	}

	return nil
}

// CreateSchema builds the schema for a create call: the common fields
// plus the type's options, with "type" and "storage" required, plus any
// option declared Fixed+Required.
func (p *Plugin) CreateSchema() Schema {
	s := Schema{Allowed: map[string]bool{}, Required: map[string]bool{"type": true, "storage": true}}

	for _, f := range commonFields {
		s.Allowed[f] = true
	}

	for name, opt := range p.Options {
		s.Allowed[name] = true
		if opt.Fixed && opt.Required {
			s.Required[name] = true
		}
	}

	return s
}

// UpdateSchema builds the schema for an update call: the common fields
// (minus "type", which is never updatable) plus the type's non-fixed
// options, plus an optional "digest" for optimistic concurrency. Nothing
// is required beyond what the caller chooses to change.
func (p *Plugin) UpdateSchema() Schema {
	s := Schema{Allowed: map[string]bool{"digest": true}, Required: map[string]bool{}}

	for _, f := range commonFields {
		if f == "type" {
			continue
		}

		s.Allowed[f] = true
	}

	for name, opt := range p.Options {
		if opt.Fixed {
			continue
		}

		s.Allowed[name] = true
	}

	return s
}

// ValidateOptions runs each declared option's validator against the raw
// values present in params. removeUnknownKeys, when true, strips fields
// this plugin doesn't recognize instead of failing; when false, such a
// field is an error. Common fields are neither copied nor rejected.
// StandardCheckConfig passes true for non-strict calls.
func (p *Plugin) ValidateOptions(params map[string]string, removeUnknownKeys bool) (map[string]string, error) {
	out := map[string]string{}

	for name, opt := range p.Options {
		raw, present := params[name]
		if !present {
			continue
		}

		if opt.Validate != nil {
			if err := opt.Validate(raw); err != nil {
				return nil, fmt.Errorf("invalid value for option %q: %w", name, err)
			}
		}

		out[name] = raw
	}

	for k, v := range params {
		if _, known := p.Options[k]; known {
			continue
		}

		if isCommonField(k) {
			continue
		}

		if removeUnknownKeys {
			continue
		}

		return nil, fmt.Errorf("unknown option %q=%q for storage type %q", k, v, p.TypeName)
	}

	return out, nil
}

// StandardCheckConfig is the CheckConfig implementation shared by every
// backend type registered in this core: it selects the create/update
// schema, validates keys against it, decodes the cross-cutting fields
// (content, nodes, format, shared, maxfiles, disable) per §4.C, and
// passes everything else through ValidateOptions. A type whose
// validation needs more than this (e.g. a fixed field cross-check)
// wraps this call rather than reimplementing it.
func (p *Plugin) StandardCheckConfig(storeID string, params map[string]string, create bool, strict bool, nv NodeValidator) (map[string]string, error) {
	var schema Schema
	if create {
		schema = p.CreateSchema()
	} else {
		schema = p.UpdateSchema()
	}

	if strict {
		if err := schema.Validate(params); err != nil {
			return nil, err
		}
	}

	if nv == nil {
		nv = AllowAnyNode
	}

	out := map[string]string{}

	if raw, ok := params["content"]; ok {
		set, err := p.DecodeContentSet(raw)
		if err != nil {
			return nil, err
		}

		out["content"] = EncodeContentSet(set)
	} else if create {
		out["content"] = EncodeContentSet(p.ContentDefault)
	}

	if raw, ok := params["nodes"]; ok && raw != "" {
		set, err := DecodeNodeSet(raw, nv)
		if err != nil {
			return nil, err
		}

		out["nodes"] = EncodeNodeSet(set)
	}

	if raw, ok := params["format"]; ok || create {
		format, err := p.DecodeFormat(raw)
		if err != nil {
			return nil, err
		}

		if format != "" {
			out["format"] = string(format)
		}
	}

	if raw, ok := params["shared"]; ok {
		if raw != "0" && raw != "1" {
			return nil, fmt.Errorf("invalid value for option %q: must be 0 or 1", "shared")
		}

		out["shared"] = raw
	} else if p.ImplicitlyShared {
		out["shared"] = "1"
	}

	if raw, ok := params["disable"]; ok {
		if raw != "0" && raw != "1" {
			return nil, fmt.Errorf("invalid value for option %q: must be 0 or 1", "disable")
		}

		out["disable"] = raw
	}

	if raw, ok := params["maxfiles"]; ok {
		out["maxfiles"] = raw
	}

	opts, err := p.ValidateOptions(params, !strict)
	if err != nil {
		return nil, err
	}

	for k, v := range opts {
		out[k] = v
	}

	return out, nil
}

func isCommonField(k string) bool {
	for _, f := range commonFields {
		if f == k {
			return true
		}
	}

	return false
}
