package tile

import (
	"fmt"
	"strconv"
	"strings"
)

// Pattern is a partial key used for bulk deletes. Empty fields match anything.
// Fields are hierarchical: GridSet is only used when Layer is set, Level when GridSet is set.
type Pattern struct {
	Layer       string
	GridSet     string
	Level       *uint32
	Format      string
	ParameterID string
}

// LayerPattern matches every tile of a layer.
func LayerPattern(layer string) Pattern {
	return Pattern{Layer: layer}
}

// WithParameters restricts the pattern to one parameter mapping.
func (p Pattern) WithParameters(params map[string]string) Pattern {
	p.ParameterID = ParameterID(params)
	return p
}

// WithLevel restricts the pattern to one zoom level.
func (p Pattern) WithLevel(level uint32) Pattern {
	p.Level = &level
	return p
}

func (p Pattern) Matches(k Key) bool {
	if p.Layer != "" && p.Layer != k.Layer {
		return false
	}
	if p.GridSet != "" && p.GridSet != k.GridSet {
		return false
	}
	if p.Level != nil && *p.Level != k.Level {
		return false
	}
	if p.Format != "" && p.Format != k.Format {
		return false
	}
	if p.ParameterID != "" && p.ParameterID != k.ParameterID() {
		return false
	}
	return true
}

// IsAll reports whether the pattern matches every key.
func (p Pattern) IsAll() bool {
	return p.Layer == "" && p.GridSet == "" && p.Level == nil && p.Format == "" && p.ParameterID == ""
}

// Prefix returns the longest canonical path prefix shared by all matching keys.
// It is empty when the pattern has no layer, and always ends with "/" otherwise.
func (p Pattern) Prefix() string {
	if p.Layer == "" {
		return ""
	}
	prefix := escapeComponent(p.Layer) + "/"
	if p.GridSet == "" {
		return prefix
	}
	prefix += escapeComponent(p.GridSet) + "/"
	if p.Level == nil {
		return prefix
	}
	prefix += strconv.FormatUint(uint64(*p.Level), 10) + "/"
	if p.ParameterID == "" {
		return prefix
	}
	return prefix + p.ParameterID + "/"
}

// IsPrefixOnly reports whether Prefix alone selects exactly the matching keys.
func (p Pattern) IsPrefixOnly() bool {
	if p.Layer == "" || p.Format != "" {
		return false
	}
	if p.GridSet == "" {
		return p.Level == nil && p.ParameterID == ""
	}
	if p.Level == nil {
		return p.ParameterID == ""
	}
	return true
}

// PathInfo holds the fields recoverable from a canonical path. Parameter values are
// not recoverable, only their id.
type PathInfo struct {
	Layer       string
	GridSet     string
	Level       uint32
	ParameterID string
	X           uint64
	Y           uint64
	Format      string
}

// ParsePath decodes a canonical path produced by Key.CanonicalPath.
func ParsePath(path string) (PathInfo, error) {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) != 5 {
		return PathInfo{}, fmt.Errorf("%w: path %q has %d components", ErrInvalidKey, path, len(parts))
	}

	var (
		info PathInfo
		err  error
	)
	if info.Layer, err = unescapeComponent(parts[0]); err != nil {
		return PathInfo{}, err
	}
	if info.GridSet, err = unescapeComponent(parts[1]); err != nil {
		return PathInfo{}, err
	}
	level, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return PathInfo{}, fmt.Errorf("%w: level %q", ErrInvalidKey, parts[2])
	}
	info.Level = uint32(level)
	info.ParameterID = parts[3]

	name, ext, ok := strings.Cut(parts[4], ".")
	if !ok {
		return PathInfo{}, fmt.Errorf("%w: missing extension in %q", ErrInvalidKey, parts[4])
	}
	xs, ys, ok := strings.Cut(name, "_")
	if !ok {
		return PathInfo{}, fmt.Errorf("%w: bad tile name %q", ErrInvalidKey, parts[4])
	}
	if info.X, err = strconv.ParseUint(xs, 10, 64); err != nil {
		return PathInfo{}, fmt.Errorf("%w: x %q", ErrInvalidKey, xs)
	}
	if info.Y, err = strconv.ParseUint(ys, 10, 64); err != nil {
		return PathInfo{}, fmt.Errorf("%w: y %q", ErrInvalidKey, ys)
	}
	if info.Format, ok = FormatFromExtension(ext); !ok {
		return PathInfo{}, fmt.Errorf("%w: unknown extension %q", ErrInvalidKey, ext)
	}
	return info, nil
}

// MatchesPath applies the pattern to a canonical path. Unparseable paths never match.
func (p Pattern) MatchesPath(path string) bool {
	info, err := ParsePath(path)
	if err != nil {
		return false
	}
	if p.Layer != "" && p.Layer != info.Layer {
		return false
	}
	if p.GridSet != "" && p.GridSet != info.GridSet {
		return false
	}
	if p.Level != nil && *p.Level != info.Level {
		return false
	}
	if p.Format != "" && p.Format != info.Format {
		return false
	}
	if p.ParameterID != "" && p.ParameterID != info.ParameterID {
		return false
	}
	return true
}
