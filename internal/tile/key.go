package tile

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// DefaultParameterID is the parameter id of a key without parameters.
const DefaultParameterID = "default"

var ErrInvalidKey = errors.New("invalid tile key")

// Key identifies one cached tile. Keys are immutable; build them with NewKey.
type Key struct {
	Layer   string
	GridSet string
	Level   uint32
	X       uint64
	Y       uint64
	Format  string

	params  map[string]string
	paramID string
}

// NewKey builds a key, copying params so later changes by the caller are not observed.
func NewKey(layer, gridSet string, level uint32, x, y uint64, format string, params map[string]string) Key {
	var copied map[string]string
	if len(params) > 0 {
		copied = make(map[string]string, len(params))
		for k, v := range params {
			copied[k] = v
		}
	}

	return Key{
		Layer:   layer,
		GridSet: gridSet,
		Level:   level,
		X:       x,
		Y:       y,
		Format:  format,
		params:  copied,
		paramID: ParameterID(copied),
	}
}

// Parameters returns a copy of the key's parameter values.
func (k Key) Parameters() map[string]string {
	out := make(map[string]string, len(k.params))
	for name, v := range k.params {
		out[name] = v
	}
	return out
}

// Parameter returns a single parameter value.
func (k Key) Parameter(name string) (string, bool) {
	v, ok := k.params[name]
	return v, ok
}

// ParameterID returns the stable id of the key's parameters.
func (k Key) ParameterID() string {
	if k.paramID == "" {
		return ParameterID(k.params)
	}
	return k.paramID
}

// WithCoords returns a copy of k addressing another tile of the same layer, grid set,
// format and parameters.
func (k Key) WithCoords(level uint32, x, y uint64) Key {
	k.Level = level
	k.X = x
	k.Y = y
	return k
}

func (k Key) Validate() error {
	switch {
	case k.Layer == "":
		return fmt.Errorf("%w: empty layer", ErrInvalidKey)
	case k.GridSet == "":
		return fmt.Errorf("%w: empty grid set", ErrInvalidKey)
	case k.Format == "":
		return fmt.Errorf("%w: empty format", ErrInvalidKey)
	}
	return nil
}

// Equal reports whether both keys address the same tile. Parameter order is irrelevant.
func (k Key) Equal(other Key) bool {
	return k.Layer == other.Layer &&
		k.GridSet == other.GridSet &&
		k.Level == other.Level &&
		k.X == other.X &&
		k.Y == other.Y &&
		k.Format == other.Format &&
		k.ParameterID() == other.ParameterID()
}

// CanonicalPath encodes the key as layer/gridset/level/parameterid/x_y.ext.
// Every component is escaped so the result is safe as a file path or object name.
func (k Key) CanonicalPath() string {
	var b strings.Builder
	b.WriteString(escapeComponent(k.Layer))
	b.WriteByte('/')
	b.WriteString(escapeComponent(k.GridSet))
	b.WriteByte('/')
	b.WriteString(strconv.FormatUint(uint64(k.Level), 10))
	b.WriteByte('/')
	b.WriteString(k.ParameterID())
	b.WriteByte('/')
	b.WriteString(strconv.FormatUint(k.X, 10))
	b.WriteByte('_')
	b.WriteString(strconv.FormatUint(k.Y, 10))
	b.WriteByte('.')
	b.WriteString(FormatExtension(k.Format))
	return b.String()
}

func (k Key) String() string {
	return k.CanonicalPath()
}

// Matches reports whether the key falls inside pattern p.
func (k Key) Matches(p Pattern) bool {
	return p.Matches(k)
}

// ParameterID hashes a parameter mapping. Identical mappings yield identical ids
// regardless of insertion order.
func ParameterID(params map[string]string) string {
	if len(params) == 0 {
		return DefaultParameterID
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha1.New()
	for i, name := range names {
		if i > 0 {
			h.Write([]byte{'&'})
		}
		h.Write([]byte(url.QueryEscape(name)))
		h.Write([]byte{'='})
		h.Write([]byte(url.QueryEscape(params[name])))
	}
	return hex.EncodeToString(h.Sum(nil))
}

var extensions = map[string]string{
	"image/png":                          "png",
	"image/png8":                         "png8",
	"image/jpeg":                         "jpeg",
	"image/gif":                          "gif",
	"image/webp":                         "webp",
	"image/tiff":                         "tiff",
	"image/vnd.jpeg-png":                 "jpegpng",
	"application/vnd.mapbox-vector-tile": "pbf",
	"application/json":                   "json",
}

var mimeTypes = func() map[string]string {
	m := make(map[string]string, len(extensions))
	for mime, ext := range extensions {
		m[ext] = mime
	}
	return m
}()

// FormatExtension maps a MIME type to the file extension used in canonical paths.
// Unknown types are escaped so the mapping stays reversible.
func FormatExtension(format string) string {
	if ext, ok := extensions[format]; ok {
		return ext
	}
	return escapeComponent(format)
}

// FormatFromExtension reverses FormatExtension.
func FormatFromExtension(ext string) (string, bool) {
	if mime, ok := mimeTypes[ext]; ok {
		return mime, true
	}
	mime, err := unescapeComponent(ext)
	if err != nil || !strings.Contains(mime, "/") {
		return "", false
	}
	return mime, true
}

func isSafe(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_'
}

// escapeComponent keeps [A-Za-z0-9_-] and non-leading dots, everything else becomes %XX.
func escapeComponent(s string) string {
	const hexDigits = "0123456789ABCDEF"

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isSafe(c) || (c == '.' && i > 0) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

func unescapeComponent(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}
		v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad escape in %q: %w", s, err)
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), nil
}
