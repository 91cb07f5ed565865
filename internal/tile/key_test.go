package tile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPathDeterministic(t *testing.T) {
	a := NewKey("roads", "EPSG:4326", 2, 3, 5, "image/png", map[string]string{"style": "default", "time": "2020"})
	b := NewKey("roads", "EPSG:4326", 2, 3, 5, "image/png", map[string]string{"time": "2020", "style": "default"})

	assert.Equal(t, a.CanonicalPath(), a.CanonicalPath())
	assert.Equal(t, a.ParameterID(), b.ParameterID())
	assert.Equal(t, a.CanonicalPath(), b.CanonicalPath())
	assert.True(t, a.Equal(b))
}

func TestCanonicalPathLayout(t *testing.T) {
	k := NewKey("roads", "EPSG:4326", 2, 3, 5, "image/png", nil)
	assert.Equal(t, "roads/EPSG%3A4326/2/default/3_5.png", k.CanonicalPath())
}

func TestCanonicalPathDistinct(t *testing.T) {
	base := NewKey("roads", "EPSG:4326", 2, 3, 5, "image/png", map[string]string{"style": "default"})

	others := []Key{
		NewKey("rivers", "EPSG:4326", 2, 3, 5, "image/png", map[string]string{"style": "default"}),
		NewKey("roads", "EPSG:900913", 2, 3, 5, "image/png", map[string]string{"style": "default"}),
		NewKey("roads", "EPSG:4326", 3, 3, 5, "image/png", map[string]string{"style": "default"}),
		NewKey("roads", "EPSG:4326", 2, 5, 3, "image/png", map[string]string{"style": "default"}),
		NewKey("roads", "EPSG:4326", 2, 3, 5, "image/jpeg", map[string]string{"style": "default"}),
		NewKey("roads", "EPSG:4326", 2, 3, 5, "image/png", map[string]string{"style": "alt"}),
		NewKey("roads", "EPSG:4326", 2, 3, 5, "image/png", nil),
		NewKey("roads/x", "EPSG:4326", 2, 3, 5, "image/png", map[string]string{"style": "default"}),
	}

	for _, o := range others {
		assert.NotEqual(t, base.CanonicalPath(), o.CanonicalPath(), o.String())
		assert.False(t, base.Equal(o))
	}
}

func TestParameterIDSeparatorsAreUnambiguous(t *testing.T) {
	a := ParameterID(map[string]string{"a": "1&b=2"})
	b := ParameterID(map[string]string{"a": "1", "b": "2"})
	assert.NotEqual(t, a, b)
	assert.Equal(t, DefaultParameterID, ParameterID(nil))
	assert.Equal(t, DefaultParameterID, ParameterID(map[string]string{}))
}

func TestNewKeyCopiesParameters(t *testing.T) {
	params := map[string]string{"style": "default"}
	k := NewKey("roads", "EPSG:4326", 0, 0, 0, "image/png", params)
	before := k.CanonicalPath()

	params["style"] = "changed"
	assert.Equal(t, before, k.CanonicalPath())
	v, ok := k.Parameter("style")
	assert.True(t, ok)
	assert.Equal(t, "default", v)

	got := k.Parameters()
	got["style"] = "mutated"
	v, _ = k.Parameter("style")
	assert.Equal(t, "default", v)
}

func TestParsePathRoundTrip(t *testing.T) {
	keys := []Key{
		NewKey("roads", "EPSG:4326", 2, 3, 5, "image/png", map[string]string{"style": "default"}),
		NewKey(".hidden layer", "custom grid", 21, 1<<40, 7, "application/vnd.ogc.gml", nil),
		NewKey("ws:layer", "EPSG:900913", 0, 0, 0, "image/vnd.jpeg-png", nil),
	}

	for _, k := range keys {
		t.Run(k.Layer, func(t *testing.T) {
			info, err := ParsePath(k.CanonicalPath())
			require.NoError(t, err)
			assert.Equal(t, k.Layer, info.Layer)
			assert.Equal(t, k.GridSet, info.GridSet)
			assert.Equal(t, k.Level, info.Level)
			assert.Equal(t, k.X, info.X)
			assert.Equal(t, k.Y, info.Y)
			assert.Equal(t, k.Format, info.Format)
			assert.Equal(t, k.ParameterID(), info.ParameterID)
		})
	}
}

func TestParsePathRejectsGarbage(t *testing.T) {
	for _, p := range []string{"", "a/b/c", "a/b/x/default/1_2.png", "a/b/1/default/12.png", "a/b/1/default/1_2", "a/b/1/default/1_2.nope"} {
		_, err := ParsePath(p)
		assert.ErrorIs(t, err, ErrInvalidKey, p)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, NewKey("l", "g", 0, 0, 0, "image/png", nil).Validate())
	assert.ErrorIs(t, NewKey("", "g", 0, 0, 0, "image/png", nil).Validate(), ErrInvalidKey)
	assert.ErrorIs(t, NewKey("l", "", 0, 0, 0, "image/png", nil).Validate(), ErrInvalidKey)
	assert.ErrorIs(t, NewKey("l", "g", 0, 0, 0, "", nil).Validate(), ErrInvalidKey)
}

func TestObjectCloneDoesNotShareBlob(t *testing.T) {
	o := NewObject(NewKey("l", "g", 0, 0, 0, "image/png", nil), []byte("PNGDATA"))
	c := o.Clone()
	c.Blob[0] = 'X'
	assert.Equal(t, "PNGDATA", string(o.Blob))
	assert.Equal(t, o.ETag(), ContentETag([]byte("PNGDATA")))
}
