package registry

import (
	"testing"

	"github.com/MITRECND/d20/internal/d20err"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type md5Fact struct{}
type sha1Fact struct{}

func TestRegisterAndExpand(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(md5Fact{}, "md5", []string{"hash"}, map[string]FieldSchema{
		"value": {Kind: KindString, Required: true},
	}))
	require.NoError(t, r.Register(sha1Fact{}, "sha1", []string{"hash"}, map[string]FieldSchema{
		"value": {Kind: KindString, Required: true},
	}))

	assert.ElementsMatch(t, []string{"md5"}, r.Expand("md5"))
	assert.ElementsMatch(t, []string{"md5", "sha1"}, r.Expand("hash"))
	assert.Nil(t, r.Expand("nonexistent"))
}

func TestRegisterIdempotentForSameClass(t *testing.T) {
	r := New()
	fields := map[string]FieldSchema{"value": {Kind: KindString}}
	require.NoError(t, r.Register(md5Fact{}, "md5", nil, fields))
	require.NoError(t, r.Register(md5Fact{}, "md5", nil, fields))
}

func TestRegisterDuplicateDistinctClass(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(md5Fact{}, "md5", nil, nil))
	err := r.Register(sha1Fact{}, "md5", nil, nil)
	require.Error(t, err)
	assert.True(t, d20err.IsKind(err, d20err.KindDuplicate))
}

func TestRegisterReservedName(t *testing.T) {
	r := New()
	err := r.Register(md5Fact{}, "md5", nil, map[string]FieldSchema{
		"tainted": {Kind: KindBool},
	})
	require.Error(t, err)
	assert.True(t, d20err.IsKind(err, d20err.KindReservedName))
}

func TestRegisterUnknownFieldKind(t *testing.T) {
	r := New()
	err := r.Register(md5Fact{}, "md5", nil, map[string]FieldSchema{
		"value": {Kind: "frobnicate"},
	})
	require.Error(t, err)
	assert.True(t, d20err.IsKind(err, d20err.KindUnknownFieldKind))
}

func TestExpandOfUnknownGroupIsEmpty(t *testing.T) {
	// Boundary behavior: a worker interest expanding to zero concrete
	// types is a registration-time failure at the interest index layer,
	// not the fact registry itself — Expand simply returns nil here and
	// the interest package is responsible for rejecting it (see
	// internal/interest).
	r := New()
	assert.Empty(t, r.Expand("ghost-group"))
}

func TestDescriptorValidateRequiredField(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(md5Fact{}, "md5", nil, map[string]FieldSchema{
		"value": {Kind: KindString, Required: true},
	}))
	d, ok := r.Lookup("md5")
	require.True(t, ok)

	assert.Error(t, d.Validate(map[string]any{}))
	assert.NoError(t, d.Validate(map[string]any{"value": "abc"}))
}

func TestDescriptorValidateAllowedValues(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(md5Fact{}, "mimetype", nil, map[string]FieldSchema{
		"value": {Kind: KindString, AllowedValues: []any{"text/plain", "application/octet-stream"}},
	}))
	d, _ := r.Lookup("mimetype")
	assert.NoError(t, d.Validate(map[string]any{"value": "text/plain"}))
	assert.Error(t, d.Validate(map[string]any{"value": "image/png"}))
}
