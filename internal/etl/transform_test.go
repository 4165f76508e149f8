package etl_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bactdb/internal/etl"
)

func TestCleanTransform(t *testing.T) {
	in := etl.Record{Row: 2, Data: map[string]any{"a": "  x ", "b": "   ", "c": nil, "d": []byte(" y"), "e": int64(3)}}
	out, keep := etl.CleanTransform{}.Transform(in)
	assert.True(t, keep)
	assert.Equal(t, map[string]any{"a": "x", "b": nil, "c": nil, "d": "y", "e": int64(3)}, out.Data)
	assert.Equal(t, "  x ", in.Data["a"], "source record untouched")

	_, keep = etl.CleanTransform{}.Transform(etl.Record{Data: map[string]any{"a": " ", "b": nil}})
	assert.False(t, keep)
}

func TestIntegerTransform(t *testing.T) {
	tr := &etl.IntegerTransform{Fields: []string{"age"}}
	cases := map[string]any{"45": int64(45), "45.0": int64(45), "3个月": "3个月", "45.5": "45.5"}
	for in, want := range cases {
		out, _ := tr.Transform(etl.Record{Data: map[string]any{"age": in}})
		assert.Equal(t, want, out.Data["age"], in)
	}
	out, _ := tr.Transform(etl.Record{Data: map[string]any{"age": nil}})
	assert.Nil(t, out.Data["age"])
}

func TestIdentifierTransform(t *testing.T) {
	tr := &etl.IdentifierTransform{Fields: []string{"mrn"}}
	cases := []struct {
		in   any
		want any
	}{
		{"2300123456.0", "2300123456"},
		{"2.300123456E9", "2300123456"},
		{"0012345", "0012345"},
		{"A-12.5", "A-12.5"},
		{float64(2300123456), "2300123456"},
		{int64(77), "77"},
	}
	for _, c := range cases {
		out, _ := tr.Transform(etl.Record{Data: map[string]any{"mrn": c.in}})
		assert.Equal(t, c.want, out.Data["mrn"], "%v", c.in)
	}
}

func TestApplyTransformers(t *testing.T) {
	drop := etl.TransformerFunc(func(r etl.Record) (etl.Record, bool) { return r, r.Data["keep"] == "y" })
	rename := &etl.RenameTransform{Mapping: map[string]string{"old": "new"}}

	out, keep := etl.ApplyTransformers(etl.Record{Data: map[string]any{"keep": "y", "old": 1}}, []etl.Transformer{drop, rename})
	assert.True(t, keep)
	assert.Equal(t, map[string]any{"keep": "y", "new": 1}, out.Data)

	_, keep = etl.ApplyTransformers(etl.Record{Data: map[string]any{"keep": "n"}}, []etl.Transformer{drop, rename})
	assert.False(t, keep)
}
