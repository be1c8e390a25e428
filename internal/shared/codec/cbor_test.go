package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string            `cbor:"1,keyasint"`
	Count uint64            `cbor:"2,keyasint"`
	Tags  map[string]string `cbor:"3,keyasint,omitempty"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	v := sample{Name: "x", Count: 7, Tags: map[string]string{"b": "2", "a": "1", "c": "3"}}

	first, err := Marshal(v)
	require.NoError(t, err)
	for range 10 {
		again, err := Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	var out sample
	require.NoError(t, Unmarshal(first, &out))
	assert.Equal(t, v, out)
}

func TestStreamDecodesSequence(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(sample{Name: "a", Count: 1}))
	require.NoError(t, enc.Encode(sample{Name: "b", Count: 2}))

	dec := NewDecoder(&buf)
	var got []string
	for {
		var s sample
		if err := dec.Decode(&s); err != nil {
			break
		}
		got = append(got, s.Name)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestUnmarshalAnyUsesStringMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"k": map[string]any{"n": 1}})
	require.NoError(t, err)

	var v any
	require.NoError(t, Unmarshal(data, &v))
	m, ok := v.(map[string]any)
	require.True(t, ok)
	_, ok = m["k"].(map[string]any)
	assert.True(t, ok)
}
