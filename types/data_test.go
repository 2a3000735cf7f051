package types_test

import (
	"math"
	"strconv"
	"testing"

	"github.com/warriorguo/llmflow/types"
	"github.com/stretchr/testify/assert"
)

type stepPayload struct {
	Text   string
	Tokens int
	Final  bool
}

func TestData(t *testing.T) {
	data := &types.Data{}

	data.Set("draft", stepPayload{"first pass", 120, false})
	data.Set("final", stepPayload{"polished", 80, true})

	draft := &stepPayload{}
	final := &stepPayload{}
	assert.Nil(t, data.GetStruct("draft", draft))
	assert.Nil(t, data.GetStruct("final", final))

	assert.Equal(t, "first pass", draft.Text)
	assert.Equal(t, 120, draft.Tokens)
	assert.Equal(t, false, draft.Final)

	assert.Equal(t, "polished", final.Text)
	assert.Equal(t, 80, final.Tokens)
	assert.Equal(t, true, final.Final)

	data.Set("s1", 1)
	data.Set("s2", "2")
	data.Set("s3", math.Pi)
	data.Set("s4", true)

	_, exists := data.Get("s0")
	assert.False(t, exists)

	s, exists := data.GetString("s1")
	assert.True(t, exists)
	assert.Equal(t, "1", s)
	s, exists = data.GetString("s2")
	assert.True(t, exists)
	assert.Equal(t, "2", s)
	s, exists = data.GetString("s3")
	assert.True(t, exists)
	assert.Equal(t, strconv.FormatFloat(math.Pi, 'f', -1, 64), s)
	s, exists = data.GetString("s4")
	assert.True(t, exists)
	assert.Equal(t, "true", s)

	n, exists := data.GetInt("s1")
	assert.True(t, exists)
	assert.Equal(t, 1, n)
	f, exists := data.GetFloat64("s3")
	assert.True(t, exists)
	assert.Equal(t, math.Pi, f)
	b, exists := data.GetBool("s4")
	assert.True(t, exists)
	assert.True(t, b)
}

func TestDataClone(t *testing.T) {
	data := types.Data{"text": "hello", "tokens": 3}
	clone := data.Clone()

	clone.Set("text", "changed")
	s, _ := data.GetString("text")
	assert.Equal(t, "hello", s)
	s, _ = clone.GetString("text")
	assert.Equal(t, "changed", s)
}
