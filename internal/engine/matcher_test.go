package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldEquals_NumbersCompareByValue(t *testing.T) {
	cond := FieldEquals("id", 3)

	assert.True(t, cond(Message{"id": 3.0}), "float field should match int literal")
	assert.True(t, cond(map[string]any{"id": int64(3)}))
	assert.False(t, cond(Message{"id": 4.0}))
	assert.False(t, cond(Message{"id": "3"}), "string never equals number")
}

func TestFieldEquals_Strings(t *testing.T) {
	cond := FieldEquals("kind", "ping")

	assert.True(t, cond(Message{"kind": "ping"}))
	assert.False(t, cond(Message{"kind": "pong"}))
	assert.False(t, cond(Message{}), "missing field should not match")
}

func TestFieldEquals_NonMessage(t *testing.T) {
	assert.False(t, FieldEquals("id", 1)(42))
	assert.False(t, HasField("id")(nil))
}

func TestHasField(t *testing.T) {
	cond := HasField("reply")
	assert.True(t, cond(Message{"reply": false}))
	assert.False(t, cond(Message{"request": true}))
}

func TestMessageField(t *testing.T) {
	v, err := MessageField(Message{"n": 2.5}, "n")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	_, err = MessageField(Message{}, "n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"n"`)
}
