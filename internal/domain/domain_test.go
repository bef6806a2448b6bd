package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryLayoutIsArrayOfPairs(t *testing.T) {
	data, err := EncodeHistory([]Turn{{User: "hi", Bot: "hello"}, {User: "how?", Bot: "fine"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[["hi","hello"],["how?","fine"]]`, string(data))

	turns, err := DecodeHistory(data)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, Turn{User: "how?", Bot: "fine"}, turns[1])
}

func TestEncodeEmptyHistory(t *testing.T) {
	data, err := EncodeHistory(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	turns, err := DecodeHistory(nil)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestTurnRejectsWrongArity(t *testing.T) {
	var turn Turn
	err := json.Unmarshal([]byte(`["only one"]`), &turn)
	assert.Error(t, err)
}

func TestEventValidate(t *testing.T) {
	ev := NewEvent("resp_1", EventStream, SenderBot, "x", "c1")
	assert.NoError(t, ev.Validate())
	assert.Equal(t, EventObject, ev.Object)

	ev.Type = "bogus"
	assert.Error(t, ev.Validate())

	ev = NewEvent("resp_1", EventEnd, "you", "", "")
	assert.Error(t, ev.Validate())
}

func TestEventOmitsEmptyConversationID(t *testing.T) {
	data, err := json.Marshal(NewEvent("resp_1", EventStart, SenderBot, "", ""))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "conversation_id")
}

func TestSessionTransitions(t *testing.T) {
	assert.True(t, StateReady.CanTransition(StateProcessing))
	assert.True(t, StateProcessing.CanTransition(StateReady))
	assert.True(t, StateAuthenticating.CanTransition(StateAuthenticating))
	assert.False(t, StateProcessing.CanTransition(StateProcessing))
	assert.False(t, StateClosed.CanTransition(StateReady))
	assert.False(t, StateClosing.CanTransition(StateReady))
	assert.Equal(t, "processing", StateProcessing.String())
}
