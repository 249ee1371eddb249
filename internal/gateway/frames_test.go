package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPlayerAction(t *testing.T) {
	actions := []string{
		FrameAcceptMatch, FrameDeclineMatch,
		FrameDraftAction, FrameDraftEdit, FrameDraftConfirm,
		FrameVoteForMatch, FrameMuteSpectator,
	}
	for _, typ := range actions {
		assert.True(t, Frame{Type: typ}.IsPlayerAction(), typ)
	}

	for _, typ := range []string{FrameIdentify, FramePong, FrameLCUResponse, FramePing, "garbage"} {
		assert.False(t, Frame{Type: typ}.IsPlayerAction(), typ)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	idx := 7
	f := Frame{
		Type:       FrameDraftAction,
		MatchID:    "m-1",
		Index:      &idx,
		ChampionID: 42,
	}
	b, err := json.Marshal(f)
	require.NoError(t, err)

	var back Frame
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, f.Type, back.Type)
	require.NotNil(t, back.Index)
	assert.Equal(t, 7, *back.Index)
	assert.Equal(t, 42, back.ChampionID)
}

func TestFrameIndexZeroSurvives(t *testing.T) {
	// Index 0 is a valid draft action; the pointer keeps it distinct
	// from an absent field.
	var withIndex Frame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"draft_action","index":0}`), &withIndex))
	require.NotNil(t, withIndex.Index)
	assert.Equal(t, 0, *withIndex.Index)

	var withoutIndex Frame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"draft_confirm"}`), &withoutIndex))
	assert.Nil(t, withoutIndex.Index)
}

func TestCanonicalName(t *testing.T) {
	assert.Equal(t, "faker#kr1", canonicalName(Frame{GameName: "Faker", TagLine: "KR1"}))
	assert.Equal(t, "hide on bush", canonicalName(Frame{SummonerName: "  Hide On Bush "}))
	assert.Equal(t, "", canonicalName(Frame{}))
}

func TestPushFrame(t *testing.T) {
	f, err := Push(FrameQueueUpdate, map[string]int{"playersInQueue": 4})
	require.NoError(t, err)
	assert.Equal(t, FrameQueueUpdate, f.Type)
	assert.JSONEq(t, `{"playersInQueue":4}`, string(f.Payload))
}
