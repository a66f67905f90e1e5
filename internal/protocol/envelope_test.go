package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := map[string]string{
		"truncated json": `{"type":"chat_message"`,
		"not json":       `hello there`,
		"empty type":     `{"type":"","timestamp":1}`,
		"missing type":   `{"timestamp":1}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeKeepsUnknownTypes(t *testing.T) {
	env, err := Decode([]byte(`{"type":"telemetry_blob","timestamp":1700000000000}`))
	require.NoError(t, err)
	assert.False(t, env.Type.Known())
}

func TestMessageTypeClassification(t *testing.T) {
	assert.True(t, TypeChatMessage.Chat())
	assert.True(t, TypeBotResponse.Chat())
	assert.True(t, TypeChatAnswer.Chat())
	assert.False(t, TypeScheduleData.Chat())
	assert.False(t, TypeSystemMessage.Chat())

	assert.True(t, TypeEventAdded.MutationAck())
	assert.True(t, TypeOfferStatusUpdated.MutationAck())
	assert.False(t, TypeOffersData.MutationAck())
}

func TestCalendarEventValidate(t *testing.T) {
	base := func() CalendarEvent {
		return CalendarEvent{
			ID:        "ev-1",
			Title:     "Client call",
			StartTime: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			EndTime:   time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		}
	}

	t.Run("valid with defaulted priority", func(t *testing.T) {
		ev := base()
		require.NoError(t, ev.Validate())
		assert.Equal(t, 3, ev.Priority)
	})

	t.Run("missing title", func(t *testing.T) {
		ev := base()
		ev.Title = "  "
		assert.ErrorIs(t, ev.Validate(), ErrInvalidInput)
	})

	t.Run("zero-length range", func(t *testing.T) {
		ev := base()
		ev.EndTime = ev.StartTime
		assert.ErrorIs(t, ev.Validate(), ErrInvalidTimeRange)
	})

	t.Run("inverted range", func(t *testing.T) {
		ev := base()
		ev.StartTime, ev.EndTime = ev.EndTime, ev.StartTime
		assert.ErrorIs(t, ev.Validate(), ErrInvalidTimeRange)
	})

	t.Run("priority out of range", func(t *testing.T) {
		ev := base()
		ev.Priority = 6
		assert.ErrorIs(t, ev.Validate(), ErrInvalidInput)
	})

	t.Run("explicit priority kept", func(t *testing.T) {
		ev := base()
		ev.Priority = 5
		require.NoError(t, ev.Validate())
		assert.Equal(t, 5, ev.Priority)
	})
}

func TestOfferStatusValid(t *testing.T) {
	for _, s := range []OfferStatus{OfferPending, OfferAccepted, OfferDeclined, OfferCompleted} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, OfferStatus("archived").Valid())
	assert.False(t, OfferStatus("").Valid())
}

func TestEnvelopeOk(t *testing.T) {
	env := New(TypeEventAdded)
	assert.False(t, env.Ok())
	env.Success = BoolPtr(false)
	assert.False(t, env.Ok())
	env.Success = BoolPtr(true)
	assert.True(t, env.Ok())
}

func TestAckRoundTrip(t *testing.T) {
	ack := New(TypeEventAdded)
	ack.Success = BoolPtr(true)
	ack.EventID = "ev-9"
	ack.Conflicts = []CalendarEvent{{ID: "ev-1", Title: "Standup"}}

	data, err := ack.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, got.Ok())
	assert.Equal(t, "ev-9", got.EventID)
	require.Len(t, got.Conflicts, 1)
	assert.Equal(t, "ev-1", got.Conflicts[0].ID)
}

func TestNewStampsMillisecondTimestamp(t *testing.T) {
	before := time.Now().UnixMilli()
	env := New(TypeChatMessage)
	after := time.Now().UnixMilli()
	assert.GreaterOrEqual(t, env.Timestamp, before)
	assert.LessOrEqual(t, env.Timestamp, after)
}
