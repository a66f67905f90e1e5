package assistant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freelaince/syncbridge/internal/protocol"
)

func TestResponderNavigation(t *testing.T) {
	r := newResponder()

	t.Run("calendar", func(t *testing.T) {
		replies := r.respond("show me my calendar please")
		require.Len(t, replies, 2)
		assert.Equal(t, protocol.TypeOpenTab, replies[0].Type)
		assert.Equal(t, "calendar", replies[0].URL)
		assert.Equal(t, protocol.TypeChatAnswer, replies[1].Type)
	})

	t.Run("offers", func(t *testing.T) {
		replies := r.respond("any new job offers?")
		require.Len(t, replies, 2)
		assert.Equal(t, protocol.TypeOpenTab, replies[0].Type)
		assert.Equal(t, "offers", replies[0].URL)
	})
}

func TestResponderHelp(t *testing.T) {
	replies := newResponder().respond("help")
	require.Len(t, replies, 1)
	assert.Equal(t, protocol.TypeChatAnswer, replies[0].Type)
	assert.Contains(t, replies[0].Message, "offers")
	assert.Contains(t, replies[0].Message, "calendar")
}

func TestResponderAdviceRotates(t *testing.T) {
	r := newResponder()
	first := r.respond("give me some advice")[0].Message
	second := r.respond("give me some advice")[0].Message
	assert.NotEqual(t, first, second)

	// The rotation wraps around instead of running out.
	for i := 0; i < len(freelanceAdvice); i++ {
		r.respond("advice")
	}
	assert.NotEmpty(t, r.respond("advice")[0].Message)
}

func TestResponderFallbackEchoes(t *testing.T) {
	replies := newResponder().respond("what is the meaning of life")
	require.Len(t, replies, 1)
	assert.Equal(t, "You said: what is the meaning of life", replies[0].Message)
}

func TestResponderEmptyInput(t *testing.T) {
	replies := newResponder().respond("   ")
	require.Len(t, replies, 1)
	assert.Equal(t, protocol.TypeChatAnswer, replies[0].Type)
}
