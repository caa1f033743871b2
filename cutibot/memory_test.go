package cutibot

import (
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

func newTestMemory(t testing.TB) *ConversationMemory {
	t.Helper()
	return NewConversationMemory(
		DefaultMemoryCapacity,
		TranscriptLabels{
			User:                DefaultUserLabel,
			Bot:                 DefaultBotLabel,
			DistinguishedUserID: "darling123",
			DistinguishedName:   DefaultDistinguishedDisplayName,
		},
	)
}

func TestConversationMemory_Render(t *testing.T) {
	t.Parallel()
	m := newTestMemory(t)

	assert.Equal(t, "", m.Render("nobody"))

	m.Append("u1", SpeakerUser, "hi")
	m.Append("u1", SpeakerBot, "Hello!")
	assert.Equal(t, "User: hi\nCuti: Hello!", m.Render("u1"))

	m.Append("darling123", SpeakerUser, "hey cutie")
	assert.Equal(t, "Darling: hey cutie", m.Render("darling123"))
}

func TestConversationMemory_RenderCollapsesNewlines(t *testing.T) {
	t.Parallel()
	m := newTestMemory(t)
	m.Append("u1", SpeakerUser, "line one\nline  two")
	assert.Equal(t, "User: line one line two", m.Render("u1"))
}

func TestConversationMemory_Eviction(t *testing.T) {
	t.Parallel()
	m := newTestMemory(t)

	for i := 1; i <= 6; i++ {
		m.Append("u1", SpeakerUser, fmt.Sprintf("m%d", i))
	}
	turns := m.Turns("u1")
	require.Len(t, turns, DefaultMemoryCapacity)
	assert.Equal(t, "m3", turns[0].Text)
	assert.Equal(t, "m6", turns[3].Text)
	assert.Equal(
		t,
		"User: m3\nUser: m4\nUser: m5\nUser: m6",
		m.Render("u1"),
	)
}

func TestConversationMemory_UsersAreIsolated(t *testing.T) {
	t.Parallel()
	m := newTestMemory(t)
	m.Append("u1", SpeakerUser, "a")
	m.Append("u2", SpeakerUser, "b")
	m.Append("u2", SpeakerBot, "c")

	assert.Equal(t, 1, m.Len("u1"))
	assert.Equal(t, 2, m.Len("u2"))
	assert.Equal(t, []string{"u1", "u2"}, m.Users())

	assert.Equal(t, 2, m.Clear("u2"))
	assert.Equal(t, 0, m.Len("u2"))
	assert.Equal(t, 1, m.Len("u1"))
	assert.Equal(t, 0, m.Clear("unknown"))
}

func TestConversationMemory_ClearAll(t *testing.T) {
	t.Parallel()
	m := newTestMemory(t)
	m.Append("u1", SpeakerUser, "a")
	m.Append("u2", SpeakerUser, "b")

	assert.Equal(t, 2, m.ClearAll())
	assert.Empty(t, m.Users())
	assert.Equal(t, "", m.Render("u1"))
	assert.Equal(t, 0, m.ClearAll())
}

func TestConversationMemory_TurnsIsCopy(t *testing.T) {
	t.Parallel()
	m := newTestMemory(t)
	m.Append("u1", SpeakerUser, "original")

	turns := m.Turns("u1")
	turns[0].Text = "changed"
	assert.Equal(t, "original", m.Turns("u1")[0].Text)
}

func TestConversationMemory_Defaults(t *testing.T) {
	t.Parallel()
	m := NewConversationMemory(0, TranscriptLabels{})
	assert.Equal(t, DefaultMemoryCapacity, m.Capacity())
	m.Append("u1", SpeakerUser, "x")
	m.Append("u1", SpeakerBot, "y")
	assert.Equal(t, "User: x\nCuti: y", m.Render("u1"))
}

func TestConversationMemory_Concurrent(t *testing.T) {
	t.Parallel()
	m := newTestMemory(t)

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			userID := fmt.Sprintf("u%d", n%3)
			m.Append(userID, SpeakerUser, "hi")
			_ = m.Render(userID)
			_ = m.Users()
		}(i)
	}
	wg.Wait()

	for _, userID := range m.Users() {
		assert.LessOrEqual(t, m.Len(userID), DefaultMemoryCapacity)
	}
}
