package cutibot

import (
	"slices"
	"strings"
	"sync"
)

// Speaker identifies who produced a ConversationTurn
type Speaker int

const (
	SpeakerUser Speaker = iota
	SpeakerBot
)

func (s Speaker) String() string {
	switch s {
	case SpeakerUser:
		return "user"
	case SpeakerBot:
		return "bot"
	default:
		return "unknown"
	}
}

// ConversationTurn is a single line of conversation
type ConversationTurn struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// TranscriptLabels controls how turns are labeled when rendered.
// When DistinguishedUserID matches the rendered user, DistinguishedName
// replaces User as the label for that user's turns.
type TranscriptLabels struct {
	User                string
	Bot                 string
	DistinguishedUserID string
	DistinguishedName   string
}

// ConversationMemory keeps the most recent turns for each user, in
// a FIFO buffer of fixed capacity. Buffers are created on first use
// and are never persisted.
type ConversationMemory struct {
	mu       sync.RWMutex
	capacity int
	labels   TranscriptLabels
	buffers  map[string][]ConversationTurn
}

func NewConversationMemory(capacity int, labels TranscriptLabels) *ConversationMemory {
	if capacity < 1 {
		capacity = DefaultMemoryCapacity
	}
	if labels.User == "" {
		labels.User = DefaultUserLabel
	}
	if labels.Bot == "" {
		labels.Bot = DefaultBotLabel
	}
	return &ConversationMemory{
		capacity: capacity,
		labels:   labels,
		buffers:  map[string][]ConversationTurn{},
	}
}

// Capacity returns the maximum number of turns kept per user
func (m *ConversationMemory) Capacity() int {
	return m.capacity
}

// Append adds a turn to the end of the user's buffer, evicting the
// oldest turns once the buffer exceeds capacity.
func (m *ConversationMemory) Append(userID string, speaker Speaker, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := append(m.buffers[userID], ConversationTurn{Speaker: speaker, Text: text})
	if over := len(buf) - m.capacity; over > 0 {
		buf = slices.Clone(buf[over:])
	}
	m.buffers[userID] = buf
}

// Turns returns a copy of the user's buffer, oldest first
func (m *ConversationMemory) Turns(userID string) []ConversationTurn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.buffers[userID])
}

// Len returns the number of turns currently held for the user
func (m *ConversationMemory) Len(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buffers[userID])
}

// Users returns the IDs of all users with at least one turn, sorted
func (m *ConversationMemory) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]string, 0, len(m.buffers))
	for id, turns := range m.buffers {
		if len(turns) > 0 {
			users = append(users, id)
		}
	}
	slices.Sort(users)
	return users
}

// Render returns the user's transcript, one "Label: text" line per
// turn in insertion order. An empty buffer renders as "".
func (m *ConversationMemory) Render(userID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	turns := m.buffers[userID]
	if len(turns) == 0 {
		return ""
	}

	userLabel := m.labels.User
	if m.labels.DistinguishedUserID != "" &&
		userID == m.labels.DistinguishedUserID &&
		m.labels.DistinguishedName != "" {
		userLabel = m.labels.DistinguishedName
	}

	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		label := userLabel
		if turn.Speaker == SpeakerBot {
			label = m.labels.Bot
		}
		// newlines would break the one-line-per-turn transcript
		text := strings.Join(strings.Fields(turn.Text), " ")
		lines = append(lines, label+": "+text)
	}
	return strings.Join(lines, "\n")
}

// Clear empties one user's buffer. Clearing an unknown user is a no-op.
// Returns the number of turns removed.
func (m *ConversationMemory) Clear(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.buffers[userID])
	delete(m.buffers, userID)
	return n
}

// ClearAll empties every buffer, returning the number of users cleared
func (m *ConversationMemory) ClearAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, turns := range m.buffers {
		if len(turns) > 0 {
			n++
		}
	}
	clear(m.buffers)
	return n
}
