package cutibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"sync"
	"testing"
)

// fakeReplyModel returns canned replies and records prompts
type fakeReplyModel struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
	users   []string
}

func (f *fakeReplyModel) Generate(_ context.Context, userID string, prompt string) (
	string,
	error,
) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.users = append(f.users, userID)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", fmt.Errorf("%w: no replies left", ErrModelUnavailable)
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

type sentMessage struct {
	ChannelID string
	Content   string
}

// fakeSender records sent messages
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, sentMessage{ChannelID: channelID, Content: content})
	return &discordgo.Message{
		ID:        fmt.Sprintf("sent-%d", len(f.sent)),
		ChannelID: channelID,
		Content:   content,
	}, nil
}

func (f *fakeSender) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func newTestPipeline(
	t testing.TB,
	model replyModel,
	sender messageSender,
) (*ReplyPipeline, *ConversationMemory) {
	t.Helper()
	cfg := DefaultConfig().Persona
	cfg.DistinguishedUserID = "darling123"
	memory := NewConversationMemory(
		DefaultMemoryCapacity,
		TranscriptLabels{
			User:                cfg.UserLabel,
			Bot:                 cfg.BotLabel,
			DistinguishedUserID: cfg.DistinguishedUserID,
			DistinguishedName:   cfg.DistinguishedDisplayName,
		},
	)
	p := NewReplyPipeline(memory, model, sender, cfg, testLogger(t))
	p.intn = func(int) int { return 0 }
	return p, memory
}

func TestReplyPipeline_HandleMention(t *testing.T) {
	t.Parallel()
	model := &fakeReplyModel{
		replies: []string{"Hi there! How are you? I am fine. Thanks a lot."},
	}
	sender := &fakeSender{}
	p, memory := newTestPipeline(t, model, sender)

	result, err := p.HandleMention(
		context.Background(),
		Mention{UserID: "u1", ChannelID: "c1", MessageID: "m1", Text: "hi"},
	)
	require.NoError(t, err)

	assert.Equal(t, DefaultPersona, result.Persona)
	assert.Equal(t, 2, result.SentenceCount)
	assert.False(t, result.UsedFallback)
	assert.False(t, result.TruncatedInput)
	assert.Equal(t, "Hi there! How are you?", result.Reply)
	assert.Equal(t, "sent-1", result.SentMessageID)

	assert.Equal(
		t,
		[]sentMessage{{ChannelID: "c1", Content: "Hi there! How are you?"}},
		sender.Sent(),
	)
	assert.Equal(t, "User: hi\nCuti: Hi there! How are you?", memory.Render("u1"))

	require.Len(t, model.prompts, 1)
	prompt := model.prompts[0]
	assert.True(t, strings.HasPrefix(prompt, strings.TrimSpace(DefaultPersonaPreamble)))
	assert.Contains(t, prompt, "Reply in 2-3 sentences.")
	assert.True(t, strings.HasSuffix(prompt, "User: hi\nCuti:"))
	assert.Equal(t, []string{"u1"}, model.users)
}

func TestReplyPipeline_Distinguished(t *testing.T) {
	t.Parallel()
	model := &fakeReplyModel{
		replies: []string{"One. Two. Three. Four. Five. Six. Seven."},
	}
	sender := &fakeSender{}
	p, memory := newTestPipeline(t, model, sender)

	result, err := p.HandleMention(
		context.Background(),
		Mention{UserID: "darling123", ChannelID: "c1", Text: "hey"},
	)
	require.NoError(t, err)
	assert.Equal(t, DistinguishedPersona, result.Persona)
	assert.Equal(t, 4, result.SentenceCount)
	assert.Equal(t, "One. Two. Three. Four.", result.Reply)

	assert.Contains(t, model.prompts[0], strings.TrimSpace(DefaultDistinguishedPreamble))
	assert.Contains(t, model.prompts[0], "Reply in 4-6 sentences.")
	assert.Contains(t, model.prompts[0], "Darling: hey\nCuti:")
	assert.Equal(t, "Darling: hey\nCuti: One. Two. Three. Four.", memory.Render("darling123"))
}

func TestReplyPipeline_Fallback(t *testing.T) {
	t.Parallel()
	model := &fakeReplyModel{err: fmt.Errorf("%w: timeout", ErrModelUnavailable)}
	sender := &fakeSender{}
	p, memory := newTestPipeline(t, model, sender)

	result, err := p.HandleMention(
		context.Background(),
		Mention{UserID: "u1", ChannelID: "c1", Text: "hello?"},
	)
	require.NoError(t, err)
	assert.True(t, result.UsedFallback)

	want := clampSentences(DefaultFallbackReply, 2)
	assert.Equal(t, want, result.Reply)
	require.Len(t, sender.Sent(), 1)
	assert.Equal(t, want, sender.Sent()[0].Content)

	turns := memory.Turns("u1")
	require.Len(t, turns, 2)
	assert.Equal(t, SpeakerBot, turns[1].Speaker)
	assert.Equal(t, want, turns[1].Text)
}

func TestReplyPipeline_UnexpectedModelError(t *testing.T) {
	t.Parallel()
	model := &fakeReplyModel{err: errors.New("surprise")}
	sender := &fakeSender{}
	p, _ := newTestPipeline(t, model, sender)

	result, err := p.HandleMention(
		context.Background(),
		Mention{UserID: "u1", ChannelID: "c1", Text: "hello?"},
	)
	require.NoError(t, err)
	assert.True(t, result.UsedFallback)
	assert.Len(t, sender.Sent(), 1)
}

func TestReplyPipeline_BlankReplyUsesFallback(t *testing.T) {
	t.Parallel()
	model := &fakeReplyModel{replies: []string{"   \n "}}
	sender := &fakeSender{}
	p, _ := newTestPipeline(t, model, sender)

	result, err := p.HandleMention(
		context.Background(),
		Mention{UserID: "u1", ChannelID: "c1", Text: "hi"},
	)
	require.NoError(t, err)
	assert.True(t, result.UsedFallback)
	assert.Equal(t, clampSentences(DefaultFallbackReply, 2), result.Reply)
}

func TestReplyPipeline_TruncatesInput(t *testing.T) {
	t.Parallel()
	model := &fakeReplyModel{replies: []string{"Ok."}}
	sender := &fakeSender{}
	p, memory := newTestPipeline(t, model, sender)

	long := strings.Repeat("é", DefaultMaxInputLength+50)
	result, err := p.HandleMention(
		context.Background(),
		Mention{UserID: "u1", ChannelID: "c1", Text: long},
	)
	require.NoError(t, err)
	assert.True(t, result.TruncatedInput)

	turns := memory.Turns("u1")
	require.NotEmpty(t, turns)
	assert.Equal(t, strings.Repeat("é", DefaultMaxInputLength), turns[0].Text)
}

func TestReplyPipeline_SendError(t *testing.T) {
	t.Parallel()
	sendErr := errors.New("discord is down")
	model := &fakeReplyModel{replies: []string{"Hello."}}
	sender := &fakeSender{err: sendErr}
	p, memory := newTestPipeline(t, model, sender)

	result, err := p.HandleMention(
		context.Background(),
		Mention{UserID: "u1", ChannelID: "c1", Text: "hi"},
	)
	require.ErrorIs(t, err, sendErr)
	assert.Equal(t, "Hello.", result.Reply)
	assert.Equal(t, 2, memory.Len("u1"))
}

func TestReplyPipeline_MemoryWindow(t *testing.T) {
	t.Parallel()
	model := &fakeReplyModel{
		replies: []string{"A.", "B.", "C."},
	}
	sender := &fakeSender{}
	p, memory := newTestPipeline(t, model, sender)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		_, err := p.HandleMention(ctx, Mention{UserID: "u1", ChannelID: "c1", Text: text})
		require.NoError(t, err)
	}

	assert.Equal(
		t,
		"User: two\nCuti: B.\nUser: three\nCuti: C.",
		memory.Render("u1"),
	)
	require.Len(t, model.prompts, 3)
	assert.True(
		t,
		strings.HasSuffix(model.prompts[2], "User: two\nCuti: B.\nUser: three\nCuti:"),
	)
}

func TestReplyPipeline_ConcurrentMentions(t *testing.T) {
	t.Parallel()
	replies := make([]string, 20)
	for i := range replies {
		replies[i] = "Sure."
	}
	model := &fakeReplyModel{replies: replies}
	sender := &fakeSender{}
	p, memory := newTestPipeline(t, model, sender)

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := p.HandleMention(
				context.Background(),
				Mention{
					UserID:    fmt.Sprintf("u%d", n%2),
					ChannelID: "c1",
					Text:      fmt.Sprintf("msg %d", n),
				},
			)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, sender.Sent(), 20)
	for _, userID := range []string{"u0", "u1"} {
		turns := memory.Turns(userID)
		require.Len(t, turns, DefaultMemoryCapacity)
		for i, turn := range turns {
			if i%2 == 0 {
				assert.Equal(t, SpeakerUser, turn.Speaker)
			} else {
				assert.Equal(t, SpeakerBot, turn.Speaker)
			}
		}
	}
}
