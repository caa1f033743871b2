package cutibot

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"math/rand/v2"
	"sync"
)

// replyModel generates a reply for a prompt on behalf of a user
type replyModel interface {
	Generate(ctx context.Context, userID string, prompt string) (string, error)
}

// messageSender delivers a reply to a channel
type messageSender interface {
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// Mention is an inbound message addressed to the bot
type Mention struct {
	UserID    string
	ChannelID string
	MessageID string
	Text      string
}

// ReplyResult describes what HandleMention did
type ReplyResult struct {
	Persona        PersonaKind
	SentenceCount  int
	Prompt         string
	Reply          string
	UsedFallback   bool
	SentMessageID  string
	TruncatedInput bool
}

// ReplyPipeline turns a mention into exactly one reply. Replies are
// produced one at a time, process-wide, so each user's transcript
// stays in order.
type ReplyPipeline struct {
	mu sync.Mutex

	memory   *ConversationMemory
	model    replyModel
	sender   messageSender
	personas Personas
	botLabel string

	maxInputLength int
	fallback       string

	// intn picks the sentence count index
	intn func(int) int

	logger  *slog.Logger
	metrics *botMetrics
}

func NewReplyPipeline(
	memory *ConversationMemory,
	model replyModel,
	sender messageSender,
	cfg *PersonaConfig,
	logger *slog.Logger,
) *ReplyPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyPipeline{
		memory:         memory,
		model:          model,
		sender:         sender,
		personas:       newPersonas(cfg),
		botLabel:       cfg.BotLabel,
		maxInputLength: cfg.MaxInputLength,
		fallback:       cfg.FallbackReply,
		intn:           rand.IntN,
		logger:         logger,
	}
}

// HandleMention records the user's message, asks the model for a reply
// in the selected persona, trims it to the chosen sentence count,
// records it, and sends it to the mention's channel.
//
// Model failures are replaced by the fallback reply and are never
// returned. The only error returned is a failure to send.
func (p *ReplyPipeline) HandleMention(ctx context.Context, m Mention) (ReplyResult, error) {
	log := contextLoggerOr(ctx, p.logger)

	text := truncate(m.Text, p.maxInputLength)
	distinguished := p.personas.IsDistinguished(m.UserID)
	persona := p.personas.Select(distinguished)

	result := ReplyResult{
		Persona:        persona.Kind,
		TruncatedInput: text != m.Text,
	}

	p.mu.Lock()
	reply := func() string {
		defer p.mu.Unlock()

		p.memory.Append(m.UserID, SpeakerUser, text)

		result.SentenceCount = persona.pickSentenceCount(p.intn)
		result.Prompt = persona.Prompt(p.memory.Render(m.UserID), p.botLabel)

		raw, err := p.model.Generate(ctx, m.UserID, result.Prompt)
		if err != nil {
			if !errors.Is(err, ErrModelUnavailable) {
				log.ErrorContext(ctx, "unexpected model error", tint.Err(err))
			}
			result.UsedFallback = true
			raw = p.fallback
		}

		clamped := clampSentences(raw, result.SentenceCount)
		if clamped == "" {
			result.UsedFallback = true
			clamped = clampSentences(p.fallback, result.SentenceCount)
		}
		p.memory.Append(m.UserID, SpeakerBot, clamped)
		return clamped
	}()
	result.Reply = reply

	if p.metrics != nil {
		p.metrics.mentions.WithLabelValues(persona.Kind.String()).Inc()
		if result.UsedFallback {
			p.metrics.fallbackReplies.Inc()
		}
	}

	log.InfoContext(
		ctx,
		"replying to mention",
		"user_id", m.UserID,
		"channel_id", m.ChannelID,
		"persona", persona.Kind.String(),
		"sentences", result.SentenceCount,
		"fallback", result.UsedFallback,
	)

	msg, err := p.sender.ChannelMessageSend(
		m.ChannelID,
		truncate(reply, discordMaxMessageLength),
	)
	if err != nil {
		return result, err
	}
	if msg != nil {
		result.SentMessageID = msg.ID
	}
	return result, nil
}
