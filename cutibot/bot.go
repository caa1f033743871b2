package cutibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"reflect"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/lemindz/discord/cutibot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// memory reset scopes, used as the memory_resets_total label
const (
	memoryResetScopeUser     = "user"
	memoryResetScopeCommand  = "command"
	memoryResetScopeAPI      = "api"
	memoryResetScopeSchedule = "schedule"
	memoryResetScopeNotify   = "notify"
)

type commandHandlerFunc func(ctx context.Context, h InteractionHandler) error

// Bot is the discord bot. It owns the conversation memory, the model
// client and the request governor, and dispatches gateway events to
// the reply pipeline, the referee service and the moderation commands.
type Bot struct {
	config *Config
	logger *slog.Logger

	db      *gorm.DB
	writeDB DBI

	memory        *ConversationMemory
	governor      *RequestGovernor
	generator     Generator
	model         *ModelClient
	pipeline      *ReplyPipeline
	referee       *RefereeService
	moderator     *Moderator
	guildSettings *guildSettingsCache
	notifier      memoryResetNotifier
	discord       *Discord
	api           *API
	metrics       *botMetrics
	buttonLimiter *userRateLimiter

	commandHandlers map[string]commandHandlerFunc

	// getInteractionHandlerFunc wraps each incoming interaction
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	runMu       sync.Mutex
	signalStop  chan struct{}
	signalReady chan struct{}
	startedAt   time.Time
}

// New creates a Bot from the given config. Nothing is connected or
// opened until Run is called.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}
	for _, missing := range []struct {
		name  string
		isNil bool
	}{
		{"model", config.Model == nil},
		{"persona", config.Persona == nil},
		{"memory", config.Memory == nil},
		{"discord", config.Discord == nil},
		{"api", config.API == nil},
	} {
		if missing.isNil {
			errs = append(errs, fmt.Errorf("missing %s config", missing.name))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	b.logger = newLogger(nil, levelOr(config.LogLevel, DefaultLogLevel), "cutibot")
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogger(
			nil,
			levelOr(config.Discord.DiscordGoLogLevel, DefaultDiscordgoLogLevel),
			"discordgo",
		).Handler(),
	)

	b.memory = NewConversationMemory(
		config.Memory.Capacity,
		TranscriptLabels{
			User:                config.Persona.UserLabel,
			Bot:                 config.Persona.BotLabel,
			DistinguishedUserID: config.Persona.DistinguishedUserID,
			DistinguishedName:   config.Persona.DistinguishedDisplayName,
		},
	)
	b.metrics = newBotMetrics(b.memory)
	b.governor = NewRequestGovernor(config.Model.MinInterval)
	b.buttonLimiter = newUserRateLimiter(config.Discord.RefereeButtonMinInterval)

	config.Discord.httpClient = config.HTTPClient
	b.discord = newDiscord(
		config.Discord,
		newLogger(nil, levelOr(config.Discord.LogLevel, DefaultDiscordLogLevel), "discord"),
	)

	if config.API.Enabled {
		if config.API.LogLevel == nil {
			config.API.LogLevel = newLevelVar(DefaultAPILogLevel)
		}
		api, err := newAPI(b, config.API)
		if err != nil {
			return nil, err
		}
		b.api = api
	}

	return b, nil
}

func levelOr(lv *slog.LevelVar, fallback slog.Level) slog.Leveler {
	if lv == nil {
		return fallback
	}
	return lv
}

// ValidateConfig checks the config's `binding` tags, then the model,
// persona and memory sections. Those sections have custom type funcs,
// so the validator doesn't descend into them on its own.
func (b *Bot) ValidateConfig() error {
	if err := structValidator.Struct(b.config); err != nil {
		return err
	}

	checks := []struct {
		name  string
		fn    validator.CustomTypeFunc
		value any
	}{
		{"model", validateModelConfig, *b.config.Model},
		{"persona", validatePersonaConfig, *b.config.Persona},
		{"memory", validateMemoryConfig, *b.config.Memory},
	}
	var errs []error
	for _, c := range checks {
		if err := structValidator.Struct(c.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		switch rv := c.fn(reflect.ValueOf(c.value)).(type) {
		case nil:
		case string:
			errs = append(errs, fmt.Errorf("%s: %s", c.name, rv))
		case error:
			errs = append(errs, fmt.Errorf("%s: %w", c.name, rv))
		}
	}
	return errors.Join(errs...)
}

// RegisterSlashCommands overwrites the bot's registered slash commands
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(options...)
}

// Stop signals a running bot to shut down
func (b *Bot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// Run validates the config, opens the database and the discord
// gateway connection, then handles events until ctx is cancelled or
// Stop is called. The API server, memory reset schedule and memory
// reset listener also run for the lifetime of the bot.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if b.api != nil {
		go func() {
			if httpErr := b.api.Serve(ctx); httpErr != nil {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	b.initDiscordSession(ctx, runtimeWG)
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error opening discord session", tint.Err(err))
		return fmt.Errorf("error opening discord session: %w", err)
	}
	if _, err := b.RegisterSlashCommands(); err != nil {
		logger.ErrorContext(ctx, "error registering slash commands", tint.Err(err))
	}

	if schedule := b.config.Memory.ResetSchedule; schedule != "" {
		scheduler := newMemoryResetScheduler(
			schedule,
			func(ctx context.Context) {
				b.clearAllMemoryLocal(ctx, memoryResetScopeSchedule)
			},
			logger.With(loggerNameKey, "memory_reset_scheduler"),
		)
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			scheduler.Run(ctx)
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		err := b.notifier.Listen(
			ctx,
			func(ctx context.Context) {
				b.clearAllMemoryLocal(ctx, memoryResetScopeNotify)
			},
		)
		if err != nil {
			logger.ErrorContext(ctx, "error listening for memory resets", tint.Err(err))
		}
	}()

	select {
	case b.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the main runtime context - generally
	// from an interrupt, or Stop
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initRun opens the database, loads guild settings, creates the
// discord session and model generator (unless already set), and wires
// up everything that depends on them
func (b *Bot) initRun(ctx context.Context) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.logger.Debug("finished initializing DB")

	b.guildSettings = newGuildSettingsCache(b.writeDB)
	if err := b.guildSettings.Load(ctx); err != nil {
		return fmt.Errorf("error loading guild settings: %w", err)
	}

	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	if b.generator == nil {
		generator, err := newGenerator(ctx, b.config.Model, b.config.HTTPClient)
		if err != nil {
			return fmt.Errorf("error creating model client: %w", err)
		}
		b.generator = generator
	}

	b.initComponents()
	return nil
}

func (b *Bot) initDB(ctx context.Context) error {
	gormLogger := newGORMLogger(
		newLogger(
			nil,
			levelOr(b.config.DatabaseLogLevel, DefaultDatabaseLogLevel),
			"gorm",
		).Handler(),
		b.config.DatabaseSlowThreshold,
	)
	db, err := createDB(ctx, b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return err
	}
	b.db = db
	b.writeDB = NewDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
	return nil
}

// initComponents builds the model client, reply pipeline, referee
// service and moderator around the current database and discord session
func (b *Bot) initComponents() {
	cfg := b.config
	session := b.discord.session

	b.model = newModelClient(
		b.generator,
		b.governor,
		cfg.Model.Timeout,
		newLogger(nil, levelOr(cfg.Model.LogLevel, DefaultModelLogLevel), "model"),
	)
	b.model.metrics = b.metrics
	if cfg.Model.LogCalls {
		b.model.db = b.writeDB
	}

	b.pipeline = NewReplyPipeline(
		b.memory,
		b.model,
		session,
		cfg.Persona,
		b.logger.With(loggerNameKey, "pipeline"),
	)
	b.pipeline.metrics = b.metrics

	b.referee = NewRefereeService(
		b.writeDB,
		&warDiscordRenderer{
			session:          session,
			refereeChannelID: cfg.Discord.RefereeChannelID,
			logger:           b.logger.With(loggerNameKey, "war_renderer"),
		},
		b.logger.With(loggerNameKey, "referee"),
	)
	b.referee.metrics = b.metrics

	b.moderator = newModerator(
		session,
		b.writeDB,
		cfg.Discord,
		b.logger.With(loggerNameKey, "moderator"),
	)
	b.moderator.metrics = b.metrics

	b.notifier = newMemoryResetNotifier(
		cfg.DatabaseType,
		cfg.Database,
		b.writeDB,
		b.logger.With(loggerNameKey, "notifier"),
	)

	b.commandHandlers = map[string]commandHandlerFunc{
		DiscordSlashCommandSetChannel:   b.commandSetChannel,
		DiscordSlashCommandClearChannel: b.commandClearChannel,
		DiscordSlashCommandReset:        b.commandReset,
		DiscordSlashCommandResetAll:     b.commandResetAll,
		DiscordSlashCommandWar:          b.commandWar,
		DiscordSlashCommandPing:         b.commandPing,
		DiscordSlashCommandWarn:         b.moderator.commandWarn,
		DiscordSlashCommandWarnings:     b.moderator.commandWarnings,
		DiscordSlashCommandUnwarn:       b.moderator.commandUnwarn,
		DiscordSlashCommandKick:         b.moderator.commandKick,
		DiscordSlashCommandBan:          b.moderator.commandBan,
		DiscordSlashCommandUnban:        b.moderator.commandUnban,
		DiscordSlashCommandMute:         b.moderator.commandMute,
		DiscordSlashCommandUnmute:       b.moderator.commandUnmute,
		DiscordSlashCommandPurge:        b.moderator.commandPurge,
		DiscordSlashCommandLock:         b.moderator.commandLock,
		DiscordSlashCommandUnlock:       b.moderator.commandUnlock,
	}

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger: b.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}
}

// initDiscordSession adds the gateway event handlers. Each message and
// interaction is handled in its own goroutine, tracked by runtimeWG.
func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) {
	logger := b.logger.With(loggerNameKey, "discord_session")
	ctx = WithLogger(ctx, logger)

	for _, remove := range b.discord.removeHandlerFuncs {
		remove()
	}

	session := b.discord.session
	b.discord.removeHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}
}

func (b *Bot) getLogger(ctx context.Context) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// handleDiscordMessage replies to messages that mention the bot.
//
// Messages mentioning @everyone, from bots, or that don't mention the
// bot itself are ignored, as are messages outside the guild's chat
// channel, if one is set. A mention with no other text gets a canned
// prompt instead of a model reply.
func (b *Bot) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	ctx, logger := b.getLogger(ctx)
	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	if m == nil || m.Message == nil {
		return
	}
	logger = logger.With(slog.Group("message", messageLogAttrs(m.Message)...))

	if m.MentionEveryone {
		logger.DebugContext(ctx, "ignoring message mentioning everyone")
		return
	}
	if len(m.Mentions) == 0 {
		logger.DebugContext(ctx, "ignoring message with no mentions")
		return
	}

	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user == nil {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}
	if user.Bot || user.ID == b.config.Discord.ApplicationID {
		logger.DebugContext(ctx, "ignoring message from bot", "user_id", user.ID)
		return
	}

	botID := b.config.Discord.ApplicationID
	if !messageMentionsUser(m.Message, botID) {
		logger.DebugContext(ctx, "bot not mentioned, ignoring")
		return
	}
	if !b.guildSettings.AllowsChannel(m.GuildID, m.ChannelID) {
		logger.DebugContext(ctx, "not the chat channel, ignoring")
		return
	}

	text := stripUserMention(m.Content, botID)
	if text == "" {
		if _, err := b.discord.session.ChannelMessageSend(
			m.ChannelID,
			DefaultDiscordEmptyMention,
		); err != nil {
			logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
		}
		return
	}

	ctx = WithLogger(ctx, logger)
	result, err := b.pipeline.HandleMention(
		ctx,
		Mention{
			UserID:    user.ID,
			ChannelID: m.ChannelID,
			MessageID: m.ID,
			Text:      text,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
		return
	}
	logger.InfoContext(
		ctx,
		"replied to mention",
		"persona", result.Persona.String(),
		"sentences", result.SentenceCount,
		"fallback", result.UsedFallback,
	)
}

// handleInteraction dispatches slash commands and button presses.
// Errors with a user-facing message are sent back ephemerally. Anything
// else is logged, and the user gets the generic error message.
func (b *Bot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			b.handleRecover(ctx, rc)
		}
	}()

	discordUser := getDiscordUser(*i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	logger.InfoContext(ctx, "received new interaction", "user_id", discordUser.ID)
	b.metrics.interactions.WithLabelValues(i.Type.String()).Inc()

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog, err := newInteractionLog(i)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := b.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		err = handler.Respond(
			ctx,
			&discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
		)
	case discordgo.InteractionApplicationCommand:
		name := i.ApplicationCommandData().Name
		command, ok := b.commandHandlers[name]
		if !ok {
			err = newUserError("I don't know that command.")
			break
		}
		err = command(ctx, handler)
	case discordgo.InteractionMessageComponent:
		err = b.handleRefereeButton(ctx, handler)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
		return
	}

	if err != nil {
		b.respondError(ctx, handler, err)
	}
}

// respondError tells the user what went wrong, if the error has a
// user-facing message. Otherwise it's logged, and the generic error
// message is sent.
func (b *Bot) respondError(ctx context.Context, handler InteractionHandler, err error) {
	logger := handler.Logger()
	msg, ok := userErrorMessage(err)
	if ok {
		logger.InfoContext(ctx, "interaction rejected", "reason", msg)
	} else {
		logger.ErrorContext(ctx, "error handling interaction", tint.Err(err))
		msg = b.config.Discord.ErrorMessage
	}
	if respErr := respondEphemeral(ctx, handler, msg); respErr != nil {
		logger.ErrorContext(ctx, "error sending error response", tint.Err(respErr))
	}
}

// ClearMemory forgets the given user's conversation, returning the
// number of turns removed
func (b *Bot) ClearMemory(ctx context.Context, userID string) int {
	n := b.memory.Clear(userID)
	b.metrics.memoryResets.WithLabelValues(memoryResetScopeUser).Inc()
	_, logger := b.getLogger(ctx)
	logger.InfoContext(ctx, "cleared memory", "user_id", userID, "turns", n)
	return n
}

// ClearAllMemory forgets every conversation, and notifies other
// instances sharing the database to do the same. Returns the number of
// users whose history was cleared here.
func (b *Bot) ClearAllMemory(ctx context.Context, scope string) int {
	n := b.clearAllMemoryLocal(ctx, scope)
	if b.notifier != nil {
		if err := b.notifier.NotifyMemoryReset(ctx); err != nil {
			_, logger := b.getLogger(ctx)
			logger.ErrorContext(ctx, "error notifying memory reset", tint.Err(err))
		}
	}
	return n
}

func (b *Bot) clearAllMemoryLocal(ctx context.Context, scope string) int {
	n := b.memory.ClearAll()
	b.metrics.memoryResets.WithLabelValues(scope).Inc()
	_, logger := b.getLogger(ctx)
	logger.InfoContext(ctx, "cleared all memory", "scope", scope, "users", n)
	return n
}

// shutdown stops accepting gateway events, waits for in-flight
// handlers and pending log writes, then stops the API server and closes
// the discord session. Waiting is bounded by Config.ShutdownTimeout.
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger
	logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	if n := len(b.discord.removeHandlerFuncs); n > 0 {
		logger.InfoContext(ctx, fmt.Sprintf("removing %d discord handlers", n))
		for _, remove := range b.discord.removeHandlerFuncs {
			remove()
		}
		b.discord.removeHandlerFuncs = nil
	}

	handlersDone := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		if b.model != nil {
			b.model.Wait()
		}
		close(handlersDone)
	}()

	select {
	case <-handlersDone:
		logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		logger.WarnContext(ctx, "timed out waiting on in-flight requests")
	}

	g, gctx := errgroup.WithContext(closeCtx)
	if b.api != nil {
		g.Go(
			func() error {
				logger.InfoContext(ctx, "stopping http server")
				return b.api.Shutdown(gctx)
			},
		)
	}
	if b.discord.session != nil {
		g.Go(
			func() error {
				logger.InfoContext(ctx, "closing discord session")
				return b.discord.session.Close()
			},
		)
	}
	err := g.Wait()

	logger.InfoContext(
		ctx,
		"shutdown complete",
		"shutdown_duration", time.Since(shutdownStart),
		"uptime", time.Since(b.startedAt),
	)
	return err
}

func (*Bot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
