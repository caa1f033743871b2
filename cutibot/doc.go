// Package cutibot implements Cuti, a Discord chat bot that replies to
// mentions in a tsundere persona, using an OpenAI or Gemini model.
//
// Each mention goes through the reply pipeline: the user's message is
// added to their rolling conversation memory, a persona is selected
// (one user ID can be configured to get a softer, longer-winded one),
// and the rendered transcript is sent to the model. The reply is
// trimmed to a randomly chosen number of sentences, recorded in the
// user's memory, and posted to the channel. Model calls go through a
// process-wide request governor which spaces them out, and any failure
// is replaced with a fixed fallback reply.
//
// Main components of the package include:
//
//   - Bot: Owns the config, database and discord session, and
//     dispatches gateway events.
//   - ConversationMemory: Per-user bounded transcript buffers.
//   - ReplyPipeline: Turns a mention into exactly one reply.
//   - RequestGovernor: Enforces a minimum interval between model calls.
//   - ModelClient: Calls the configured Generator, and logs each call.
//   - RefereeService: Wars and their referee claim/cancel lifecycle.
//   - Moderator: Warn, kick, ban, mute, purge and channel lock commands.
//   - API: Admin HTTP endpoints for health, metrics, memory and history.
//
// The bot supports these slash commands:
//
//   - /reset, /resetall: Clear conversation memory.
//   - /setchannel, /clearchannel: Restrict replies to one channel.
//   - /war: Post a war with referee claim and cancel buttons.
//   - /warn, /warnings, /kick, /ban, /unban, /mute, /unmute, /purge,
//     /lock, /unlock: Moderation.
//   - /ping: Gateway latency.
//
// Memory can also be cleared on a cron schedule. When several
// instances share a Postgres database, a reset on one is broadcast to
// the others with LISTEN/NOTIFY.
package cutibot
