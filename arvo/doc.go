// Package arvo implements a staff-management Discord bot built around
// per-guild command governance.
//
// Every slash command the bot offers is described by a static
// [CommandRegistry]. Each guild stores a [GuildConfig] controlling
// which manageable commands are enabled, which roles count as staff,
// and where audit messages go. A [CommandSyncEngine] keeps the set of
// commands actually registered with Discord reconciled against each
// guild's configuration, using minimal diffs and a single bulk publish
// per pass.
//
// Moderation commands run through the [ModerationActionPipeline]:
// permission and role-hierarchy checks, an actor-scoped confirmation
// prompt, the Discord side effect, an append to the immutable
// [InfractionLedger], and a best-effort audit/DM notification. Every
// state transition is persisted as a [ModerationAction] row.
//
// The [API] serves a small authenticated dashboard over guild
// configuration, infraction history and action records.
package arvo
