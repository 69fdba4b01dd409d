// Package confessional implements a Discord bot for anonymous confessions.
//
// Members submit text anonymously with the /confession slash command. Each
// submission is posted to a configured channel with a row of 1-5 star rating
// buttons, and a paginated leaderboard ranks submissions by their average
// rating. Leaderboard messages stay live: a background loop periodically
// recomputes the standings and edits every tracked leaderboard message in
// place.
//
// Key components of the package include:
//
//   - Confessional: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles the gateway session, slash commands, and button components.
//   - database/DBI: GORM-backed persistence for votes, confessions, and settings.
//   - leaderboardRegistry: Tracks displayed leaderboard messages and their
//     pagination cursors.
//   - API: A small read-only HTTP API for health checks and leaderboard data.
//
// The bot supports these commands:
//
//   - /confession: Submit an anonymous confession.
//   - /top-confession: Post the current leaderboard.
//   - /setchannel, /setlogs: Configure the confession and audit log channels (owner only).
//   - /bot-avatar, /bot-name, /bot-status, /bot-activities: Bot presence (owner only).
//   - /delete-confession: Remove a confession and its votes (owner only).
package confessional
