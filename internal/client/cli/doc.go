// Package cli provides the interactive briefsync command-line client.
//
// It wires configuration, a repository connection and the local briefcase
// into a REPL. Typical flow: prompt for the access token when none is
// configured, open the briefcase (or acquire one), then run commands:
//
//   - acquire, status
//   - pull, push <description>, sync
//   - locks, codes, lock <type> <id> <level>, reserve <spec> <scope> <value>,
//     relinquish
//   - edit <id> <value>
//   - watch
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
