// Package client wires the building blocks of one repository connection.
//
// # Overview
//
// A Connection owns:
//  1. A transport (HTTP or gRPC, see package transport) authenticated with
//     a token provider.
//  2. A blob router for files addressed by access keys.
//  3. The reservation client for locks and codes.
//  4. The sync engine that pulls, merges and pushes revisions.
//  5. The event service and the notifier polling it.
//  6. Optionally a prefetch cache fed by revision events.
//
// Briefcase files are opened through the connection so their stores share
// its logger and work directory.
//
// # Concurrency
//
// A Connection is safe for concurrent use. Stores it returns follow the
// rules of package localstore.
package client
