// Package transport talks to the remote repository through a generic
// create/query/update/delete object protocol.
//
// Two implementations share one wire shape: HTTP sends the JSON instance
// documents directly, gRPC carries the same documents inside
// google.protobuf.Struct messages on the /briefsync.v1.Repository service.
// Both authenticate with a bearer token and refresh it once when the server
// rejects it. Pure network failures are repeated through retry.Transient;
// every other failure is returned as a *common.RemoteError.
package transport
