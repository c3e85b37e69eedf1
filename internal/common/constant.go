package common

// AuthorizationHeaderName is the HTTP header and gRPC metadata key used to
// carry the access token on outbound requests.
const AuthorizationHeaderName = "authorization"

// BearerPrefix precedes repository access tokens in the authorization header.
const BearerPrefix = "Bearer "
