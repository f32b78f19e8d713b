// Package common contains shared constants and sentinel errors used across
// CogniSync components.
package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the session
// token on inbound operator requests.
const AccessTokenHeaderName = "access_token"

// SystemActorID and SystemActorName identify automated actions such as the
// retention sweep in audit entries.
const (
	SystemActorID   int64 = 0
	SystemActorName       = "system_retention_policy"
)
