package models

import "github.com/justincihi/cognisync/internal/common"

// Actor is the authenticated principal performing an action. TokenHash
// identifies the session it acts through and is empty for the system actor.
type Actor struct {
	UserID    int64
	Username  string
	Role      string
	TokenHash string
}

// SystemActor attributes automated work such as the retention sweep.
func SystemActor() *Actor {
	return &Actor{UserID: common.SystemActorID, Username: common.SystemActorName, Role: RoleAdmin}
}

func (a *Actor) IsSystem() bool {
	return a != nil && a.TokenHash == "" && a.UserID == common.SystemActorID
}

func (a *Actor) IsAdmin() bool { return a != nil && a.Role == RoleAdmin }
