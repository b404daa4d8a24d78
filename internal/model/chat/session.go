package chat

import "strings"

// RoutingMode selects how inbound events are bucketed into sessions.
type RoutingMode string

const (
	RoutingUser  RoutingMode = "user"
	RoutingGroup RoutingMode = "group"
	RoutingAll   RoutingMode = "all"
)

const (
	// GroupKeyPrefix marks keys produced under group routing so they never
	// collide with raw user ids used by user routing.
	GroupKeyPrefix = "g-"
	// SharedKey is the single bucket used by RoutingAll.
	SharedKey = "mix_mode"
	// UnknownName is used when the host knows no name for a speaker.
	UnknownName = "unknown"
)

// Valid reports whether m is one of the supported modes.
func (m RoutingMode) Valid() bool {
	switch m {
	case RoutingUser, RoutingGroup, RoutingAll:
		return true
	}
	return false
}

// Routing carries the identity of an inbound event.
type Routing struct {
	UserID     string `json:"userId"`
	ScopeID    string `json:"scopeId,omitempty"`
	IsGroup    bool   `json:"isGroup"`
	MemberNick string `json:"memberNick,omitempty"`
	UserName   string `json:"userName,omitempty"`
}

// DisplayName prefers the member-level nickname, then the user name.
func (r Routing) DisplayName() string {
	if nick := strings.TrimSpace(r.MemberNick); nick != "" {
		return r.MemberNick
	}
	if name := strings.TrimSpace(r.UserName); name != "" {
		return r.UserName
	}
	return UnknownName
}

// GroupKey is the group routing key for a group scope.
func GroupKey(scopeID string) string {
	return GroupKeyPrefix + scopeID
}
