package core

// authorization.go – delegation checks against the "security" aggregate.
// An address delegates by publishing authorizations under its security key;
// unset filter fields are wildcards. The same rule authorizes live messages
// sent on behalf of another address and FORGETs targeting its messages.

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
)

// securityKey is the reserved aggregate key holding delegations.
const securityKey = "security"

// AuthorizationScope carries the filterable attributes of the operation
// being authorized.
type AuthorizationScope struct {
	Type         MsgType
	Channel      string
	PostType     string
	AggregateKey string
}

// isAuthorized reports whether owner has delegated the scoped operation to
// actor. The owner always authorizes itself.
func isAuthorized(ctx context.Context, tx dbtx, owner, actor string, scope AuthorizationScope) (bool, error) {
	if owner == actor {
		return true, nil
	}
	view, err := getAggregate(ctx, tx, owner, securityKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var sec SecurityAggregate
	if err := json.Unmarshal(view.Content, &sec); err != nil {
		return false, nil // malformed security aggregate grants nothing
	}
	for _, a := range sec.Authorizations {
		if a.Address != actor {
			continue
		}
		if len(a.Channels) > 0 && !slices.Contains(a.Channels, scope.Channel) {
			continue
		}
		if len(a.Types) > 0 && !slices.Contains(a.Types, string(scope.Type)) {
			continue
		}
		if scope.Type == MsgPost && len(a.PostTypes) > 0 && !slices.Contains(a.PostTypes, scope.PostType) {
			continue
		}
		if scope.Type == MsgAggregate && len(a.AggregateKeys) > 0 && !slices.Contains(a.AggregateKeys, scope.AggregateKey) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// scopeFor derives the authorization scope from a parsed content payload.
func scopeFor(env *MessageEnvelope, content any) AuthorizationScope {
	scope := AuthorizationScope{Type: env.Type, Channel: env.Channel}
	switch c := content.(type) {
	case *PostContent:
		scope.PostType = c.Type
	case *AggregateContent:
		scope.AggregateKey = c.Key
	}
	return scope
}
