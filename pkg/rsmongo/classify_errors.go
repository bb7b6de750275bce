package rsmongo

import (
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
)

// MongoDB server error codes relevant to probe classification.
const (
	codeNotYetInitialized = 94
	codeNodeNotFound       = 74
)

// isUnreachable reports a connection/timeout error: the server never
// answered at all.
func isUnreachable(err error) bool {
	if err == nil {
		return false
	}
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err) ||
		errors.Is(err, mongo.ErrClientDisconnected)
}

// isTransient reports the server answered but reported it is still
// starting up or has not yet settled into a replica set role.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.Code == codeNotYetInitialized || cmdErr.Code == codeNodeNotFound {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "notyetinitialized") || strings.Contains(msg, "nodenotfound") ||
		strings.Contains(msg, "still initializing")
}

// isUninitialized reports the server is a standalone mongod with no
// replica set config at all.
func isUninitialized(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "no replica set config") ||
		strings.Contains(strings.ToLower(err.Error()), "not running with --replset")
}
