package redis

import (
	"strings"

	"github.com/loopmark/introq/id"
)

// Redis key naming conventions. All keys are prefixed with "introq:" to
// avoid collisions.

const keyPrefix = "introq:"

// queueKey returns the Sorted Set key holding a user's active entries,
// scored by entry score: introq:priority:queue:{user}
func queueKey(userID id.UserID) string {
	return keyPrefix + "priority:queue:" + userID.String()
}

// entryKey returns the key for an entry's JSON blob:
// introq:priority:entry:{user}:{kind}:{item}
func entryKey(userID id.UserID, itemKind string, itemID id.ID) string {
	return keyPrefix + "priority:entry:" + member(userID, itemKind, itemID)
}

// expiryKey is the global Sorted Set of expiring members scored by their
// expiration time (unix seconds).
const expiryKey = keyPrefix + "priority:expiring"

// member is the queue/expiry set member for one (user, kind, item) triple.
func member(userID id.UserID, itemKind string, itemID id.ID) string {
	return userID.String() + ":" + itemKind + ":" + itemID.String()
}

// splitMember reverses member. Item kinds never contain colons; TypeID
// suffixes never do either, so splitting on ":" is unambiguous.
func splitMember(m string) (userStr, itemKind, itemStr string, ok bool) {
	parts := strings.SplitN(m, ":", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
