package valet

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID kind prefixes. Every entity id carries the prefix of its kind;
// once assigned, ids are immutable.
const (
	PrefixMessage      = "msg-"
	PrefixMemory       = "mem-"
	PrefixTask         = "task-"
	PrefixJob          = "job-"
	PrefixExecution    = "exec-"
	PrefixConversation = "conv-"
)

// NewID generates a globally unique, time-sortable id: the given kind
// prefix followed by a UUIDv7 (RFC 9562).
func NewID(prefix string) string {
	return prefix + uuid.Must(uuid.NewV7()).String()
}

// HasIDPrefix reports whether id carries the given kind prefix.
func HasIDPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix)
}

// NowUnix returns the current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// NowUnixMilli returns the current time as Unix milliseconds.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
