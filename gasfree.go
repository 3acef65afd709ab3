// Package gasfree contains the version number and shared constants of the
// gasfree verification and relay service.
package gasfree

import "time"

// Version is the current version of gasfree.
//
// This variable is set at build time using the -X linker flag. If not set,
// it defaults to "devel".
var Version = "devel"

// SessionTTL is how long an issued challenge stays consumable.
const SessionTTL = 5 * time.Minute

// SessionGrace is how long an elapsed session stays in the backing store so
// that late submissions are reported as expired instead of unknown.
const SessionGrace = time.Minute

// JournalRetention is how long verification journal entries are kept.
const JournalRetention = 7 * 24 * time.Hour

// APIPrefix is the URL prefix of every JSON API route.
const APIPrefix = "/api/"

// DefaultRewardAmount is the reward paid per successful verification, in
// whole native coins.
const DefaultRewardAmount = "0.001"

// UserAgent is sent on outgoing HTTP requests.
var UserAgent = "gasfree/" + Version
