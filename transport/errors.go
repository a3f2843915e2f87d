package transport

import "errors"

// ErrTimeout is returned by SendMessage when the caller's timeout elapses before
// any response arrives. The channel slot is not freed — it stays reserved until
// the eventual (now-discarded) response arrives, so a late response can never be
// misattributed to a different, newer call on the same channel.
var ErrTimeout = errors.New("mini-rpc: call timed out")

// ErrClosed is returned by SendMessage, and by every outstanding call, when the
// peer closes before a response arrives.
var ErrClosed = errors.New("mini-rpc: connection closed")

// ErrTooManyChannels is returned by NewClientPeer when maxChannels exceeds the
// wire format's 15-bit channel space.
var ErrTooManyChannels = errors.New("mini-rpc: max channels exceeds 1<<15")
