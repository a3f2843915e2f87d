package transport

import (
	"mini-rpc/message"
	"sync"
)

// Call is this module's promise/future pair: the caller waits on Done, the peer
// (or a timeout, or a close) fulfills it exactly once. Go convention is one
// object with a completion channel rather than two cooperating handles.
type Call struct {
	Channel int32 // set once a channel slot is assigned; codec.ChannelNone while queued

	done chan struct{}
	once sync.Once
	resp *message.RPCMessage
	err  error
}

func newCall() *Call {
	return &Call{Channel: -1, done: make(chan struct{})}
}

// Done is closed exactly once, when the call is settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// complete settles the call with (resp, err) if it has not already settled.
// Returns true if this call was the one that settled it — later/duplicate
// completions (e.g. a response arriving after a timeout already fired) are
// silently discarded, matching the single-completion guarantee every promise
// must provide.
func (c *Call) complete(resp *message.RPCMessage, err error) bool {
	settled := false
	c.once.Do(func() {
		c.resp = resp
		c.err = err
		settled = true
		close(c.done)
	})
	return settled
}

// Result returns the settled value. Only valid after Done() is closed.
func (c *Call) Result() (*message.RPCMessage, error) {
	return c.resp, c.err
}
