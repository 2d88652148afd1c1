package relaygate

// Strategy picks one account among the eligible set. Implementations may
// keep internal cursors keyed by scope (platform or platform+group) and
// must be safe for concurrent use.
type Strategy interface {
	// Pick returns one of accounts. ok is false when accounts is empty.
	Pick(scope string, accounts []UpstreamAccount) (acc UpstreamAccount, ok bool)
}
