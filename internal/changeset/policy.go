package changeset

import "fmt"

// Policy decides when the bytes of newly added content are fetched
type Policy string

const (
	// PolicyImmediate fetches and verifies every artifact before the version
	// can be finalized
	PolicyImmediate Policy = "immediate"

	// PolicyOnDemand records remote placeholders. The distribution server
	// fetches bytes on first read and promotes them to local artifacts.
	PolicyOnDemand Policy = "on_demand"

	// PolicyStreamed records remote placeholders whose bytes are proxied on
	// every read and never stored
	PolicyStreamed Policy = "streamed"
)

// ParsePolicy parses a configured download policy. The empty string means
// PolicyImmediate.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyImmediate:
		return PolicyImmediate, nil
	case PolicyOnDemand:
		return PolicyOnDemand, nil
	case PolicyStreamed:
		return PolicyStreamed, nil
	default:
		return "", fmt.Errorf("unknown download policy %q", s)
	}
}

// Deferred reports whether the policy leaves artifact bytes remote at sync time
func (p Policy) Deferred() bool {
	return p == PolicyOnDemand || p == PolicyStreamed
}
