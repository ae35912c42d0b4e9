package nodeset

import (
	"time"

	"pkt.systems/rpcfrontend/internal/consensus"
)

const leaseTTLMultiplier = 3
const minLeaseTTL = time.Second

// DeriveLeaseTTL returns the membership lease TTL derived from the primary
// lease TTL, so a node drops out of the NODES table only after missing
// several primary-election cycles.
func DeriveLeaseTTL(primaryLeaseTTL time.Duration) time.Duration {
	if primaryLeaseTTL <= 0 {
		primaryLeaseTTL = consensus.DefaultLeaseTTL
	}
	ttl := primaryLeaseTTL * leaseTTLMultiplier
	if ttl < minLeaseTTL {
		return minLeaseTTL
	}
	return ttl
}
