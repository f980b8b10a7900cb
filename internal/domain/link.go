package domain

// LinkType identifies the rule that produced an identity link.
type LinkType string

const (
	LinkFingerprint LinkType = "fingerprint"
	LinkDeviceID    LinkType = "device_id"
	LinkIP          LinkType = "ip"
	LinkSubnet      LinkType = "subnet"
	LinkASN         LinkType = "asn"
	LinkVPN         LinkType = "vpn"
	LinkTime        LinkType = "time"
	LinkBehavior    LinkType = "behavior"
)

// LinkTypes lists every link type in a stable order.
var LinkTypes = []LinkType{
	LinkFingerprint,
	LinkDeviceID,
	LinkIP,
	LinkSubnet,
	LinkASN,
	LinkVPN,
	LinkTime,
	LinkBehavior,
}

// IdentityLink is an undirected, typed edge between two sending accounts.
// AccountA is always lexically smaller than AccountB.
type IdentityLink struct {
	AccountA string            `json:"accountA"`
	AccountB string            `json:"accountB"`
	Type     LinkType          `json:"type"`
	Strength float64           `json:"strength"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PairKey identifies an unordered account pair.
type PairKey struct {
	A string
	B string
}

// NewPairKey returns the canonical key for an account pair.
func NewPairKey(a, b string) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

// Pair returns the canonical pair key of the link.
func (l IdentityLink) Pair() PairKey {
	return PairKey{A: l.AccountA, B: l.AccountB}
}
