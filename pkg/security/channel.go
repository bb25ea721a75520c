package security

import "context"

// PeerManifest is the set of identities a node is willing to accept
// connections from, keyed by the identity string embedded in (external)
// attestation material. The platform's own code only ever checks
// membership in this manifest; producing and verifying the attestation
// quote itself happens in the attested-TLS layer outside this process.
type PeerManifest struct {
	allowed map[string]struct{}
}

// NewPeerManifest builds a manifest from a fixed allow-list.
func NewPeerManifest(identities ...string) *PeerManifest {
	m := &PeerManifest{allowed: make(map[string]struct{}, len(identities))}
	for _, id := range identities {
		m.allowed[id] = struct{}{}
	}
	return m
}

// Verify reports whether peerIdentity, extracted by the external
// attested-TLS layer and passed down through the RPC context, is a
// known peer.
func (m *PeerManifest) Verify(peerIdentity string) bool {
	_, ok := m.allowed[peerIdentity]
	return ok
}

type peerIdentityKey struct{}

// WithPeerIdentity attaches the attested peer identity to ctx, the way an
// attested-TLS interceptor would after channel setup.
func WithPeerIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, peerIdentityKey{}, identity)
}

// PeerIdentityFrom reads back the identity attached by WithPeerIdentity.
func PeerIdentityFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(peerIdentityKey{}).(string)
	return v, ok
}
