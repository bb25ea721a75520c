package api

import (
	"context"
	"net"

	"github.com/cloakmesh/enclave/pkg/audit"
	"google.golang.org/grpc/peer"
)

// recordAudit appends one entry, tolerating a nil log (e.g. in tests
// that construct a server without wiring the audit package).
func recordAudit(log *audit.Log, ctx context.Context, user, message string, ok bool) {
	if log == nil {
		return
	}
	_ = log.Record(peerIP(ctx), user, message, ok)
}

// peerIP extracts the caller's address from the RPC context for audit
// entries. In-process calls and most tests have no real network peer
// attached, in which case it returns nil (recorded as the zero address).
func peerIP(ctx context.Context) net.IP {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return nil
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
