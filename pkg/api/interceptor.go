package api

import (
	"context"
	"strings"

	"github.com/cloakmesh/enclave/pkg/apierr"
	"github.com/cloakmesh/enclave/pkg/metrics"
	"github.com/cloakmesh/enclave/pkg/objectstore"
	"github.com/cloakmesh/enclave/pkg/rpc"
	"github.com/cloakmesh/enclave/pkg/security"
	"github.com/cloakmesh/enclave/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

type callerKey struct{}

// Caller is the authenticated identity attached to the RPC context by
// AuthInterceptor.
type Caller struct {
	UserID string
	Role   types.Role
}

// CallerFrom reads back the Caller attached by AuthInterceptor.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// publicMethods need no bearer token: registration and login themselves.
var publicMethods = map[string]bool{
	"/enclave.Auth/Register": true,
	"/enclave.Auth/Login":    true,
}

// AuthInterceptor gates every RPC twice: the channel identity must
// appear in the peer manifest (when one is configured), and the bearer
// token carried in RPC metadata must resolve to a known Caller, which
// is attached to the context. publicMethods skip only the token check;
// per-method role authorization is enforced downstream by RequireRole.
func AuthInterceptor(store *objectstore.Store, peers *security.PeerManifest) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		timer := metrics.NewTimer()
		defer func() {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, outcome).Inc()
			timer.ObserveDurationVec(metrics.APIRequestDuration, info.FullMethod)
		}()

		if err := verifyPeer(ctx, peers); err != nil {
			return nil, rpc.ToStatus(err)
		}
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		token, err := tokenFromContext(ctx)
		if err != nil {
			return nil, rpc.ToStatus(err)
		}
		userID, err := store.SessionUser(token)
		if err != nil {
			return nil, rpc.ToStatus(err)
		}
		user, err := store.GetUser(userID)
		if err != nil {
			return nil, rpc.ToStatus(apierr.New(apierr.CodePermissionDenied, "unknown caller"))
		}
		ctx = context.WithValue(ctx, callerKey{}, Caller{UserID: user.ID, Role: user.Role})
		resp, err = handler(ctx, req)
		return resp, rpc.ToStatus(err)
	}
}

// verifyPeer checks the caller's channel identity against the manifest.
// The identity comes from the attested-TLS layer, either attached to the
// context directly or as the subject common name of the verified client
// certificate. A nil manifest disables the check (dev/test listeners).
func verifyPeer(ctx context.Context, peers *security.PeerManifest) error {
	if peers == nil {
		return nil
	}
	identity, ok := security.PeerIdentityFrom(ctx)
	if !ok {
		identity, ok = tlsPeerIdentity(ctx)
	}
	if !ok {
		return apierr.New(apierr.CodePermissionDenied, "peer identity unavailable on this channel")
	}
	if !peers.Verify(identity) {
		return apierr.New(apierr.CodePermissionDenied, "peer %q is not in the manifest", identity)
	}
	return nil
}

func tlsPeerIdentity(ctx context.Context) (string, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return "", false
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.PeerCertificates) == 0 {
		return "", false
	}
	return tlsInfo.State.PeerCertificates[0].Subject.CommonName, true
}

func tokenFromContext(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", apierr.New(apierr.CodePermissionDenied, "missing credentials")
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return "", apierr.New(apierr.CodePermissionDenied, "missing authorization metadata")
	}
	return strings.TrimPrefix(vals[0], "Bearer "), nil
}

// RequireRole rejects the call unless the authenticated Caller holds
// one of the given roles. Handlers call this explicitly rather than
// folding it into the interceptor, since the allowed-role set varies
// per RPC (e.g. only PlatformAdmin may query audit logs).
func RequireRole(ctx context.Context, roles ...types.Role) (Caller, error) {
	c, ok := CallerFrom(ctx)
	if !ok {
		return Caller{}, apierr.New(apierr.CodePermissionDenied, "unauthenticated")
	}
	if len(roles) == 0 {
		return c, nil
	}
	for _, r := range roles {
		if c.Role == r {
			return c, nil
		}
	}
	return Caller{}, apierr.New(apierr.CodePermissionDenied, "role %s may not call this operation", c.Role)
}
