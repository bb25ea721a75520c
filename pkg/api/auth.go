package api

import (
	"context"

	"github.com/cloakmesh/enclave/pkg/apierr"
	"github.com/cloakmesh/enclave/pkg/audit"
	"github.com/cloakmesh/enclave/pkg/metrics"
	"github.com/cloakmesh/enclave/pkg/objectstore"
	"github.com/cloakmesh/enclave/pkg/rpc"
	"github.com/cloakmesh/enclave/pkg/security"
	"github.com/cloakmesh/enclave/pkg/types"
	"google.golang.org/grpc"
)

// AuthServer implements the authentication surface: user_register and
// user_login. It is deliberately thin. Issuing the opaque token is the
// fixed contract; federating credentials against an external identity
// provider is someone else's job.
type AuthServer struct {
	store *objectstore.Store
	audit *audit.Log
}

// NewAuthServer constructs an AuthServer.
func NewAuthServer(store *objectstore.Store, log *audit.Log) *AuthServer {
	return &AuthServer{store: store, audit: log}
}

// Register implements user_register.
func (s *AuthServer) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	if req.ID == "" || req.Password == "" {
		return nil, apierr.New(apierr.CodeMissingValue, "id and password are required")
	}
	if _, err := s.store.GetUser(req.ID); err == nil {
		return nil, apierr.New(apierr.CodeAlreadyExists, "user %s already registered", req.ID)
	}
	hash, err := security.HashPassword(req.Password)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInvalidInput, err, "hash password")
	}
	u := &types.User{ID: req.ID, PasswordHash: hash, Role: req.Role, Attribute: req.Attribute}
	if err := s.store.PutUser(u); err != nil {
		return nil, err
	}
	metrics.UsersTotal.Inc()
	s.record(ctx, req.ID, "user_register", true)
	return &RegisterResponse{ID: u.ID}, nil
}

// Login implements user_login.
func (s *AuthServer) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	u, err := s.store.GetUser(req.ID)
	if err != nil {
		s.record(ctx, req.ID, "user_login", false)
		return nil, apierr.New(apierr.CodePermissionDenied, "invalid credentials")
	}
	if !security.CheckPassword(u.PasswordHash, req.Password) {
		s.record(ctx, req.ID, "user_login", false)
		return nil, apierr.New(apierr.CodePermissionDenied, "invalid credentials")
	}
	token, err := security.NewSessionToken()
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInvalidInput, err, "issue token")
	}
	u.Tokens = append(u.Tokens, token)
	if err := s.store.PutUser(u); err != nil {
		return nil, err
	}
	if err := s.store.PutSession(token, u.ID); err != nil {
		return nil, err
	}
	s.record(ctx, req.ID, "user_login", true)
	return &LoginResponse{Token: token}, nil
}

func (s *AuthServer) record(ctx context.Context, user, message string, ok bool) {
	recordAudit(s.audit, ctx, user, message, ok)
}

// AuthServiceDesc registers Register/Login without protoc-generated
// stubs; see pkg/rpc for the generic handler plumbing.
var AuthServiceDesc = grpc.ServiceDesc{
	ServiceName: "enclave.Auth",
	HandlerType: (*AuthServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: authRegisterHandler},
		{MethodName: "Login", Handler: authLoginHandler},
	},
}

func authRegisterHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*AuthServer).Register)(srv, ctx, dec, interceptor)
}

func authLoginHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return rpc.Handler(srv.(*AuthServer).Login)(srv, ctx, dec, interceptor)
}
