package push

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/maxpert/ripple/cfg"
	"github.com/maxpert/ripple/subscription"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// SecretHeader is the metadata key carrying the shared push secret
const SecretHeader = "x-ripple-push-secret"

// Authenticator resolves connection_init parameters to an identity.
// Token verification itself belongs to the caller's identity provider.
type Authenticator interface {
	Authenticate(ctx context.Context, params map[string]any) (subscription.AuthContext, error)
}

// TokenAuthenticator maps opaque bearer tokens to fixed identities
type TokenAuthenticator struct {
	tokens         map[string]subscription.AuthContext
	allowAnonymous bool
}

func NewTokenAuthenticator(tokens []cfg.PushToken, allowAnonymous bool) *TokenAuthenticator {
	a := &TokenAuthenticator{
		tokens:         make(map[string]subscription.AuthContext, len(tokens)),
		allowAnonymous: allowAnonymous,
	}
	for _, t := range tokens {
		a.tokens[t.Token] = subscription.AuthContext{
			Subject: t.Subject,
			Roles:   t.Roles,
			Claims:  t.Claims,
		}
	}
	return a
}

// Authenticate reads "token" or an "authorization: Bearer ..." parameter
func (a *TokenAuthenticator) Authenticate(ctx context.Context, params map[string]any) (subscription.AuthContext, error) {
	token := bearerToken(params)
	if token == "" {
		if a.allowAnonymous {
			return subscription.AuthContext{}, nil
		}
		return subscription.AuthContext{}, fmt.Errorf("missing token")
	}

	auth, ok := a.tokens[token]
	if !ok {
		return subscription.AuthContext{}, fmt.Errorf("unknown token")
	}
	return auth, nil
}

func bearerToken(params map[string]any) string {
	if t, ok := params["token"].(string); ok && t != "" {
		return t
	}
	for _, key := range []string{"authorization", "Authorization"} {
		if h, ok := params[key].(string); ok {
			if rest, found := strings.CutPrefix(h, "Bearer "); found {
				return strings.TrimSpace(rest)
			}
		}
	}
	return ""
}

// StreamServerInterceptor rejects streams without the shared secret.
// An empty secret disables the check.
func StreamServerInterceptor(secret string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := validateSecret(ss.Context(), secret); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func validateSecret(ctx context.Context, secret string) error {
	if secret == "" {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	values := md.Get(SecretHeader)
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, "missing push secret")
	}
	if subtle.ConstantTimeCompare([]byte(values[0]), []byte(secret)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid push secret")
	}
	return nil
}

// StreamClientInterceptorWithSecret adds the shared secret to outgoing streams
func StreamClientInterceptorWithSecret(secret string) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if secret != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, SecretHeader, secret)
		}
		return streamer(ctx, desc, cc, method, opts...)
	}
}
