package proxyd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"stakeproxy/native/stakeproxy"
)

// AdminAuthConfig describes admin authentication options.
type AdminAuthConfig struct {
	BearerToken string
	AllowMTLS   bool
}

// AdminAuthenticator validates incoming admin requests.
type AdminAuthenticator struct {
	bearerToken string
	allowBearer bool
	allowMTLS   bool
}

// NewAdminAuthenticator constructs an AdminAuthenticator from configuration.
func NewAdminAuthenticator(cfg AdminAuthConfig) (*AdminAuthenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	allowBearer := token != ""
	allowMTLS := cfg.AllowMTLS
	if !allowBearer && !allowMTLS {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	return &AdminAuthenticator{bearerToken: token, allowBearer: allowBearer, allowMTLS: allowMTLS}, nil
}

// Middleware enforces authentication for admin handlers.
func (a *AdminAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		if a.authenticate(r) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "authentication required", http.StatusUnauthorized)
	})
}

func (a *AdminAuthenticator) authenticate(r *http.Request) bool {
	if a.allowBearer && parseBearerToken(r.Header.Get("Authorization")) == a.bearerToken {
		return true
	}
	if a.allowMTLS && authenticateByMTLS(r) {
		return true
	}
	return false
}

func authenticateByMTLS(r *http.Request) bool {
	state := r.TLS
	if state == nil {
		return false
	}
	if len(state.VerifiedChains) > 0 {
		return true
	}
	return len(state.PeerCertificates) > 0 && state.HandshakeComplete
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type contextKey string

const contextKeyCaller contextKey = "proxyd.caller"

// CallerFromContext returns the authenticated account id.
func CallerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(string)
	return caller, ok && caller != ""
}

// CallerAuthenticator resolves the calling account from an HS256 JWT whose
// subject is the account id.
type CallerAuthenticator struct {
	secret    []byte
	issuer    string
	audience  string
	clockSkew time.Duration
	logger    *slog.Logger
}

// NewCallerAuthenticator constructs a JWT authenticator for user routes.
func NewCallerAuthenticator(cfg AuthConfig, logger *slog.Logger) (*CallerAuthenticator, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil, errors.New("auth secret not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	skew := cfg.ClockSkew.Duration
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &CallerAuthenticator{
		secret:    []byte(secret),
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		clockSkew: skew,
		logger:    logger,
	}, nil
}

// Middleware authenticates the request and stores the caller in the context.
// Websocket clients that cannot set headers may pass access_token instead.
func (a *CallerAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := parseBearerToken(r.Header.Get("Authorization"))
		if tokenString == "" {
			tokenString = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if tokenString == "" {
			writeJSONError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		caller, err := a.Verify(tokenString)
		if err != nil {
			a.logger.Warn("auth: token rejected", slog.Any("error", err))
			writeJSONError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyCaller, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Verify validates the token and returns the normalised account id.
func (a *CallerAuthenticator) Verify(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.clockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token invalid")
	}
	account, err := stakeproxy.NormalizeAccountID(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("subject: %w", err)
	}
	return account, nil
}

// IssueToken signs a caller token. It backs the CLI's login helper and tests.
func IssueToken(secret, account string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   account,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
