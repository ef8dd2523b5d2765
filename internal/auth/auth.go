// Package auth implements the daemon's bearer-token gate.
// Trust boundary is localhost plus a long-lived token persisted in auth.json.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/companionhq/companion/internal/common/logger"
	"github.com/companionhq/companion/internal/state"
)

// EnvToken overrides the persisted token when set.
const EnvToken = "COMPANION_AUTH_TOKEN"

// tokenFile is the persisted shape of auth.json.
type tokenFile struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}

// Gate issues and validates the daemon bearer token.
type Gate struct {
	token          string
	trustLocalhost bool
	logger         *logger.Logger
}

// NewGate loads or creates the bearer token at path.
// A token from the environment takes precedence and is never persisted.
func NewGate(path string, trustLocalhost bool, log *logger.Logger) (*Gate, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "auth-gate"))

	if envToken := os.Getenv(EnvToken); envToken != "" {
		log.Info("using bearer token from environment")
		return &Gate{token: envToken, trustLocalhost: trustLocalhost, logger: log}, nil
	}

	var tf tokenFile
	ok, err := state.LoadJSON(path, &tf)
	if err != nil {
		log.Warn("auth file unreadable, reissuing token", zap.Error(err))
	}
	if ok && tf.Token != "" {
		return &Gate{token: tf.Token, trustLocalhost: trustLocalhost, logger: log}, nil
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	tf = tokenFile{Token: token, CreatedAt: time.Now().UTC()}
	if err := state.SaveJSON(path, tf, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist token: %w", err)
	}
	log.Info("issued new bearer token", zap.String("path", path))

	return &Gate{token: token, trustLocalhost: trustLocalhost, logger: log}, nil
}

// generateToken returns 32 random bytes as hex.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Token returns the active bearer token.
func (g *Gate) Token() string {
	return g.token
}

// Verify reports whether the presented token matches.
func (g *Gate) Verify(token string) bool {
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.token)) == 1
}

// IsLoopback reports whether the remote address is a loopback client.
func IsLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// trusted reports whether the request may pass without a valid token.
func (g *Gate) trusted(r *http.Request) bool {
	return g.trustLocalhost && IsLoopback(r.RemoteAddr)
}

// requestToken extracts the bearer token from the Authorization header or
// the token query parameter (used by WebSocket upgrades).
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
	}
	return r.URL.Query().Get("token")
}

// Middleware returns a gin middleware enforcing the bearer token.
// Loopback clients are trusted when trustLocalhost is enabled.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.trusted(c.Request) {
			c.Next()
			return
		}
		if g.Verify(requestToken(c.Request)) {
			c.Next()
			return
		}
		g.logger.Warn("rejected unauthenticated request",
			zap.String("path", c.Request.URL.Path),
			zap.String("remote", c.Request.RemoteAddr))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

// Authorize checks a raw request (used outside gin handler chains).
func (g *Gate) Authorize(r *http.Request) bool {
	return g.trusted(r) || g.Verify(requestToken(r))
}
