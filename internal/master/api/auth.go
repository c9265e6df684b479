package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/csmhq/csm/internal/common/logger"
)

// Auth manages the single opaque bearer token guarding the API. The token
// is generated on the first /api/auth/setup call and persisted so restarts
// keep existing clients valid.
type Auth struct {
	mu    sync.Mutex
	path  string
	token string
	log   *logger.Logger
}

// NewAuth loads the token file from dataDir if one exists.
func NewAuth(dataDir string, log *logger.Logger) (*Auth, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	a := &Auth{
		path: filepath.Join(dataDir, "auth-token"),
		log:  log,
	}
	data, err := os.ReadFile(a.path)
	if err == nil {
		a.token = strings.TrimSpace(string(data))
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	return a, nil
}

// Setup returns the API token, generating and persisting it on first call.
// Idempotent: later calls return the same token.
func (a *Auth) Setup() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" {
		return a.token, nil
	}

	token := uuid.New().String()
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(token+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		return "", fmt.Errorf("rename token file: %w", err)
	}
	a.token = token
	a.log.Info("generated API token")
	return token, nil
}

// Validate reports whether the presented token matches.
func (a *Auth) Validate(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token != "" && token == a.token
}

// Middleware authenticates requests via the Authorization: Bearer header,
// or a ?token= query parameter for SSE and WebSocket clients that cannot
// set headers.
func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		if !a.Validate(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
