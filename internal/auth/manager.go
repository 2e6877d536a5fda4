// Package auth はAPIゲートウェイの共有シークレット認証を提供します。
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/media-forge/internal/config"
)

const (
	// APIKeyHeader はクライアントが共有シークレットを渡すヘッダーです。
	APIKeyHeader = "X-Api-Key"
)

var (
	attemptWindow   = 15 * time.Minute
	lockDuration    = 10 * time.Minute
	maxAuthAttempts = 5
)

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は共有シークレットの検証と試行回数の管理をまとめた構造体です。
type Manager struct {
	cfg  *config.Config
	lock sync.Mutex

	attempts map[string]*attemptState

	// bcrypt検証に成功したキーのSHA-256を保持し、以降は定数時間比較で済ませる
	verified [sha256.Size]byte
	hasKey   bool
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:      cfg,
		attempts: make(map[string]*attemptState),
	}
}

// RequireSecret は X-Api-Key ヘッダーを検証するミドルウェアを返します。
func (m *Manager) RequireSecret() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.cfg.APISecretHash == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    "SERVER_MISCONFIGURATION",
				"message": "API_SECRET_HASH が設定されていません",
			})
			return
		}

		ip := c.ClientIP()
		if retryAfter := m.checkLock(ip); retryAfter > 0 {
			// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_ATTEMPTS",
				"message": "一定時間後に再度お試しください",
			})
			return
		}

		key := c.GetHeader(APIKeyHeader)
		if key == "" || !m.verifyKey(key) {
			m.recordFailure(ip)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "APIキーが正しくありません",
			})
			return
		}

		m.resetAttempts(ip)
		c.Next()
	}
}

// verifyKey は提示されたキーを検証します。初回はbcryptで照合し、
// 成功したキーのダイジェストをキャッシュして以降の照合コストを抑えます。
func (m *Manager) verifyKey(key string) bool {
	digest := sha256.Sum256([]byte(key))

	m.lock.Lock()
	if m.hasKey && subtle.ConstantTimeCompare(m.verified[:], digest[:]) == 1 {
		m.lock.Unlock()
		return true
	}
	m.lock.Unlock()

	if bcrypt.CompareHashAndPassword([]byte(m.cfg.APISecretHash), []byte(key)) != nil {
		return false
	}

	m.lock.Lock()
	m.verified = digest
	m.hasKey = true
	m.lock.Unlock()
	return true
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := time.Now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return time.Until(state.lockedUntil)
}

func (m *Manager) recordFailure(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := time.Now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > attemptWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxAuthAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxAuthAttempts
	}
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

// HashSecret は共有シークレットのbcryptハッシュを生成します（セットアップ用）。
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
