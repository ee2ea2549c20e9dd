package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"

	"github.com/me/gocycle/pkg/model"
)

const ctxKeyWorkerAuth ctxKey = "worker_auth"

// WorkerKeysEnv holds worker keys as JSON: {"key1": ["pool1"], "key2": []}.
const WorkerKeysEnv = "GOCYCLE_WORKER_KEYS"

// WorkerAuthContext holds authenticated worker info for a request.
type WorkerAuthContext struct {
	KeyID string   // Hash of the key (for logging, not the raw key)
	Pools []string // Pools this key may take jobs from; empty means any
}

// WorkerAuthFromContext extracts the WorkerAuthContext from request context.
func WorkerAuthFromContext(ctx context.Context) *WorkerAuthContext {
	if wc, ok := ctx.Value(ctxKeyWorkerAuth).(*WorkerAuthContext); ok {
		return wc
	}
	return nil
}

// WorkerKeyConfig maps worker keys to the pools they may serve.
type WorkerKeyConfig struct {
	Keys map[string]WorkerKeyEntry `json:"keys"`
}

// WorkerKeyEntry defines the pools and metadata for a worker key.
type WorkerKeyEntry struct {
	Pools       []string `json:"pools"`
	Description string   `json:"description,omitempty"`
}

// LoadWorkerKeyConfig loads worker keys from a JSON file and then from
// GOCYCLE_WORKER_KEYS; keys in the environment replace file entries.
func LoadWorkerKeyConfig(configFile string) (*WorkerKeyConfig, error) {
	cfg := &WorkerKeyConfig{
		Keys: make(map[string]WorkerKeyEntry),
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read worker keys: %w", err)
		}
		var fileCfg WorkerKeyConfig
		if err := json.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parse worker keys %s: %w", configFile, err)
		}
		for k, v := range fileCfg.Keys {
			cfg.Keys[k] = v
		}
	}

	if envVal := os.Getenv(WorkerKeysEnv); envVal != "" {
		var envKeys map[string][]string
		if err := json.Unmarshal([]byte(envVal), &envKeys); err != nil {
			return nil, fmt.Errorf("parse %s: %w", WorkerKeysEnv, err)
		}
		for key, pools := range envKeys {
			cfg.Keys[key] = WorkerKeyEntry{Pools: pools}
		}
	}

	return cfg, nil
}

// ValidateKey returns the entry for key, or nil if the key is unknown.
func (c *WorkerKeyConfig) ValidateKey(key string) *WorkerKeyEntry {
	if entry, ok := c.Keys[key]; ok {
		return &entry
	}
	return nil
}

// IsEnabled returns true if any worker keys are configured.
func (c *WorkerKeyConfig) IsEnabled() bool {
	return c != nil && len(c.Keys) > 0
}

// hashKey creates a short hash of the key for logging purposes.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:8])
}

// workerAuthMiddleware validates the X-Worker-Key header. Without
// configured keys every worker is accepted for any pool.
func workerAuthMiddleware(keyConfig *WorkerKeyConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())

			if !keyConfig.IsEnabled() {
				ctx := context.WithValue(r.Context(), ctxKeyWorkerAuth, &WorkerAuthContext{KeyID: "none"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			key := r.Header.Get("X-Worker-Key")
			if key == "" {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "worker authentication required (X-Worker-Key header missing)",
				})
				return
			}

			entry := keyConfig.ValidateKey(key)
			if entry == nil {
				logger.Warn("invalid worker key", "key_hash", hashKey(key))
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "invalid worker key",
				})
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyWorkerAuth, &WorkerAuthContext{
				KeyID: hashKey(key),
				Pools: entry.Pools,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CanServePool checks if the worker may take jobs from pool.
func (c *WorkerAuthContext) CanServePool(pool string) bool {
	if c == nil {
		return false
	}
	if len(c.Pools) == 0 {
		return true
	}
	return slices.Contains(c.Pools, pool)
}
