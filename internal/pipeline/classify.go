package pipeline

import (
	"strings"
	"time"

	"github.com/parcelmesh/orderflow/internal/config"
	"github.com/parcelmesh/orderflow/internal/store"
)

// ClassifyFailure maps an adapter error onto the matching stage error
// status and audit event by keyword-matching the error text. Errors that
// match no backend fall through to FAILED.
func ClassifyFailure(err error) (store.Status, string) {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "soap") || strings.Contains(msg, "cms"):
		return store.StatusCMSError, store.EventCMSError
	case strings.Contains(msg, "ros") || strings.Contains(msg, "optimize") || strings.Contains(msg, "route"):
		return store.StatusROSError, store.EventROSError
	case strings.Contains(msg, "wms") || strings.Contains(msg, "socket") || strings.Contains(msg, "tcp"):
		return store.StatusWMSError, store.EventWMSError
	default:
		return store.StatusFailed, store.EventFailed
	}
}

// RetryTTL computes the per-message expiration for the given attempt
// (1-based): base doubled per attempt, capped at the configured maximum.
func RetryTTL(cfg config.RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ttl := cfg.BaseTTL
	for i := 1; i < attempt; i++ {
		ttl *= 2
		if ttl >= cfg.MaxTTL {
			return cfg.MaxTTL
		}
	}
	if ttl > cfg.MaxTTL {
		ttl = cfg.MaxTTL
	}
	return ttl
}
