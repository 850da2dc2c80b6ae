package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL 未指定 TTL 时使用
const DefaultTTL = time.Hour

// ErrInProgress 相同幂等键的操作正在其他调用中执行
var ErrInProgress = errors.New("idempotent operation already in progress")

// Record 幂等记录
type Record struct {
	Key       string          `json:"key"`
	Result    json.RawMessage `json:"result,omitempty"` // 缓存的结果
	Pending   bool            `json:"pending,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// CheckResult CheckAndSet 的返回值
type CheckResult struct {
	// IsDuplicate 键在 TTL 窗口内已存在
	IsDuplicate bool
	// Pending 键已被占用但结果尚未写入
	Pending bool
	// CachedResult 已完成操作的缓存结果
	CachedResult json.RawMessage
}

// Store 幂等存储接口
type Store interface {
	// CheckAndSet 原子地检查并占用幂等键。
	// 首次调用返回 IsDuplicate=false 并以 pending 状态占用该键。
	CheckAndSet(ctx context.Context, key string, ttl time.Duration) (*CheckResult, error)

	// Complete 写入操作结果，使后续重复调用直接返回缓存
	Complete(ctx context.Context, key string, result any, ttl time.Duration) error

	// Delete 释放幂等键（操作失败时调用，允许重新执行）
	Delete(ctx context.Context, key string) error
}

// GenerateKey 根据输入生成幂等键，相同输入生成相同的键
func GenerateKey(inputs ...any) (string, error) {
	if len(inputs) == 0 {
		return "", errors.New("at least one input is required")
	}

	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("marshal idempotency inputs: %w", err)
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// CheckResultFor 将已存在的记录转换为重复调用结果，供各存储后端共享
func CheckResultFor(rec *Record) *CheckResult {
	if rec == nil {
		return &CheckResult{}
	}
	return &CheckResult{
		IsDuplicate:  true,
		Pending:      rec.Pending,
		CachedResult: rec.Result,
	}
}
