// Package authstate 管理单个租户在本地的认证材料：主凭证与若干辅助密钥条目。
//
// 协议客户端在运行时直接读写这些材料，快照编解码器在持久化与恢复时整体读写。
package authstate

import (
	"context"
	"strings"

	"github.com/lk2023060901/firm-gateway-go/internal/json"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
)

// Store 为单个租户的本地认证材料存储。
type Store interface {
	// ReadCredentials 返回主凭证，不存在时返回 nil。
	ReadCredentials(ctx context.Context) (json.RawMessage, error)
	WriteCredentials(ctx context.Context, raw json.RawMessage) error
	// ReadKeys 返回全部辅助密钥条目，不存在时返回空 map。
	ReadKeys(ctx context.Context) (map[string]json.RawMessage, error)
	WriteKey(ctx context.Context, name string, raw json.RawMessage) error
	DeleteKey(ctx context.Context, name string) error
	// Replace 整体替换本地材料，失败时保留原有状态。
	Replace(ctx context.Context, creds json.RawMessage, keys map[string]json.RawMessage) error
	// Clear 删除全部本地材料。
	Clear(ctx context.Context) error
}

// Factory 按租户创建 Store。
type Factory interface {
	ForFirm(firmID string) (Store, error)
}

// ValidateName 校验租户 ID 或密钥名可以安全地用作文件名。
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return merr.WrapErrParameterMissing("name")
	}
	if trimmed != name || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return merr.WrapErrParameterInvalidMsg("invalid auth state name %q", name)
	}
	return nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func cloneKeys(keys map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(keys))
	for k, v := range keys {
		out[k] = cloneRaw(v)
	}
	return out
}
