// Package snapshot 在本地认证材料与可持久化的快照 blob 之间相互转换。
//
// blob 格式：
//
//	{"version":"1.0.0","credentials":{...},"keys":{"<name>":<any json>}}
//
// 缺少 version 的 blob 视为 1.0.0。
package snapshot

import (
	"bytes"
	"context"

	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/firm-gateway-go/internal/authstate"
	"github.com/lk2023060901/firm-gateway-go/internal/json"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/merr"
)

// Version 为当前编码使用的快照格式版本。
var Version = semver.MustParse("1.0.0")

var legacyVersion = semver.MustParse("1.0.0")

// Snapshot 为一个租户认证材料的完整快照。
type Snapshot struct {
	Version     string                     `json:"version,omitempty"`
	Credentials json.RawMessage            `json:"credentials"`
	Keys        map[string]json.RawMessage `json:"keys"`
}

// Empty 判断快照中是否既没有凭证也没有密钥条目。
func (s *Snapshot) Empty() bool {
	return s == nil || (len(s.Credentials) == 0 && len(s.Keys) == 0)
}

// Encode 读取本地主凭证与全部密钥条目，本地没有凭证时返回 nil。
func Encode(ctx context.Context, local authstate.Store) (*Snapshot, error) {
	creds, err := local.ReadCredentials(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read local credentials")
	}
	if len(creds) == 0 {
		return nil, nil
	}
	keys, err := local.ReadKeys(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read local key entries")
	}
	if keys == nil {
		keys = map[string]json.RawMessage{}
	}
	return &Snapshot{
		Version:     Version.String(),
		Credentials: creds,
		Keys:        keys,
	}, nil
}

// Marshal 将快照编码为 blob。
func Marshal(s *Snapshot) ([]byte, error) {
	if s == nil {
		return nil, merr.WrapErrSnapshotInvalid("nil snapshot")
	}
	out := *s
	if out.Version == "" {
		out.Version = Version.String()
	}
	if out.Keys == nil {
		out.Keys = map[string]json.RawMessage{}
	}
	return json.Marshal(&out)
}

// Parse 解析并完整校验 blob，任何结构问题都返回 ErrSnapshotInvalid。
func Parse(blob []byte) (*Snapshot, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(blob, &fields); err != nil || fields == nil {
		return nil, merr.WrapErrSnapshotInvalid("blob must be a json object")
	}

	version := legacyVersion
	if raw, ok := fields["version"]; ok {
		var vs string
		if err := json.Unmarshal(raw, &vs); err != nil {
			return nil, merr.WrapErrSnapshotInvalid("version must be a string")
		}
		v, err := semver.Parse(vs)
		if err != nil {
			return nil, merr.WrapErrSnapshotInvalid("malformed version " + vs)
		}
		if v.Major != Version.Major {
			return nil, merr.WrapErrSnapshotInvalid("unsupported version " + vs)
		}
		version = v
	}

	creds, ok := fields["credentials"]
	if !ok || !isObject(creds) {
		return nil, merr.WrapErrSnapshotInvalid("credentials must be a non-null object")
	}

	keys := map[string]json.RawMessage{}
	if raw, ok := fields["keys"]; ok && !isNull(raw) {
		if !isObject(raw) {
			return nil, merr.WrapErrSnapshotInvalid("keys must be an object")
		}
		if err := json.Unmarshal(raw, &keys); err != nil {
			return nil, merr.WrapErrSnapshotInvalid("keys must be an object")
		}
		for name := range keys {
			if err := authstate.ValidateName(name); err != nil {
				return nil, merr.WrapErrSnapshotInvalid("invalid key entry name " + name)
			}
		}
	}

	return &Snapshot{
		Version:     version.String(),
		Credentials: creds,
		Keys:        keys,
	}, nil
}

// Decode 校验 blob 后整体替换本地材料；校验失败时不做任何写入。
func Decode(ctx context.Context, blob []byte, local authstate.Store) error {
	s, err := Parse(blob)
	if err != nil {
		return err
	}
	if err := local.Replace(ctx, s.Credentials, s.Keys); err != nil {
		return errors.Wrap(err, "replace local auth state")
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
