// Package json 统一项目内的 JSON 编解码实现，底层基于 bytedance/sonic。
//
// 业务代码应始终引用本包而不是 encoding/json，便于后续替换实现。
package json

import (
	stdjson "encoding/json"

	"github.com/bytedance/sonic"
)

// api 与 encoding/json 行为保持一致（排序 map key、转义 HTML 等）。
var api = sonic.ConfigStd

// RawMessage 为延迟解码的原始 JSON 片段。
type RawMessage = stdjson.RawMessage

// Marshal 将 v 编码为 JSON。
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalIndent 以缩进格式编码 v。
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// Unmarshal 将 data 解码到 v。
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid 判断 data 是否为合法 JSON。
func Valid(data []byte) bool {
	return api.Valid(data)
}

// NewEncoder 返回写入 w 的流式编码器。
var NewEncoder = api.NewEncoder

// NewDecoder 返回读取 r 的流式解码器。
var NewDecoder = api.NewDecoder
