// Package partcodec 在分块字节与传输安全的消息分片之间做编解码。
// 编码后的分块超过队列消息体上限时切成多个分片，接收端按
// partIndex 升序拼接后解码，整个往返无损。
package partcodec

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// Encode 把分块字节编码为传输安全的字符串形式。
func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Decode 是 Encode 的逆操作。
func Decode(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("解码分块数据失败: %w", err)
	}
	return data, nil
}

// Split 把编码后的字符串切成不超过 sizeLimit 字节的分片。
// totalParts = ceil(len/sizeLimit)；空串也会得到一个空分片，
// 保证每个分块至少发出一条消息。
func Split(encoded string, sizeLimit int) []string {
	if sizeLimit < 1 {
		sizeLimit = 1
	}
	if encoded == "" {
		return []string{""}
	}

	parts := make([]string, 0, (len(encoded)+sizeLimit-1)/sizeLimit)
	for start := 0; start < len(encoded); start += sizeLimit {
		end := start + sizeLimit
		if end > len(encoded) {
			end = len(encoded)
		}
		parts = append(parts, encoded[start:end])
	}
	return parts
}

// IndexedPart 是一个带序号的分片，Join 按序号排序后拼接。
type IndexedPart struct {
	Index int
	Data  string
}

// Join 按 Index 升序拼接分片。接收端绝不能按到达顺序拼接，
// 队列不保证消息有序。
func Join(parts []IndexedPart) string {
	sorted := make([]IndexedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var sb strings.Builder
	for _, p := range sorted {
		sb.WriteString(p.Data)
	}
	return sb.String()
}
