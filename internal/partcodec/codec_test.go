package partcodec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data := []byte("PDF 分块的原始字节 \x00\x01\xff")
	decoded, err := Decode(Encode(data))
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}

func TestDecodeRejectsInvalidInput(t *testing.T) {
	_, err := Decode("这不是合法的 base64!!!")
	require.Error(t, err)
}

func TestSplitProducesBoundedParts(t *testing.T) {
	// 1.2MB 原始数据，编码后按 500KB 上限切片
	data := make([]byte, 1200*1024)
	rand.New(rand.NewSource(42)).Read(data)
	encoded := Encode(data)

	limit := 500 * 1024
	parts := Split(encoded, limit)

	expected := (len(encoded) + limit - 1) / limit
	require.Len(t, parts, expected)
	for i, part := range parts {
		require.LessOrEqual(t, len(part), limit, "分片 %d 超出上限", i)
	}
}

func TestSplitEmptyInputYieldsOnePart(t *testing.T) {
	parts := Split("", 1024)
	require.Equal(t, []string{""}, parts)
}

func TestJoinReordersByIndex(t *testing.T) {
	data := make([]byte, 10*1024)
	rand.New(rand.NewSource(7)).Read(data)
	encoded := Encode(data)
	parts := Split(encoded, 1024)

	// 打乱到达顺序后拼接，结果必须与原始数据一致
	indexed := make([]IndexedPart, len(parts))
	for i, p := range parts {
		indexed[i] = IndexedPart{Index: i, Data: p}
	}
	rand.New(rand.NewSource(3)).Shuffle(len(indexed), func(i, j int) {
		indexed[i], indexed[j] = indexed[j], indexed[i]
	})

	decoded, err := Decode(Join(indexed))
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, decoded))
}
