package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// DefaultHashDimensions 是未配置维度时的默认值。
const DefaultHashDimensions = 384

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// HashEmbedder 是本地的特征哈希向量器：词项经 FNV-1a 哈希到固定维度，
// 带符号计数后做 L2 归一化。无需外部服务，用于开发环境与测试。
type HashEmbedder struct {
	dimension int
}

func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = DefaultHashDimensions
	}
	return &HashEmbedder{dimension: dimension}
}

func (h *HashEmbedder) Dimension() int { return h.dimension }

// Embed 返回归一化的哈希词项向量，没有词项的文本映射为零向量。
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acc := make([]float64, h.dimension)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		hasher := fnv.New64a()
		_, _ = hasher.Write([]byte(tok))
		sum := hasher.Sum64()
		slot := int(sum % uint64(h.dimension))
		if sum&(1<<63) != 0 {
			acc[slot]--
		} else {
			acc[slot]++
		}
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	vec := make([]float32, h.dimension)
	if norm == 0 {
		return vec, nil
	}
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec, nil
}
