// Package codegen 生成与校验人工可抄写的激活码
//
// 激活码由固定长度的分段组成（默认 4 段 × 4 位），字符表去掉了容易混淆的
// 0/O、1/I/L，随机源为 crypto/rand。
package codegen

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Alphabet 激活码字符表
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const existsChunk = 500

var (
	ErrGenerationExhausted = errors.New("code generation exhausted: keyspace too small for requested batch")
	ErrMalformedCode       = errors.New("malformed activation code")
)

// ExistsFunc 返回 candidates 中已被占用的码
type ExistsFunc func(ctx context.Context, candidates []string) ([]string, error)

type Options struct {
	Prefix        string // 可选固定前缀段，例如 "ISX"
	Segments      int
	SegmentLength int
	MaxAttempts   int // 每个批次的最大重试轮数
}

type Generator struct {
	opts   Options
	random io.Reader
}

func New(opts Options) *Generator {
	if opts.Segments <= 0 {
		opts.Segments = 4
	}
	if opts.SegmentLength <= 0 {
		opts.SegmentLength = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	opts.Prefix = strings.ToUpper(strings.TrimSpace(opts.Prefix))
	return &Generator{opts: opts, random: rand.Reader}
}

// Random 生成单个规范格式的码，不做唯一性检查
func (g *Generator) Random() (string, error) {
	body := make([]byte, g.opts.Segments*g.opts.SegmentLength)
	if err := g.fill(body); err != nil {
		return "", err
	}
	return g.format(string(body)), nil
}

// Generate 生成 count 个互不相同且 exists 判定为未占用的码
//
// 每轮补齐缺口并批量查重，超过 MaxAttempts 轮仍未凑够则返回 ErrGenerationExhausted。
func (g *Generator) Generate(ctx context.Context, count int, exists ExistsFunc) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}

	result := make([]string, 0, count)
	seen := make(map[string]struct{}, count)

	for attempt := 0; attempt < g.opts.MaxAttempts && len(result) < count; attempt++ {
		need := count - len(result)
		candidates := make([]string, 0, need)
		for i := 0; i < need; i++ {
			code, err := g.Random()
			if err != nil {
				return nil, err
			}
			if _, dup := seen[code]; dup {
				continue
			}
			seen[code] = struct{}{}
			candidates = append(candidates, code)
		}

		taken, err := g.lookup(ctx, candidates, exists)
		if err != nil {
			return nil, err
		}
		for _, code := range candidates {
			if _, used := taken[code]; !used {
				result = append(result, code)
			}
		}
	}

	if len(result) < count {
		return nil, ErrGenerationExhausted
	}
	return result, nil
}

func (g *Generator) lookup(ctx context.Context, candidates []string, exists ExistsFunc) (map[string]struct{}, error) {
	taken := make(map[string]struct{})
	if exists == nil {
		return taken, nil
	}
	for start := 0; start < len(candidates); start += existsChunk {
		end := start + existsChunk
		if end > len(candidates) {
			end = len(candidates)
		}
		found, err := exists(ctx, candidates[start:end])
		if err != nil {
			return nil, err
		}
		for _, code := range found {
			taken[code] = struct{}{}
		}
	}
	return taken, nil
}

// Normalize 把用户输入转换为规范格式
//
// 接受大小写混合、含空格或下划线、带或不带分隔符的输入。
func (g *Generator) Normalize(raw string) (string, error) {
	compact := strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '_', '\t':
			return -1
		}
		return r
	}, strings.ToUpper(raw))

	if g.opts.Prefix != "" {
		if !strings.HasPrefix(compact, g.opts.Prefix) {
			return "", ErrMalformedCode
		}
		compact = compact[len(g.opts.Prefix):]
	}

	if len(compact) != g.opts.Segments*g.opts.SegmentLength {
		return "", ErrMalformedCode
	}
	for i := 0; i < len(compact); i++ {
		if strings.IndexByte(Alphabet, compact[i]) < 0 {
			return "", ErrMalformedCode
		}
	}
	return g.format(compact), nil
}

// Valid 判断是否为规范格式
func (g *Generator) Valid(code string) bool {
	normalized, err := g.Normalize(code)
	return err == nil && normalized == code
}

func (g *Generator) format(body string) string {
	parts := make([]string, 0, g.opts.Segments+1)
	if g.opts.Prefix != "" {
		parts = append(parts, g.opts.Prefix)
	}
	for i := 0; i < g.opts.Segments; i++ {
		start := i * g.opts.SegmentLength
		parts = append(parts, body[start:start+g.opts.SegmentLength])
	}
	return strings.Join(parts, "-")
}

// fill 用拒绝采样保证每个字符均匀分布
func (g *Generator) fill(dst []byte) error {
	const limit = 256 - 256%len(Alphabet)
	buf := make([]byte, len(dst)*2)
	i := 0
	for i < len(dst) {
		if _, err := io.ReadFull(g.random, buf); err != nil {
			return fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			dst[i] = Alphabet[int(b)%len(Alphabet)]
			i++
			if i == len(dst) {
				break
			}
		}
	}
	return nil
}
