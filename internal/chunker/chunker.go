// Package chunker 把提取出的文本切分为相互重叠的分块。
//
// 切分优先使用自然边界：先段落，再行、句子、单词，最后按 rune 硬切。
// 每个分块都是输入的精确子串并记录 rune 偏移，去掉与前一块重叠的前缀即可还原原文。
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"travel-vault/internal/model"
)

const (
	// DefaultChunkSize 是目标分块长度（rune）。
	DefaultChunkSize = 800
	// DefaultChunkOverlap 是相邻分块的最大重叠长度（rune）。
	DefaultChunkOverlap = 200
)

// separatorLevels 按边界的自然程度从高到低排列，分隔符归属于它前面的片段。
var separatorLevels = [][]string{
	{"\n\n"},
	{"\n"},
	{". ", "! ", "? "},
	{" "},
}

// Chunker 把文本切成不超过 chunkSize 个 rune 的分块。
// 唯一的例外是纯空白的窗口：它会并入相邻分块，保证全文可还原。
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// New 创建 Chunker，chunkOverlap 必须在 [0, chunkSize) 内。
func New(chunkSize, chunkOverlap int) (*Chunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", model.ErrInvalidArgument, chunkSize)
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("%w: chunk overlap must be in [0, %d), got %d", model.ErrInvalidArgument, chunkSize, chunkOverlap)
	}
	return &Chunker{chunkSize: chunkSize, chunkOverlap: chunkOverlap}, nil
}

func (c *Chunker) ChunkSize() int { return c.chunkSize }

func (c *Chunker) ChunkOverlap() int { return c.chunkOverlap }

type span struct {
	start, end int
}

func (s span) len() int { return s.end - s.start }

// Split 切分文本，分块编号为 0..n-1。
func (c *Chunker) Split(documentID, text string) ([]model.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is empty or whitespace only", model.ErrEmptyInput)
	}

	runes := []rune(text)
	var spans []span
	whole := span{0, len(runes)}
	if whole.len() <= c.chunkSize {
		spans = []span{whole}
	} else {
		spans = c.split(runes, whole, 0)
	}

	spans = foldBlank(runes, spans)
	chunks := make([]model.Chunk, 0, len(spans))
	for _, s := range spans {
		piece := string(runes[s.start:s.end])
		chunks = append(chunks, model.Chunk{
			DocumentID: documentID,
			ChunkIndex: len(chunks),
			Text:       piece,
			Start:      s.start,
			End:        s.end,
		})
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: splitting produced no chunks", model.ErrEmptyInput)
	}
	return chunks, nil
}

// split 在指定层级的分隔符处切开 s 并合并成窗口，仍然过长的片段递归到下一层。
func (c *Chunker) split(runes []rune, s span, level int) []span {
	var pieces []span
	if level >= len(separatorLevels) {
		pieces = make([]span, 0, s.len())
		for i := s.start; i < s.end; i++ {
			pieces = append(pieces, span{i, i + 1})
		}
	} else {
		pieces = cutAfter(runes, s, separatorLevels[level])
		if len(pieces) <= 1 {
			return c.split(runes, s, level+1)
		}
	}

	var out, good []span
	for _, p := range pieces {
		if p.len() <= c.chunkSize {
			good = append(good, p)
			continue
		}
		if len(good) > 0 {
			out = append(out, c.merge(good)...)
			good = nil
		}
		out = append(out, c.split(runes, p, level+1)...)
	}
	if len(good) > 0 {
		out = append(out, c.merge(good)...)
	}
	return out
}

// merge 把连续片段装入不超过 chunkSize 的窗口。
// 每输出一个窗口，其末尾总长不超过 chunkOverlap 的片段会带入下一个窗口。
func (c *Chunker) merge(pieces []span) []span {
	var out, window []span
	total := 0
	for _, p := range pieces {
		l := p.len()
		if total+l > c.chunkSize && len(window) > 0 {
			out = append(out, span{window[0].start, window[len(window)-1].end})
			for total > c.chunkOverlap || (total+l > c.chunkSize && total > 0) {
				total -= window[0].len()
				window = window[1:]
			}
		}
		window = append(window, p)
		total += l
	}
	if len(window) > 0 {
		out = append(out, span{window[0].start, window[len(window)-1].end})
	}
	return out
}

// cutAfter 在每个分隔符之后切开 s。纯空白片段并入相邻片段。
func cutAfter(runes []rune, s span, seps []string) []span {
	text := string(runes[s.start:s.end])
	var pieces []span
	pos := s.start
	byteOff := 0
	for byteOff < len(text) {
		idx, sepLen := nextSeparator(text[byteOff:], seps)
		if idx < 0 {
			break
		}
		cut := byteOff + idx + sepLen
		end := pos + utf8.RuneCountInString(text[byteOff:cut])
		pieces = appendPiece(pieces, span{pos, end}, runes)
		pos = end
		byteOff = cut
	}
	if pos < s.end {
		pieces = appendPiece(pieces, span{pos, s.end}, runes)
	}
	if len(pieces) > 1 && isBlank(runes, pieces[0]) {
		pieces[1].start = pieces[0].start
		pieces = pieces[1:]
	}
	return pieces
}

// foldBlank 把纯空白窗口并入前一个分块的区间；开头的空白窗口并入第一个非空分块。
func foldBlank(runes []rune, spans []span) []span {
	kept := make([]span, 0, len(spans))
	leading := -1
	for _, s := range spans {
		if isBlank(runes, s) {
			if n := len(kept); n > 0 {
				if s.end > kept[n-1].end {
					kept[n-1].end = s.end
				}
			} else if leading < 0 {
				leading = s.start
			}
			continue
		}
		if leading >= 0 && leading < s.start {
			s.start = leading
		}
		leading = -1
		kept = append(kept, s)
	}
	return kept
}

func appendPiece(pieces []span, p span, runes []rune) []span {
	if len(pieces) > 0 && isBlank(runes, p) {
		pieces[len(pieces)-1].end = p.end
		return pieces
	}
	return append(pieces, p)
}

func nextSeparator(text string, seps []string) (int, int) {
	best, bestLen := -1, 0
	for _, sep := range seps {
		if i := strings.Index(text, sep); i >= 0 && (best < 0 || i < best) {
			best, bestLen = i, len(sep)
		}
	}
	return best, bestLen
}

func isBlank(runes []rune, s span) bool {
	return strings.TrimSpace(string(runes[s.start:s.end])) == ""
}

// Reconstruct 去掉每个分块与前一块重叠的前缀，拼回原文。
func Reconstruct(chunks []model.Chunk) string {
	var b strings.Builder
	pos := 0
	for _, ch := range chunks {
		r := []rune(ch.Text)
		skip := pos - ch.Start
		if skip < 0 {
			skip = 0
		}
		if skip < len(r) {
			b.WriteString(string(r[skip:]))
		}
		if ch.End > pos {
			pos = ch.End
		}
	}
	return b.String()
}

// TokenEstimate 按 ceil(runes/4) 估算 token 数。
func TokenEstimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
