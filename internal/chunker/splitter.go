// Package chunker 将源文档按固定页数切分为独立的 PDF 分块。
package chunker

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// pageRange 是一个 1 起始的闭区间页码范围。
type pageRange struct {
	Start int
	End   int
}

// Chunk 是一个可独立生成的文档分块。
type Chunk struct {
	Index     int    // 分块序号，0 起始
	PageStart int    // 分块包含的起始页（1 起始）
	PageEnd   int    // 分块包含的结束页（含）
	Data      []byte // 仅含该页码范围的独立 PDF
}

// Splitter 按固定页数切分 PDF 文档。
type Splitter struct {
	chunkPages int
	conf       *pdfmodel.Configuration
}

// NewSplitter 创建一个切分器。chunkPages 为每个分块的页数。
func NewSplitter(chunkPages int) *Splitter {
	if chunkPages <= 0 {
		chunkPages = 5
	}
	conf := pdfmodel.NewDefaultConfiguration()
	// 来源不可控的上传文件，放宽校验以提高解析成功率
	conf.ValidationMode = pdfmodel.ValidationRelaxed
	return &Splitter{chunkPages: chunkPages, conf: conf}
}

// Split 把文档的指定页码区间切分为连续的分块。
// start/end 为 1 起始的闭区间；两者均为 0 表示整个文档。
// 任何页面提取失败都会让整个任务在分发前中止。
func (s *Splitter) Split(ctx context.Context, doc []byte, start, end int) ([]Chunk, error) {
	totalPages, err := api.PageCount(bytes.NewReader(doc), s.conf)
	if err != nil {
		return nil, fmt.Errorf("读取 PDF 页数失败: %w", err)
	}
	if totalPages == 0 {
		return nil, fmt.Errorf("文档不包含任何页面")
	}

	ranges, err := splitPageRanges(totalPages, start, end, s.chunkPages)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(ranges))
	for i, pr := range ranges {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var buf bytes.Buffer
		selected := []string{fmt.Sprintf("%d-%d", pr.Start, pr.End)}
		if err := api.Trim(bytes.NewReader(doc), &buf, selected, s.conf); err != nil {
			return nil, fmt.Errorf("提取第 %d-%d 页失败: %w", pr.Start, pr.End, err)
		}
		chunks = append(chunks, Chunk{
			Index:     i,
			PageStart: pr.Start,
			PageEnd:   pr.End,
			Data:      buf.Bytes(),
		})
	}
	return chunks, nil
}

// splitPageRanges 把 [start, end] 页码区间切成每组 perChunk 页的连续分组，
// 最后一组可以更短。start/end 为 0 时取整个文档。
func splitPageRanges(totalPages, start, end, perChunk int) ([]pageRange, error) {
	if start == 0 {
		start = 1
	}
	if end == 0 {
		end = totalPages
	}
	if start < 1 || end > totalPages || start > end {
		return nil, fmt.Errorf("页码区间 [%d, %d] 非法 (文档共 %d 页)", start, end, totalPages)
	}

	var ranges []pageRange
	for from := start; from <= end; from += perChunk {
		to := from + perChunk - 1
		if to > end {
			to = end
		}
		ranges = append(ranges, pageRange{Start: from, End: to})
	}
	return ranges, nil
}
