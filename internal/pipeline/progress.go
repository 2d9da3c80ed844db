package pipeline

// 各阶段的进度带。进度由计数推导，不做时间估算。
const (
	progressQueued        = 0
	progressChunking      = 5
	progressQueuingChunks = 10
	progressChunksBase    = 15 // PROCESSING_CHUNKS 阶段起点
	progressChunksSpan    = 70 // 15–85 线性区间
	progressSaving        = 85
	progressCompleted     = 100
)

// chunkProgress 根据原子自增返回的 processed 计算 PROCESSING_CHUNKS
// 阶段的进度。入参必须来自自增操作本身的返回值，绝不能用
// 应用内存里缓存的计数——多个分块 worker 在并发更新它。
func chunkProgress(processed, total int) int {
	if total <= 0 {
		return progressChunksBase
	}
	if processed < 0 {
		processed = 0
	}
	if processed > total {
		processed = total
	}
	return progressChunksBase + processed*progressChunksSpan/total
}
