package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"remevi-go/internal/chunker"
	"remevi-go/internal/config"
	"remevi-go/internal/model"
	"remevi-go/internal/partcodec"
	"remevi-go/internal/repository"
	"remevi-go/pkg/genai"
	"remevi-go/pkg/log"
	"remevi-go/pkg/tasks"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestMain(m *testing.M) {
	log.InitNop()
	os.Exit(m.Run())
}

// ---- 测试替身 ----

type fakeSplitter struct {
	chunks []chunker.Chunk
	err    error
}

func (f *fakeSplitter) Split(ctx context.Context, doc []byte, start, end int) ([]chunker.Chunk, error) {
	return f.chunks, f.err
}

type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) FetchObject(ctx context.Context, objectName string) ([]byte, error) {
	return f.data, f.err
}

// fakeExtractor 把分块字节原样作为文本返回，便于断言生成端拿到的内容。
type fakeExtractor struct{ err error }

func (f *fakeExtractor) ExtractText(data []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return string(data), nil
}

type fakeGenerator struct {
	mu         sync.Mutex
	result     *genai.StudyContentResult
	err        error
	mindMap    *genai.MindMapResult
	mindMapErr error
	texts      []string
}

func (f *fakeGenerator) GenerateStudyContent(ctx context.Context, text, difficultyPrompt, model string) (*genai.StudyContentResult, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeGenerator) GenerateMindMap(ctx context.Context, content, model string) (*genai.MindMapResult, error) {
	if f.mindMapErr != nil {
		return nil, f.mindMapErr
	}
	return f.mindMap, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	envs []tasks.Envelope
	err  error
}

func (f *fakePublisher) PublishWithRetry(ctx context.Context, env tasks.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.envs = append(f.envs, env)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) published() []tasks.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tasks.Envelope(nil), f.envs...)
}

// ---- 测试环境 ----

type testEnv struct {
	db          *gorm.DB
	deckRepo    repository.DeckRepository
	partRepo    repository.PartRepository
	contentRepo repository.ContentRepository
	matRepo     repository.MaterialRepository
	split       *fakeSplitter
	fetch       *fakeFetcher
	gen         *fakeGenerator
	pub         *fakePublisher
	proc        *Processor
	deck        *model.Deck
}

func defaultResult() *genai.StudyContentResult {
	return &genai.StudyContentResult{
		Summary:    "summary",
		Flashcards: []genai.Flashcard{{Front: "f", Back: "b"}},
		MCQs:       []genai.MCQ{{Question: "q", Options: []string{"a", "b"}, CorrectIndex: 1, Explanation: "e"}},
		FRQs:       []genai.FRQ{{Question: "q", Answer: "a"}},
		Category:   "Biology",
	}
}

func defaultConfig() config.PipelineConfig {
	return config.PipelineConfig{
		ChunkPages:        5,
		PartSizeLimit:     500 * 1024,
		InlineMaxChunks:   2,
		PublishMaxRetries: 3,
		PersistMaxRetries: 2,
	}
}

func newTestEnv(t *testing.T, cfg config.PipelineConfig) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&model.Deck{}, &model.StudyMaterial{}, &model.ChunkPart{},
		&model.ChunkCompletion{}, &model.StudyContent{}, &model.DeckContent{},
	))

	env := &testEnv{
		db:          db,
		deckRepo:    repository.NewDeckRepository(db, nil),
		partRepo:    repository.NewPartRepository(db),
		contentRepo: repository.NewContentRepository(db),
		matRepo:     repository.NewMaterialRepository(db),
		split:       &fakeSplitter{},
		fetch:       &fakeFetcher{data: []byte("%PDF-1.4 fake")},
		gen:         &fakeGenerator{result: defaultResult(), mindMap: &genai.MindMapResult{}},
		pub:         &fakePublisher{},
	}
	env.proc = NewProcessor(
		env.split, env.fetch, &fakeExtractor{}, env.gen, env.pub, nil,
		env.deckRepo, env.partRepo, env.contentRepo, env.matRepo, cfg,
	)

	material := &model.StudyMaterial{FileName: "lecture.pdf", FilePath: "uploads/lecture.pdf", Status: model.MaterialStatusProcessing}
	require.NoError(t, db.Create(material).Error)
	env.deck = &model.Deck{StudyMaterialID: material.ID, Title: "测试牌组", ProcessingStage: model.StageQueued}
	require.NoError(t, db.Create(env.deck).Error)
	return env
}

func (e *testEnv) startTask() tasks.StartTask {
	return tasks.StartTask{
		DeckID:          e.deck.ID,
		StudyMaterialID: e.deck.StudyMaterialID,
		FilePath:        "uploads/lecture.pdf",
		AIModel:         "test-model",
		Difficulty:      genai.DifficultyMedium,
	}
}

func mustEnvelope(t *testing.T, kind string, payload interface{}) tasks.Envelope {
	t.Helper()
	env, err := tasks.NewEnvelope("job-1", kind, payload)
	require.NoError(t, err)
	return env
}

func (e *testEnv) reloadDeck(t *testing.T) *model.Deck {
	t.Helper()
	deck, err := e.deckRepo.GetDeck(context.Background(), e.deck.ID)
	require.NoError(t, err)
	return deck
}

func (e *testEnv) materialStatus(t *testing.T) string {
	t.Helper()
	material, err := e.matRepo.GetMaterial(context.Background(), e.deck.StudyMaterialID)
	require.NoError(t, err)
	return material.Status
}

func makeChunks(datas ...string) []chunker.Chunk {
	chunks := make([]chunker.Chunk, 0, len(datas))
	for i, d := range datas {
		chunks = append(chunks, chunker.Chunk{Index: i, PageStart: i*5 + 1, PageEnd: i*5 + 5, Data: []byte(d)})
	}
	return chunks
}

// ---- start 任务 ----

func TestStartFansOutChunkPartTasks(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.split.chunks = makeChunks("alpha", "beta", "gamma")

	err := env.proc.Process(context.Background(), mustEnvelope(t, tasks.KindStart, env.startTask()))
	require.NoError(t, err)

	envs := env.pub.published()
	require.Len(t, envs, 3)
	for i, e := range envs {
		require.Equal(t, tasks.KindChunkPart, e.Kind)
		var task tasks.ChunkPartTask
		require.NoError(t, json.Unmarshal(e.Payload, &task))
		require.Equal(t, i, task.ChunkIndex)
		require.Equal(t, 3, task.TotalChunks)
		require.Equal(t, 1, task.TotalParts)
		// 单分片退化为非分片变体
		require.NotEmpty(t, task.Chunk)
		require.Empty(t, task.ChunkPart)
		decoded, err := partcodec.Decode(task.Chunk)
		require.NoError(t, err)
		require.Equal(t, env.split.chunks[i].Data, decoded)
	}
	require.True(t, envs[2].Kind == tasks.KindChunkPart)
	var last tasks.ChunkPartTask
	require.NoError(t, json.Unmarshal(envs[2].Payload, &last))
	require.True(t, last.IsLastChunk)

	deck := env.reloadDeck(t)
	require.Equal(t, model.StageProcessingChunks, deck.ProcessingStage)
	require.Equal(t, 15, deck.ProcessingProgress)
	require.Equal(t, 3, deck.TotalChunks)
	require.True(t, deck.IsProcessing)
}

func TestStartSplitsOversizedChunksIntoParts(t *testing.T) {
	cfg := defaultConfig()
	cfg.PartSizeLimit = 8
	cfg.InlineMaxChunks = 0
	env := newTestEnv(t, cfg)
	env.split.chunks = makeChunks("this chunk is longer than eight bytes")

	err := env.proc.Process(context.Background(), mustEnvelope(t, tasks.KindStart, env.startTask()))
	require.NoError(t, err)

	envs := env.pub.published()
	require.Greater(t, len(envs), 1)

	indexed := make([]partcodec.IndexedPart, 0, len(envs))
	for _, e := range envs {
		var task tasks.ChunkPartTask
		require.NoError(t, json.Unmarshal(e.Payload, &task))
		require.Empty(t, task.Chunk)
		require.NotEmpty(t, task.ChunkPart)
		require.Equal(t, len(envs), task.TotalParts)
		indexed = append(indexed, partcodec.IndexedPart{Index: task.PartIndex, Data: task.ChunkPart})
	}
	decoded, err := partcodec.Decode(partcodec.Join(indexed))
	require.NoError(t, err)
	require.Equal(t, env.split.chunks[0].Data, decoded)
}

func TestStartRunsSmallDocumentsInline(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.split.chunks = makeChunks("alpha", "beta")

	err := env.proc.Process(context.Background(), mustEnvelope(t, tasks.KindStart, env.startTask()))
	require.NoError(t, err)

	// 生成端按顺序拿到两个分块的文本
	require.Equal(t, []string{"alpha", "beta"}, env.gen.texts)

	deck := env.reloadDeck(t)
	require.Equal(t, model.StageCompleted, deck.ProcessingStage)
	require.Equal(t, 100, deck.ProcessingProgress)
	require.Equal(t, 2, deck.ProcessedChunks)
	require.False(t, deck.IsProcessing)
	require.Equal(t, model.MaterialStatusCompleted, env.materialStatus(t))

	// 每个分块 3 条内容
	count, err := env.contentRepo.CountByDeck(context.Background(), env.deck.ID)
	require.NoError(t, err)
	require.EqualValues(t, 6, count)

	// 内联路径只发布 enrich 任务
	envs := env.pub.published()
	require.Len(t, envs, 1)
	require.Equal(t, tasks.KindEnrich, envs[0].Kind)
}

func TestStartFailsDeckWhenSplitFails(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.split.err = context.DeadlineExceeded

	err := env.proc.Process(context.Background(), mustEnvelope(t, tasks.KindStart, env.startTask()))
	require.NoError(t, err)

	deck := env.reloadDeck(t)
	require.Equal(t, model.StageError, deck.ProcessingStage)
	require.Contains(t, deck.ErrorMessage, "文档切分失败")
	require.False(t, deck.IsProcessing)
	require.Equal(t, model.MaterialStatusError, env.materialStatus(t))
	require.Empty(t, env.pub.published())
}

func TestStartIgnoredOnTerminalDeck(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	require.NoError(t, env.deckRepo.Finalize(context.Background(), env.deck.ID, model.StageCompleted, 100))

	err := env.proc.Process(context.Background(), mustEnvelope(t, tasks.KindStart, env.startTask()))
	require.NoError(t, err)

	require.Empty(t, env.pub.published())
	deck := env.reloadDeck(t)
	require.Equal(t, model.StageCompleted, deck.ProcessingStage)
}

func TestStartReplayIgnoredWhileProcessingChunks(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	require.NoError(t, env.deckRepo.SetTotalChunks(ctx, env.deck.ID, 3))
	require.NoError(t, env.deckRepo.UpdateStage(ctx, env.deck.ID, model.StageProcessingChunks, 15))

	err := env.proc.Process(ctx, mustEnvelope(t, tasks.KindStart, env.startTask()))
	require.NoError(t, err)
	require.Empty(t, env.pub.published())
}

func TestStartRejectsMalformedPayload(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	err := env.proc.Process(context.Background(), tasks.Envelope{
		JobID:   "bad",
		Kind:    tasks.KindStart,
		Payload: json.RawMessage(`{"deckId":"not-a-number"}`),
	})
	require.NoError(t, err)
	require.Empty(t, env.pub.published())
}

// ---- chunk-part 任务 ----

// prepareProcessingDeck 把牌组推进到分块处理中的状态。
func prepareProcessingDeck(t *testing.T, env *testEnv, totalChunks int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.deckRepo.SetTotalChunks(ctx, env.deck.ID, totalChunks))
	require.NoError(t, env.deckRepo.UpdateStage(ctx, env.deck.ID, model.StageProcessingChunks, 15))
}

func chunkPartTask(env *testEnv, totalChunks, chunkIndex int) tasks.ChunkPartTask {
	return tasks.ChunkPartTask{
		DeckID:           env.deck.ID,
		StudyMaterialID:  env.deck.StudyMaterialID,
		ChunkIndex:       chunkIndex,
		TotalChunks:      totalChunks,
		DifficultyPrompt: genai.DifficultyPrompt(genai.DifficultyMedium),
		Difficulty:       genai.DifficultyMedium,
		AIModel:          "test-model",
		IsLastChunk:      chunkIndex == totalChunks-1,
	}
}

func TestChunkPartsAssembleOutOfOrder(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	prepareProcessingDeck(t, env, 1)
	ctx := context.Background()

	original := []byte("the quick brown fox jumps over the lazy dog")
	parts := partcodec.Split(partcodec.Encode(original), 16)
	require.Greater(t, len(parts), 2)

	// 逆序投递：最后一个分片先到
	for i := len(parts) - 1; i >= 0; i-- {
		task := chunkPartTask(env, 1, 0)
		task.PartIndex = i
		task.TotalParts = len(parts)
		task.ChunkPart = parts[i]
		require.NoError(t, env.proc.Process(ctx, mustEnvelope(t, tasks.KindChunkPart, task)))

		if i > 0 {
			// 未凑齐之前不触发生成
			require.Empty(t, env.gen.texts)
		}
	}

	// 重组后的文本与原始分块一致
	require.Equal(t, []string{string(original)}, env.gen.texts)

	deck := env.reloadDeck(t)
	require.Equal(t, model.StageCompleted, deck.ProcessingStage)
	require.Equal(t, 100, deck.ProcessingProgress)

	// 分片暂存已清空
	count, err := env.partRepo.Count(ctx, env.deck.ID, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
}

func TestChunkPartSingleVariantSkipsStaging(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	prepareProcessingDeck(t, env, 2)
	ctx := context.Background()

	task := chunkPartTask(env, 2, 0)
	task.TotalParts = 1
	task.Chunk = partcodec.Encode([]byte("inline chunk"))
	require.NoError(t, env.proc.Process(ctx, mustEnvelope(t, tasks.KindChunkPart, task)))

	require.Equal(t, []string{"inline chunk"}, env.gen.texts)

	// 第一个分块完成：进度进入 15-85 区间中点
	deck := env.reloadDeck(t)
	require.Equal(t, model.StageProcessingChunks, deck.ProcessingStage)
	require.Equal(t, 1, deck.ProcessedChunks)
	require.Equal(t, 50, deck.ProcessingProgress)

	count, err := env.partRepo.Count(ctx, env.deck.ID, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
}

func TestChunkPartEmptyGenerationFailsDeck(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	prepareProcessingDeck(t, env, 1)
	env.gen.result = &genai.StudyContentResult{Summary: "nothing"}

	task := chunkPartTask(env, 1, 0)
	task.TotalParts = 1
	task.Chunk = partcodec.Encode([]byte("void"))
	require.NoError(t, env.proc.Process(context.Background(), mustEnvelope(t, tasks.KindChunkPart, task)))

	deck := env.reloadDeck(t)
	require.Equal(t, model.StageError, deck.ProcessingStage)
	require.Contains(t, deck.ErrorMessage, "分块 0")
	require.Equal(t, model.MaterialStatusError, env.materialStatus(t))
	require.Empty(t, env.pub.published())
}

func TestChunkPartIgnoredOnTerminalDeck(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	require.NoError(t, env.deckRepo.MarkError(context.Background(), env.deck.ID, "前序失败"))

	task := chunkPartTask(env, 1, 0)
	task.TotalParts = 1
	task.Chunk = partcodec.Encode([]byte("late"))
	require.NoError(t, env.proc.Process(context.Background(), mustEnvelope(t, tasks.KindChunkPart, task)))

	// 终态牌组上的迟到分块不触发任何处理
	require.Empty(t, env.gen.texts)
	deck := env.reloadDeck(t)
	require.Equal(t, model.StageError, deck.ProcessingStage)
}

// failingContentRepo 模拟持久化层持续故障。
type failingContentRepo struct{ calls int }

func (f *failingContentRepo) SaveChunkContent(ctx context.Context, deckID uint, items []model.StudyContent) ([]model.StudyContent, error) {
	f.calls++
	return nil, context.DeadlineExceeded
}

func (f *failingContentRepo) FindByMaterial(ctx context.Context, studyMaterialID uint) ([]model.StudyContent, error) {
	return nil, nil
}

func (f *failingContentRepo) CountByDeck(ctx context.Context, deckID uint) (int64, error) {
	return 0, nil
}

func TestPersistenceExhaustionDegradesToPartialCompletion(t *testing.T) {
	restore := persistBackoffBase
	persistBackoffBase = time.Millisecond
	defer func() { persistBackoffBase = restore }()

	cfg := defaultConfig()
	env := newTestEnv(t, cfg)
	failing := &failingContentRepo{}
	env.proc = NewProcessor(
		env.split, env.fetch, &fakeExtractor{}, env.gen, env.pub, nil,
		env.deckRepo, env.partRepo, failing, env.matRepo, cfg,
	)
	prepareProcessingDeck(t, env, 1)

	task := chunkPartTask(env, 1, 0)
	task.TotalParts = 1
	task.Chunk = partcodec.Encode([]byte("doomed"))
	require.NoError(t, env.proc.Process(context.Background(), mustEnvelope(t, tasks.KindChunkPart, task)))

	require.Equal(t, cfg.PersistMaxRetries, failing.calls)

	deck := env.reloadDeck(t)
	require.Equal(t, model.StagePartialCompletion, deck.ProcessingStage)
	require.False(t, deck.IsProcessing)
	// 进度冻结在失败时的值，不强行拉到 100
	require.Equal(t, 15, deck.ProcessingProgress)
	// 分块仍计入已处理，牌组才能收尾
	require.Equal(t, 1, deck.ProcessedChunks)
	// 部分完成不触发富化
	require.Empty(t, env.pub.published())
	require.Equal(t, model.MaterialStatusCompleted, env.materialStatus(t))
}

// flakyContentRepo 只对指定分块的落库持续失败，其余分块走真实实现。
type flakyContentRepo struct {
	repository.ContentRepository
	failChunk int
}

func (f *flakyContentRepo) SaveChunkContent(ctx context.Context, deckID uint, items []model.StudyContent) ([]model.StudyContent, error) {
	if len(items) > 0 && items[0].ChunkIndex == f.failChunk {
		return nil, context.DeadlineExceeded
	}
	return f.ContentRepository.SaveChunkContent(ctx, deckID, items)
}

func TestPartialCompletionPreservesSurvivingChunks(t *testing.T) {
	restore := persistBackoffBase
	persistBackoffBase = time.Millisecond
	defer func() { persistBackoffBase = restore }()

	cfg := defaultConfig()
	env := newTestEnv(t, cfg)
	flaky := &flakyContentRepo{ContentRepository: env.contentRepo, failChunk: 0}
	env.proc = NewProcessor(
		env.split, env.fetch, &fakeExtractor{}, env.gen, env.pub, nil,
		env.deckRepo, env.partRepo, flaky, env.matRepo, cfg,
	)
	prepareProcessingDeck(t, env, 2)
	ctx := context.Background()

	// 分块 0 落库重试耗尽，牌组被中途标记为部分完成
	task0 := chunkPartTask(env, 2, 0)
	task0.TotalParts = 1
	task0.Chunk = partcodec.Encode([]byte("chunk zero"))
	require.NoError(t, env.proc.Process(ctx, mustEnvelope(t, tasks.KindChunkPart, task0)))

	deck := env.reloadDeck(t)
	require.Equal(t, model.StagePartialCompletion, deck.ProcessingStage)
	// 中途标记不是收束：is_processing 还在，等剩余分块
	require.True(t, deck.IsProcessing)
	require.Equal(t, 1, deck.ProcessedChunks)

	// 分块 1 必须照常生成并落库，只有分块 0 自己的内容丢失
	task1 := chunkPartTask(env, 2, 1)
	task1.TotalParts = 1
	task1.Chunk = partcodec.Encode([]byte("chunk one"))
	require.NoError(t, env.proc.Process(ctx, mustEnvelope(t, tasks.KindChunkPart, task1)))

	require.Equal(t, []string{"chunk zero", "chunk one"}, env.gen.texts)

	count, err := env.contentRepo.CountByDeck(ctx, env.deck.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	// 最后一个分块完成后牌组以部分完成收束，进度冻结
	deck = env.reloadDeck(t)
	require.Equal(t, model.StagePartialCompletion, deck.ProcessingStage)
	require.False(t, deck.IsProcessing)
	require.Equal(t, 2, deck.ProcessedChunks)
	require.Equal(t, 50, deck.ProcessingProgress)
	require.Empty(t, env.pub.published())
	require.Equal(t, model.MaterialStatusCompleted, env.materialStatus(t))
}

func TestDuplicateChunkDeliveryCountsOnce(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	prepareProcessingDeck(t, env, 2)
	ctx := context.Background()

	task := chunkPartTask(env, 2, 0)
	task.TotalParts = 1
	task.Chunk = partcodec.Encode([]byte("dup chunk"))

	// 同一条非分片消息投递两次
	require.NoError(t, env.proc.Process(ctx, mustEnvelope(t, tasks.KindChunkPart, task)))
	require.NoError(t, env.proc.Process(ctx, mustEnvelope(t, tasks.KindChunkPart, task)))

	// 第二次投递不触发生成，也不重复计数
	require.Equal(t, []string{"dup chunk"}, env.gen.texts)

	deck := env.reloadDeck(t)
	require.Equal(t, model.StageProcessingChunks, deck.ProcessingStage)
	require.Equal(t, 1, deck.ProcessedChunks)

	count, err := env.contentRepo.CountByDeck(ctx, env.deck.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)
}

// ---- enrich 任务 ----

func seedContents(t *testing.T, env *testEnv) {
	t.Helper()
	_, err := env.contentRepo.SaveChunkContent(context.Background(), env.deck.ID, []model.StudyContent{
		{StudyMaterialID: env.deck.StudyMaterialID, Type: model.ContentTypeFlashcard, Question: "什么是细胞膜", Answer: "磷脂双分子层", ChunkIndex: 0},
	})
	require.NoError(t, err)
}

func TestEnrichAttachesMindMap(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	seedContents(t, env)
	env.gen.mindMap = &genai.MindMapResult{
		Nodes:       []genai.MindMapNode{{ID: "n1", Label: "细胞膜"}, {ID: "n2", Label: "磷脂"}},
		Connections: []genai.MindMapConnection{{Source: "n1", Target: "n2", Label: "组成"}},
		Category:    "Biology",
	}

	task := tasks.EnrichTask{DeckID: env.deck.ID, StudyMaterialID: env.deck.StudyMaterialID, AIModel: "test-model"}
	require.NoError(t, env.proc.Process(context.Background(), mustEnvelope(t, tasks.KindEnrich, task)))

	deck := env.reloadDeck(t)
	require.Equal(t, "Biology", deck.Category)

	var mindMap struct {
		Nodes       []genai.MindMapNode       `json:"nodes"`
		Connections []genai.MindMapConnection `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(deck.MindMap, &mindMap))
	require.Len(t, mindMap.Nodes, 2)
	require.Len(t, mindMap.Connections, 1)
}

func TestEnrichFailureIsNonFatal(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	seedContents(t, env)
	require.NoError(t, env.deckRepo.Finalize(context.Background(), env.deck.ID, model.StageCompleted, 100))
	env.gen.mindMapErr = context.DeadlineExceeded

	task := tasks.EnrichTask{DeckID: env.deck.ID, StudyMaterialID: env.deck.StudyMaterialID}
	require.NoError(t, env.proc.Process(context.Background(), mustEnvelope(t, tasks.KindEnrich, task)))

	// 牌组保持 COMPLETED，概念图保持为空
	deck := env.reloadDeck(t)
	require.Equal(t, model.StageCompleted, deck.ProcessingStage)
	require.Empty(t, deck.Category)
	require.Empty(t, []byte(deck.MindMap))
}

func TestEnrichSkipsWhenNoContent(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	task := tasks.EnrichTask{DeckID: env.deck.ID, StudyMaterialID: env.deck.StudyMaterialID}
	require.NoError(t, env.proc.Process(context.Background(), mustEnvelope(t, tasks.KindEnrich, task)))

	deck := env.reloadDeck(t)
	require.Empty(t, []byte(deck.MindMap))
}

// ---- 进度推导 ----

func TestChunkProgressBands(t *testing.T) {
	cases := []struct {
		processed, total, want int
	}{
		{0, 10, 15},
		{5, 10, 50},
		{10, 10, 85},
		{1, 3, 38},
		{0, 0, 15},   // 防御：无分块时停在起点
		{12, 10, 85}, // 超界钳制
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, chunkProgress(tc.processed, tc.total),
			"chunkProgress(%d, %d)", tc.processed, tc.total)
	}
}
