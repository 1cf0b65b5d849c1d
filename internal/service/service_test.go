package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"travel-vault/internal/chunker"
	"travel-vault/internal/config"
	"travel-vault/internal/extractor"
	"travel-vault/internal/index"
	"travel-vault/internal/model"
	"travel-vault/internal/pipeline"
	"travel-vault/internal/repository"
	"travel-vault/pkg/embedding"
	"travel-vault/pkg/llm"
	"travel-vault/pkg/storage"
	"travel-vault/pkg/tasks"
)

type fakeLLM struct {
	calls  atomic.Int32
	err    error
	text   string
	tokens int
	mu     sync.Mutex
	user   string
}

func (f *fakeLLM) Complete(_ context.Context, _, user string) (*llm.Completion, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.user = user
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Text: f.text, TotalTokens: f.tokens}, nil
}

type failingEmbedder struct{ err error }

func (f failingEmbedder) Embed(context.Context, string) ([]float32, error) { return nil, f.err }

type fakePublisher struct {
	mu   sync.Mutex
	sent []tasks.IngestTask
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, task tasks.IngestTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, task)
	return nil
}

type vault struct {
	store     *index.Store
	ingest    IngestService
	retrieval RetrievalService
	answer    AnswerService
	llm       *fakeLLM
	docs      repository.DocumentRepository
	publisher *fakePublisher
}

func newVault(t *testing.T, embedder embedding.Embedder) *vault {
	t.Helper()
	dir := t.TempDir()

	store, err := index.OpenStore(filepath.Join(dir, "index", "vault.idx"))
	require.NoError(t, err)
	uploads, err := storage.NewLocalStore(filepath.Join(dir, "uploads"))
	require.NoError(t, err)
	chk, err := chunker.New(chunker.DefaultChunkSize, chunker.DefaultChunkOverlap)
	require.NoError(t, err)
	if embedder == nil {
		embedder = embedding.NewHashEmbedder(256)
	}

	processor := pipeline.NewProcessor(uploads, extractor.New(), chk, embedder, store, 4)
	docs := repository.NewMemoryDocumentRepository()
	publisher := &fakePublisher{}
	fake := &fakeLLM{text: "Take tram 28 [Source 1].", tokens: 42}
	retrieval := NewRetrievalService(embedder, store, config.VaultConfig{OverFetchFactor: 3, DefaultTopK: 3})

	return &vault{
		store:     store,
		ingest:    NewIngestService(processor, store, uploads, docs, repository.NewMemoryIngestStatusRepository(), publisher),
		retrieval: retrieval,
		answer:    NewAnswerService(retrieval, fake, ""),
		llm:       fake,
		docs:      docs,
		publisher: publisher,
	}
}

func textRequest(user, doc, title, text string) model.IngestRequest {
	return model.IngestRequest{
		DocumentID:  doc,
		UserID:      user,
		Title:       title,
		FileName:    doc + ".txt",
		ContentType: "text/plain",
		Data:        []byte(text),
	}
}

// paragraph pads lead with filler words to exactly n runes, ending in a blank line.
func paragraph(lead, filler string, n int) string {
	var b strings.Builder
	b.WriteString(lead)
	for b.Len() < n {
		b.WriteString(" ")
		b.WriteString(filler)
	}
	return b.String()[:n-2] + "\n\n"
}

func TestIngest_ThreePageScenario(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()

	var b strings.Builder
	for i := 0; i < 9; i++ {
		lead := fmt.Sprintf("page%d section%d", i/3, i)
		filler := fmt.Sprintf("filler%d", i)
		if i == 6 || i == 7 {
			filler = "funicular lavra viewpoint miradouro"
		}
		b.WriteString(paragraph(lead, filler, 400))
	}
	text := b.String()
	require.Len(t, text, 3600)

	res, err := v.ingest.Ingest(ctx, textRequest("alice", "lisbon", "Lisbon guide", text))
	require.NoError(t, err)
	assert.Equal(t, 5, res.ChunkCount)
	assert.Equal(t, 900, res.TokenEstimate)
	assert.Equal(t, "lisbon", res.DocumentID)
	assert.Equal(t, pipeline.IngestedMessage, res.Message)

	chunks, err := v.retrieval.Retrieve(ctx, "funicular lavra viewpoint miradouro", "alice", 5)
	require.NoError(t, err)
	require.Len(t, chunks, 5)
	assert.Equal(t, 3, chunks[0].ChunkIndex)
	for _, ch := range chunks[1:] {
		assert.Less(t, chunks[0].RelevanceScore, ch.RelevanceScore)
	}

	doc, err := v.docs.FindByOwner("alice", "lisbon")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentIndexed, doc.Status)
	assert.Equal(t, 5, doc.ChunkCount)
}

func TestRetrieve_SelfQueryRanksOwnDocumentFirst(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()

	docs := map[string]string{
		"kyoto":     "Kyoto temples Fushimi Inari gates at dawn, Kinkakuji golden pavilion and matcha in Uji.",
		"reykjavik": "Reykjavik northern lights tours, Blue Lagoon geothermal spa and the Golden Circle drive.",
		"marrakech": "Marrakech souks in the medina, Jemaa el-Fnaa night market and riad courtyards with tagine.",
		"patagonia": "Patagonia trekking in Torres del Paine, glacier Perito Moreno and windy campsites near El Chalten.",
	}
	for id, text := range docs {
		_, err := v.ingest.Ingest(ctx, textRequest("alice", id, id+" notes", text))
		require.NoError(t, err)
	}

	for id, text := range docs {
		chunks, err := v.retrieval.Retrieve(ctx, text, "alice", 1)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, id, chunks[0].DocumentID)
		assert.InDelta(t, 0, chunks[0].RelevanceScore, 1e-6)
	}
}

func TestRetrieve_UserIsolation(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(99))

	words := []string{"beach", "museum", "hike", "train", "ferry", "market", "castle", "wine", "sushi", "tapas", "volcano", "canal"}
	randomText := func(n int) string {
		out := make([]string, n)
		for i := range out {
			out[i] = words[rng.Intn(len(words))]
		}
		return strings.Join(out, " ")
	}

	// 两个用户使用同一个 document_id，只能通过标题区分归属。
	_, err := v.ingest.Ingest(ctx, textRequest("alice", "shared", "Alice trip", strings.Repeat(randomText(150)+"\n\n", 8)))
	require.NoError(t, err)
	_, err = v.ingest.Ingest(ctx, textRequest("bob", "shared", "Bob trip", strings.Repeat(randomText(150)+"\n\n", 8)))
	require.NoError(t, err)

	owners := map[string]string{}
	for _, e := range v.store.Snapshot().Entries() {
		owners[e.Metadata.Text+"\x00"+e.Metadata.Title] = e.Metadata.UserID
	}

	total := v.store.Snapshot().Len()
	for i := 0; i < 100; i++ {
		user, wantTitle := "alice", "Alice trip"
		if i%2 == 1 {
			user, wantTitle = "bob", "Bob trip"
		}
		topK := 1 + rng.Intn(total)
		chunks, err := v.retrieval.Retrieve(ctx, randomText(1+rng.Intn(8)), user, topK)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(chunks), topK)
		for _, ch := range chunks {
			require.Equal(t, "shared", ch.DocumentID)
			require.Equal(t, wantTitle, ch.Title, "query %d from %s leaked another user's chunk", i, user)
			require.Equal(t, user, owners[ch.Text+"\x00"+ch.Title])
		}
	}
}

func TestRetrieve_HugeTopKIsBounded(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()
	_, err := v.ingest.Ingest(ctx, textRequest("alice", "a", "A", "Alpine lakes and cable cars."))
	require.NoError(t, err)
	_, err = v.ingest.Ingest(ctx, textRequest("bob", "b", "B", "Baltic beaches and amber."))
	require.NoError(t, err)

	for _, topK := range []int{1 << 37, 1 << 50, math.MaxInt} {
		chunks, err := v.retrieval.Retrieve(ctx, "lakes", "alice", topK)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "a", chunks[0].DocumentID)
	}

	res, err := v.answer.Answer(ctx, "lakes", "alice", 1<<50)
	require.NoError(t, err)
	assert.Len(t, res.Chunks, 1)
}

func TestRetrieve_EmptyIndexAndValidation(t *testing.T) {
	v := newVault(t, failingEmbedder{err: errors.New("must not be called")})
	ctx := context.Background()

	chunks, err := v.retrieval.Retrieve(ctx, "anything", "alice", 3)
	require.NoError(t, err)
	assert.NotNil(t, chunks)
	assert.Empty(t, chunks)

	_, err = v.retrieval.Retrieve(ctx, "  ", "alice", 3)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = v.retrieval.Retrieve(ctx, "q", "", 3)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestRetrieve_DefaultTopK(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := v.ingest.Ingest(ctx, textRequest("alice", fmt.Sprintf("d%d", i), "t", fmt.Sprintf("note %d about harbour walks", i)))
		require.NoError(t, err)
	}
	chunks, err := v.retrieval.Retrieve(ctx, "harbour walks", "alice", 0)
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
}

func TestAnswer_NoDocumentsSkipsModel(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()

	res, err := v.answer.Answer(ctx, "Where should I stay in Porto?", "nobody", 3)
	require.NoError(t, err)
	assert.Equal(t, DefaultNoDocumentsAnswer, res.Answer)
	assert.Empty(t, res.Chunks)
	assert.Empty(t, res.Citations)
	assert.Nil(t, res.TokensUsed)
	assert.Zero(t, v.llm.calls.Load())

	// 其他用户的文档不影响结果。
	_, err = v.ingest.Ingest(ctx, textRequest("bob", "porto", "Porto", "Stay in Ribeira near the Douro river."))
	require.NoError(t, err)
	res, err = v.answer.Answer(ctx, "Where should I stay in Porto?", "nobody", 3)
	require.NoError(t, err)
	assert.Equal(t, DefaultNoDocumentsAnswer, res.Answer)
	assert.Zero(t, v.llm.calls.Load())
}

func TestAnswer_BuildsContextAndCitations(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()

	long := strings.Repeat("Tram 28 rattles through Alfama past the cathedral and the castle. ", 30)
	_, err := v.ingest.Ingest(ctx, textRequest("alice", "lisbon", "Lisbon guide", long))
	require.NoError(t, err)
	_, err = v.ingest.Ingest(ctx, textRequest("alice", "porto", "Porto guide", "Porto has the Ribeira and a tram along the river."))
	require.NoError(t, err)

	res, err := v.answer.Answer(ctx, "tram through Alfama", "alice", 4)
	require.NoError(t, err)
	assert.Equal(t, "Take tram 28 [Source 1].", res.Answer)
	require.NotNil(t, res.TokensUsed)
	assert.Equal(t, 42, *res.TokensUsed)
	assert.Empty(t, res.Error)
	assert.Equal(t, int32(1), v.llm.calls.Load())

	require.Len(t, res.Chunks, 4)
	assert.Equal(t, "lisbon", res.Chunks[0].DocumentID)
	assert.Equal(t, []model.Citation{
		{Title: "Lisbon guide", DocumentID: "lisbon"},
		{Title: "Porto guide", DocumentID: "porto"},
	}, dedupeOrder(res.Chunks))
	assert.Equal(t, dedupeOrder(res.Chunks), res.Citations)

	assert.Contains(t, v.llm.user, "[Source 1] "+res.Chunks[0].Text)
	assert.Contains(t, v.llm.user, "[Source 4] ")
	assert.Contains(t, v.llm.user, "tram through Alfama")
}

// dedupeOrder is an independent reference for citation order.
func dedupeOrder(chunks []model.RetrievedChunk) []model.Citation {
	var out []model.Citation
	for _, ch := range chunks {
		dup := false
		for _, c := range out {
			if c.DocumentID == ch.DocumentID && c.Title == ch.Title {
				dup = true
			}
		}
		if !dup {
			out = append(out, model.Citation{Title: ch.Title, DocumentID: ch.DocumentID})
		}
	}
	return out
}

func TestAnswer_ModelFailureIsDegraded(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()
	v.llm.err = fmt.Errorf("generation: %w: quota exceeded", model.ErrProvider)

	_, err := v.ingest.Ingest(ctx, textRequest("alice", "rome", "Rome", "Colosseum tickets sell out, book the early slot."))
	require.NoError(t, err)

	res, err := v.answer.Answer(ctx, "Colosseum tickets", "alice", 3)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Answer, "Error generating answer: "))
	assert.Contains(t, res.Error, "quota exceeded")
	assert.Len(t, res.Chunks, 1)
	assert.Len(t, res.Citations, 1)
	assert.Nil(t, res.TokensUsed)
}

func TestAnswer_RetrievalFailurePropagates(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()
	_, err := v.ingest.Ingest(ctx, textRequest("alice", "rome", "Rome", "Trastevere dinners."))
	require.NoError(t, err)

	broken := NewAnswerService(
		NewRetrievalService(failingEmbedder{err: fmt.Errorf("embedding: %w", model.ErrTimeout)}, v.store, config.VaultConfig{}),
		v.llm, "")
	_, err = broken.Answer(ctx, "dinner", "alice", 3)
	assert.ErrorIs(t, err, model.ErrTimeout)
	assert.Zero(t, v.llm.calls.Load())
}

func TestBuildContextAndCitations(t *testing.T) {
	chunks := []model.RetrievedChunk{
		{Text: "one", Title: "A", DocumentID: "a"},
		{Text: "two", Title: "B", DocumentID: "b"},
		{Text: "three", Title: "A", DocumentID: "a"},
		{Text: "four", Title: "A renamed", DocumentID: "a"},
	}
	assert.Equal(t, "[Source 1] one\n\n[Source 2] two\n\n[Source 3] three\n\n[Source 4] four", BuildContext(chunks))
	assert.Equal(t, []model.Citation{
		{Title: "A", DocumentID: "a"},
		{Title: "B", DocumentID: "b"},
		{Title: "A renamed", DocumentID: "a"},
	}, BuildCitations(chunks))
}

func TestIngest_Errors(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()

	_, err := v.ingest.Ingest(ctx, textRequest("alice", "", "t", "x"))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = v.ingest.Ingest(ctx, textRequest("", "d", "t", "x"))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = v.ingest.Ingest(ctx, textRequest("alice", "d", "", "x"))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = v.ingest.Ingest(ctx, textRequest("alice", "d", "t", ""))
	assert.ErrorIs(t, err, model.ErrEmptyInput)

	_, err = v.ingest.Ingest(ctx, textRequest("alice", "blank", "t", " \n\n\t "))
	assert.ErrorIs(t, err, model.ErrEmptyInput)
	doc, err := v.docs.FindByOwner("alice", "blank")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentFailed, doc.Status)

	corrupt := textRequest("alice", "scan", "t", "not really a pdf")
	corrupt.ContentType = "application/pdf"
	corrupt.FileName = "scan.pdf"
	_, err = v.ingest.Ingest(ctx, corrupt)
	assert.ErrorIs(t, err, model.ErrExtraction)

	assert.Zero(t, v.store.Snapshot().Len())
}

func TestIngest_EmbeddingFailureWritesNothing(t *testing.T) {
	v := newVault(t, failingEmbedder{err: fmt.Errorf("embedding: %w: 503", model.ErrProvider)})
	_, err := v.ingest.Ingest(context.Background(), textRequest("alice", "d", "t", strings.Repeat("Harbour walk. ", 200)))
	assert.ErrorIs(t, err, model.ErrProvider)
	assert.Zero(t, v.store.Snapshot().Len())
}

func TestIngest_DuplicateAndReplace(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()

	_, err := v.ingest.Ingest(ctx, textRequest("alice", "plan", "Plan v1", strings.Repeat("Old plan visiting Seville and Cordoba. ", 60)))
	require.NoError(t, err)
	before := v.store.Snapshot().Len()
	require.Greater(t, before, 1)

	_, err = v.ingest.Ingest(ctx, textRequest("alice", "plan", "Plan v2", "New plan."))
	assert.ErrorIs(t, err, model.ErrDuplicateDocument)
	assert.Equal(t, before, v.store.Snapshot().Len())

	// 其他用户可以使用同一个 document_id。
	_, err = v.ingest.Ingest(ctx, textRequest("bob", "plan", "Bob plan", "Bob goes to Granada."))
	require.NoError(t, err)

	req := textRequest("alice", "plan", "Plan v2", "New plan: Granada and the Alhambra.")
	req.Replace = true
	res, err := v.ingest.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunkCount)

	chunks, err := v.retrieval.Retrieve(ctx, "plan", "alice", 10)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Plan v2", chunks[0].Title)
	assert.Equal(t, 2, v.store.Snapshot().Len())

	doc, err := v.docs.FindByOwner("alice", "plan")
	require.NoError(t, err)
	assert.Equal(t, "Plan v2", doc.Title)
	assert.Equal(t, 1, doc.ChunkCount)
}

func TestIngest_FailedDocumentCanBeRetried(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()

	_, err := v.ingest.Ingest(ctx, textRequest("alice", "d", "t", "   "))
	require.ErrorIs(t, err, model.ErrEmptyInput)

	_, err = v.ingest.Ingest(ctx, textRequest("alice", "d", "t", "Now with content."))
	require.NoError(t, err)
}

func TestIngest_ConcurrentNoLostUpdates(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()

	const n = 12
	var wg sync.WaitGroup
	counts := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := strings.Repeat(fmt.Sprintf("Document %d describes the coastal route number %d. ", i, i), 10+i*5)
			res, err := v.ingest.Ingest(ctx, textRequest(fmt.Sprintf("user-%d", i%3), fmt.Sprintf("doc-%d", i), "t", text))
			errs[i] = err
			if err == nil {
				counts[i] = res.ChunkCount
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		total += counts[i]
	}
	snap := v.store.Snapshot()
	assert.Equal(t, total, snap.Len())
	for i := 0; i < n; i++ {
		assert.True(t, snap.HasDocument(fmt.Sprintf("user-%d", i%3), fmt.Sprintf("doc-%d", i)))
	}

	reloaded, err := index.LoadOrCreate(v.store.Path())
	require.NoError(t, err)
	assert.Equal(t, total, reloaded.Len())
}

func TestIngestAsync_HandleTaskAndStatus(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()

	accepted, err := v.ingest.IngestAsync(ctx, textRequest("alice", "async", "Async notes", "Night train from Vienna to Venice."))
	require.NoError(t, err)
	assert.Equal(t, model.DocumentPending, accepted.Status)
	require.Len(t, v.publisher.sent, 1)
	assert.Zero(t, v.store.Snapshot().Len(), "nothing is indexed before the task runs")

	status, err := v.ingest.Status(ctx, "alice", accepted.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentPending, status.Status)

	_, err = v.ingest.Status(ctx, "mallory", accepted.TaskID)
	assert.ErrorIs(t, err, model.ErrTaskNotFound)

	require.NoError(t, v.ingest.HandleTask(ctx, v.publisher.sent[0]))
	status, err = v.ingest.Status(ctx, "alice", accepted.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentIndexed, status.Status)
	assert.Equal(t, 1, status.ChunkCount)
	assert.Equal(t, 1, v.store.Snapshot().Len())

	doc, err := v.docs.FindByOwner("alice", "async")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentIndexed, doc.Status)
}

func TestIngestAsync_PublishFailure(t *testing.T) {
	v := newVault(t, nil)
	v.publisher.err = errors.New("broker down")

	_, err := v.ingest.IngestAsync(context.Background(), textRequest("alice", "d", "t", "text"))
	require.Error(t, err)
	doc, err := v.docs.FindByOwner("alice", "d")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentFailed, doc.Status)
}

func TestIngestAsync_Disabled(t *testing.T) {
	v := newVault(t, nil)
	svc := v.ingest.(*ingestService)
	svc.publisher = nil
	_, err := svc.IngestAsync(context.Background(), textRequest("alice", "d", "t", "text"))
	assert.ErrorIs(t, err, model.ErrUnavailable)
}

func TestDeleteAndList(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()

	_, err := v.ingest.Ingest(ctx, textRequest("alice", "a", "A", "Alpine lakes."))
	require.NoError(t, err)
	_, err = v.ingest.Ingest(ctx, textRequest("alice", "b", "B", "Baltic beaches."))
	require.NoError(t, err)
	_, err = v.ingest.Ingest(ctx, textRequest("bob", "a", "Bob A", "Andes hikes."))
	require.NoError(t, err)

	list, err := v.ingest.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, v.ingest.Delete(ctx, "alice", "a"))
	snap := v.store.Snapshot()
	assert.False(t, snap.HasDocument("alice", "a"))
	assert.True(t, snap.HasDocument("bob", "a"))
	assert.Equal(t, 2, snap.Len())

	assert.ErrorIs(t, v.ingest.Delete(ctx, "alice", "a"), model.ErrDocumentNotFound)
	assert.ErrorIs(t, v.ingest.Delete(ctx, "mallory", "b"), model.ErrDocumentNotFound)

	list, err = v.ingest.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].DocumentID)

	// 删除后可以用同一 id 重新入库。
	_, err = v.ingest.Ingest(ctx, textRequest("alice", "a", "A again", "Alpine lakes again."))
	require.NoError(t, err)
}

type failingUploads struct {
	storage.UploadStore
}

func (failingUploads) Put(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("disk full")
}

func TestIngestAsync_SimilarOwnerIDsKeepTheirOwnUploads(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()
	uploads := v.ingest.(*ingestService).uploads

	_, err := v.ingest.IngestAsync(ctx, textRequest("alice@corp", "trip", "Alice trip", "alice private itinerary lisbon"))
	require.NoError(t, err)
	_, err = v.ingest.IngestAsync(ctx, textRequest("alice#corp", "trip", "Other trip", "mallory secret payload zebra"))
	require.NoError(t, err)
	require.Len(t, v.publisher.sent, 2)
	first, second := v.publisher.sent[0], v.publisher.sent[1]
	assert.NotEqual(t, first.ObjectKey, second.ObjectKey)

	require.NoError(t, v.ingest.HandleTask(ctx, first))
	entries := v.store.Snapshot().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "alice@corp", entries[0].Metadata.UserID)
	assert.Equal(t, "alice private itinerary lisbon", entries[0].Metadata.Text)

	require.NoError(t, v.ingest.HandleTask(ctx, second))
	chunks, err := v.retrieval.Retrieve(ctx, "mallory secret payload zebra", "alice@corp", 5)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "alice private itinerary lisbon", chunks[0].Text)

	// 删除一个用户的文档不影响另一个用户的原始文件。
	require.NoError(t, v.ingest.Delete(ctx, "alice#corp", "trip"))
	data, err := uploads.Get(ctx, first.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, "alice private itinerary lisbon", string(data))
}

func TestIngest_UploadFailureReleasesCatalogClaim(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()
	svc := v.ingest.(*ingestService)
	uploads := svc.uploads

	svc.uploads = failingUploads{uploads}
	_, err := v.ingest.Ingest(ctx, textRequest("alice", "d", "First", "Harbour walk at dusk."))
	require.Error(t, err)
	_, err = v.docs.FindByOwner("alice", "d")
	assert.ErrorIs(t, err, model.ErrDocumentNotFound)

	svc.uploads = uploads
	_, err = v.ingest.Ingest(ctx, textRequest("alice", "d", "First", "Harbour walk at dusk."))
	require.NoError(t, err)

	svc.uploads = failingUploads{uploads}
	req := textRequest("alice", "d", "Second", "Something else.")
	req.Replace = true
	_, err = v.ingest.Ingest(ctx, req)
	require.Error(t, err)
	doc, err := v.docs.FindByOwner("alice", "d")
	require.NoError(t, err)
	assert.Equal(t, "First", doc.Title)
	assert.Equal(t, model.DocumentIndexed, doc.Status)
}

func TestIngest_ConcurrentSameDocumentOnlyOneWins(t *testing.T) {
	v := newVault(t, nil)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = v.ingest.Ingest(ctx, textRequest("alice", "same", "t", fmt.Sprintf("Version %d of the itinerary.", i)))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, model.ErrDuplicateDocument)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, v.store.Snapshot().Len())
}
