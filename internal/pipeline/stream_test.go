package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

// scriptStream returns a stream function that plays back chunks and closes.
func scriptStream(chunks ...llm.StreamChunk) func(ctx context.Context) <-chan llm.StreamChunk {
	return func(ctx context.Context) <-chan llm.StreamChunk {
		out := make(chan llm.StreamChunk, len(chunks))
		go func() {
			defer close(out)
			for _, c := range chunks {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out
	}
}

// endlessStream emits deltas until the dial context is cancelled.
func endlessStream() func(ctx context.Context) <-chan llm.StreamChunk {
	return func(ctx context.Context) <-chan llm.StreamChunk {
		out := make(chan llm.StreamChunk)
		go func() {
			defer close(out)
			for {
				select {
				case out <- llm.StreamChunk{Delta: "tok "}:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out
	}
}

func recvChunk(t *testing.T, ch <-chan llm.StreamChunk) (llm.StreamChunk, bool) {
	t.Helper()
	select {
	case c, ok := <-ch:
		return c, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a stream chunk")
		return llm.StreamChunk{}, false
	}
}

func collectChunks(t *testing.T, ch <-chan llm.StreamChunk) []llm.StreamChunk {
	t.Helper()
	var got []llm.StreamChunk
	for {
		c, ok := recvChunk(t, ch)
		if !ok {
			return got
		}
		got = append(got, c)
	}
}

func streamReq(hint string) *llm.Request {
	r := genReq(hint)
	r.Options.Stream = true
	return r
}

func TestStreamSynthesizesTerminalChunk(t *testing.T) {
	// The upstream closes after two deltas without a Done marker. The bridge
	// must still hand the consumer a terminal chunk carrying usage.
	alpha := &scriptedAdapter{
		name:     "alpha",
		streamFn: scriptStream(llm.StreamChunk{Delta: "Hel"}, llm.StreamChunk{Delta: "lo"}),
	}
	pipe, reg := newPipe(t,
		[]*llm.ModelDescriptor{testDesc("alpha", "m1", 8000, 0.8)},
		[]adapters.Adapter{alpha}, Options{})

	ch, err := pipe.GenerateStream(context.Background(), streamReq("alpha:m1"))
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	got := collectChunks(t, ch)
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 2 deltas + terminal", len(got))
	}
	for i, c := range got {
		if c.Index != i {
			t.Errorf("chunk %d has Index %d", i, c.Index)
		}
	}
	if got[0].Delta != "Hel" || got[1].Delta != "lo" {
		t.Errorf("deltas = %q %q", got[0].Delta, got[1].Delta)
	}
	last := got[2]
	if !last.Done {
		t.Error("terminal chunk not marked Done")
	}
	if last.FinishReason != llm.FinishStop {
		t.Errorf("FinishReason = %q, want stop", last.FinishReason)
	}
	if last.Usage == nil || last.Usage.TotalTokens == 0 {
		t.Errorf("terminal usage = %+v, want estimated tokens", last.Usage)
	}
	if load := currentLoad(t, reg, "alpha:m1"); load != 0 {
		t.Errorf("load after stream = %d, want 0", load)
	}
}

func TestStreamKeepsProviderUsage(t *testing.T) {
	alpha := &scriptedAdapter{
		name: "alpha",
		streamFn: scriptStream(
			llm.StreamChunk{Delta: "Hello"},
			llm.StreamChunk{Done: true, Usage: &llm.Usage{PromptTokens: 11, CompletionTokens: 7}, FinishReason: llm.FinishStop},
		),
	}
	pipe, _ := newPipe(t,
		[]*llm.ModelDescriptor{testDesc("alpha", "m1", 8000, 0.8)},
		[]adapters.Adapter{alpha}, Options{})

	ch, err := pipe.GenerateStream(context.Background(), streamReq("alpha:m1"))
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	got := collectChunks(t, ch)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2", len(got))
	}
	last := got[len(got)-1]
	if !last.Done {
		t.Fatal("terminal chunk not marked Done")
	}
	if last.Usage == nil || last.Usage.PromptTokens != 11 || last.Usage.CompletionTokens != 7 {
		t.Fatalf("usage = %+v, want the provider-reported 11/7", last.Usage)
	}
	if last.Usage.TotalTokens != 18 {
		t.Errorf("TotalTokens = %d, want 18 (normalized)", last.Usage.TotalTokens)
	}
}

func TestStreamCancellationReleasesSlot(t *testing.T) {
	alpha := &scriptedAdapter{name: "alpha", streamFn: endlessStream()}
	pipe, reg := newPipe(t,
		[]*llm.ModelDescriptor{testDesc("alpha", "m1", 8000, 0.8)},
		[]adapters.Adapter{alpha}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := pipe.GenerateStream(ctx, streamReq("alpha:m1"))
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	// Two live chunks prove the dispatch slot is held.
	recvChunk(t, ch)
	recvChunk(t, ch)
	if load := currentLoad(t, reg, "alpha:m1"); load != 1 {
		t.Fatalf("mid-stream load = %d, want 1", load)
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				// Channel closed: the slot must already be back.
				if load := currentLoad(t, reg, "alpha:m1"); load != 0 {
					t.Fatalf("post-cancel load = %d, want 0", load)
				}
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

func TestStreamUpstreamErrorTerminatesStream(t *testing.T) {
	alpha := &scriptedAdapter{
		name: "alpha",
		streamFn: scriptStream(
			llm.StreamChunk{Delta: "par"},
			llm.StreamChunk{Err: &adapters.ProviderError{Provider: "alpha", StatusCode: 500, Message: "connection reset"}},
		),
	}
	pipe, reg := newPipe(t,
		[]*llm.ModelDescriptor{testDesc("alpha", "m1", 8000, 0.8)},
		[]adapters.Adapter{alpha}, Options{})

	ch, err := pipe.GenerateStream(context.Background(), streamReq("alpha:m1"))
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	got := collectChunks(t, ch)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want delta + error terminal", len(got))
	}
	last := got[len(got)-1]
	if !last.Done {
		t.Error("error chunk not marked Done")
	}
	if last.FinishReason != llm.FinishError {
		t.Errorf("FinishReason = %q, want error", last.FinishReason)
	}
	if !llm.IsKind(last.Err, llm.KindUpstreamTransient) {
		t.Errorf("Err = %v, want upstream_transient", last.Err)
	}
	if load := currentLoad(t, reg, "alpha:m1"); load != 0 {
		t.Errorf("load after failed stream = %d, want 0", load)
	}
}

func TestStreamDialRetriesTransient(t *testing.T) {
	alpha := &scriptedAdapter{
		name:     "alpha",
		script:   []completeResult{{err: transientErr("alpha")}},
		streamFn: scriptStream(llm.StreamChunk{Delta: "ok"}),
	}
	pipe, _ := newPipe(t,
		[]*llm.ModelDescriptor{testDesc("alpha", "m1", 8000, 0.8)},
		[]adapters.Adapter{alpha}, Options{})

	ch, err := pipe.GenerateStream(context.Background(), streamReq("alpha:m1"))
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	got := collectChunks(t, ch)
	if len(got) == 0 || got[0].Delta != "ok" {
		t.Fatalf("chunks = %+v, want the retried dial to stream", got)
	}
	if alpha.callCount() != 2 {
		t.Errorf("dial attempts = %d, want 2", alpha.callCount())
	}
}

func TestStreamDialFailureReturnsError(t *testing.T) {
	alpha := &scriptedAdapter{
		name: "alpha",
		script: []completeResult{
			{err: &adapters.ProviderError{Provider: "alpha", StatusCode: 401, Message: "bad key"}},
		},
		streamFn: scriptStream(llm.StreamChunk{Delta: "never"}),
	}
	pipe, reg := newPipe(t,
		[]*llm.ModelDescriptor{testDesc("alpha", "m1", 8000, 0.8)},
		[]adapters.Adapter{alpha}, Options{})

	ch, err := pipe.GenerateStream(context.Background(), streamReq("alpha:m1"))
	if !llm.IsKind(err, llm.KindAuth) {
		t.Fatalf("err = %v, want auth", err)
	}
	if ch != nil {
		t.Error("failed dial returned a live channel")
	}
	if load := currentLoad(t, reg, "alpha:m1"); load != 0 {
		t.Errorf("load after failed dial = %d, want 0", load)
	}
}

func TestStreamWritesThroughToCache(t *testing.T) {
	alpha := &scriptedAdapter{
		name: "alpha",
		streamFn: scriptStream(
			llm.StreamChunk{Delta: "Hello"},
			llm.StreamChunk{Delta: " world"},
			llm.StreamChunk{Done: true, Usage: &llm.Usage{PromptTokens: 11, CompletionTokens: 2}, FinishReason: llm.FinishStop},
		),
	}
	pipe, _ := newPipe(t,
		[]*llm.ModelDescriptor{testDesc("alpha", "m1", 8000, 0.8)},
		[]adapters.Adapter{alpha}, Options{Cache: newTestCache(t)})

	req := streamReq("alpha:m1")
	req.Options.CacheStreamed = true
	ch, err := pipe.GenerateStream(context.Background(), req)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	collectChunks(t, ch)

	// The channel closes only after the bridge finished its bookkeeping, so
	// the assembled response is already visible to a unary call with the same
	// fingerprint.
	cached, err := pipe.Generate(context.Background(), genReq("alpha:m1"))
	if err != nil {
		t.Fatalf("unary lookup: %v", err)
	}
	if !cached.Cached {
		t.Fatal("streamed response not visible to unary lookups")
	}
	if cached.Text != "Hello world" {
		t.Errorf("cached text = %q, want the accumulated deltas", cached.Text)
	}
	if cached.Usage.PromptTokens != 11 || cached.Usage.CompletionTokens != 2 {
		t.Errorf("cached usage = %+v, want 11/2", cached.Usage)
	}
}
