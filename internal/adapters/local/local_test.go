package local

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

// writeWeights drops a fake weight file with the given header into dir.
func writeWeights(t *testing.T, dir, name string, header []byte) string {
	t.Helper()
	body := append(append([]byte{}, header...), make([]byte, 64)...)
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func safetensorsHeader() []byte {
	h := make([]byte, 8)
	binary.LittleEndian.PutUint64(h, 2)
	return append(h, '{', '}')
}

func TestSniffFormat(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		header []byte
		want   Format
	}{
		{"gguf", "model.gguf", []byte("GGUF\x02\x00\x00\x00"), FormatGGUF},
		{"ggml legacy", "model.bin", []byte("lmgg\x00\x00\x00\x00"), FormatGGML},
		{"ggjt", "model.bin", []byte("tjgg\x03\x00\x00\x00"), FormatGGML},
		{"pytorch zip", "model.pt", []byte("PK\x03\x04\x14\x00"), FormatPyTorch},
		{"safetensors", "model.safetensors", safetensorsHeader(), FormatSafetensors},
		{"onnx", "model.onnx", []byte{0x08, 0x07, 0x12, 0x00}, FormatONNX},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sniffFormat(tt.header, tt.file)
			if err != nil {
				t.Fatalf("sniffFormat: %v", err)
			}
			if got != tt.want {
				t.Errorf("format = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSniffFormatUnsupported(t *testing.T) {
	_, err := sniffFormat([]byte("hello world, not weights"), "readme.txt")
	if !llm.IsKind(err, llm.KindValidation) {
		t.Fatalf("err = %v, want KindValidation", err)
	}
}

func TestSniffFormatONNXNeedsExtension(t *testing.T) {
	// A bare protobuf header without the .onnx extension is ambiguous.
	if _, err := sniffFormat([]byte{0x08, 0x07}, "model.bin"); err == nil {
		t.Fatal("expected sniff to reject protobuf header without .onnx extension")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeWeights(t, dir, "llama-3-8b-instruct.q4_k_m.gguf", []byte("GGUF\x02\x00\x00\x00"))

	a := New(dir)
	desc, err := a.Load(context.Background(), adapters.LoadSpec{ModelID: "llama-3-8b-instruct.q4_k_m.gguf"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if desc.ID != "local:llama-3-8b-instruct.q4_k_m.gguf" {
		t.Errorf("id = %q", desc.ID)
	}
	if desc.Family != "llama" {
		t.Errorf("family = %q", desc.Family)
	}
	if !desc.Capabilities.Has(llm.CapChat) {
		t.Error("instruct model should have chat capability")
	}
	if desc.Metadata["format"] != "gguf" {
		t.Errorf("format metadata = %q", desc.Metadata["format"])
	}
	if desc.Pricing.InputPerMTok != 0 || desc.Pricing.OutputPerMTok != 0 {
		t.Errorf("local weights should be free, pricing = %+v", desc.Pricing)
	}
	if desc.Status != llm.StatusReady {
		t.Errorf("status = %q", desc.Status)
	}
}

func TestLoadNotFound(t *testing.T) {
	a := New(t.TempDir())
	_, err := a.Load(context.Background(), adapters.LoadSpec{ModelID: "missing.gguf"})
	if !llm.IsKind(err, llm.KindNotFound) {
		t.Fatalf("err = %v, want KindNotFound", err)
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	writeWeights(t, dir, "notes.txt", []byte("plain text"))

	a := New(dir)
	_, err := a.Load(context.Background(), adapters.LoadSpec{ModelID: "notes.txt"})
	if !llm.IsKind(err, llm.KindValidation) {
		t.Fatalf("err = %v, want KindValidation", err)
	}
}

func TestLoadRejectsTraversal(t *testing.T) {
	a := New(t.TempDir())
	for _, id := range []string{"../etc/passwd", "/etc/passwd", "a/../../b.gguf"} {
		if _, err := a.Load(context.Background(), adapters.LoadSpec{ModelID: id}); !llm.IsKind(err, llm.KindValidation) {
			t.Errorf("Load(%q) err = %v, want KindValidation", id, err)
		}
	}
}

func TestLoadExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := writeWeights(t, dir, "custom.safetensors", safetensorsHeader())

	a := New("")
	desc, err := a.Load(context.Background(), adapters.LoadSpec{
		ModelID: "custom",
		Options: map[string]string{"path": path},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if desc.Metadata["format"] != "safetensors" {
		t.Errorf("format = %q", desc.Metadata["format"])
	}
}

func TestCompleteHasNoEngine(t *testing.T) {
	a := New(t.TempDir())
	inv := &adapters.Invocation{
		Request:    &llm.Request{ModelHint: "llama-3-8b.gguf", Prompt: "hi"},
		Descriptor: &llm.ModelDescriptor{ModelID: "llama-3-8b.gguf"},
	}

	_, err := a.Complete(context.Background(), inv)
	if !llm.IsKind(err, llm.KindUpstreamPermanent) {
		t.Fatalf("Complete err = %v, want KindUpstreamPermanent", err)
	}
	// The pipeline must be able to fall back to a remote candidate.
	if !llm.KindOf(err).FallbackEligible() {
		t.Error("no-engine error should be fallback eligible")
	}

	if _, err := a.Stream(context.Background(), inv); !llm.IsKind(err, llm.KindUpstreamPermanent) {
		t.Fatalf("Stream err = %v, want KindUpstreamPermanent", err)
	}
}

func TestListModels(t *testing.T) {
	dir := t.TempDir()
	writeWeights(t, dir, "llama-3-8b-instruct.gguf", []byte("GGUF\x02\x00\x00\x00"))
	writeWeights(t, dir, "nested/bge-small-en.safetensors", safetensorsHeader())
	writeWeights(t, dir, "readme.md", []byte("# not a model"))

	a := New(dir)
	models, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2: %+v", len(models), models)
	}

	byID := map[string]llm.ModelSummary{}
	for _, m := range models {
		byID[m.ModelID] = m
	}
	if _, ok := byID["llama-3-8b-instruct.gguf"]; !ok {
		t.Error("missing gguf model")
	}
	emb, ok := byID[filepath.Join("nested", "bge-small-en.safetensors")]
	if !ok {
		t.Fatal("missing nested safetensors model")
	}
	if !emb.Capabilities.Has(llm.CapEmbedding) {
		t.Errorf("bge model capabilities = %v, want embedding", emb.Capabilities)
	}
}

func TestInferContext(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"phi-3-mini-128k-instruct.gguf", 131_072},
		{"qwen2-7b-32k.gguf", 32_768},
		{"llama-3-8b.gguf", 4_096},
		{"mistral-7b-v0.3-8k.safetensors", 8_192},
	}
	for _, tt := range tests {
		if got := inferContext(tt.name); got != tt.want {
			t.Errorf("inferContext(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestInferCapabilities(t *testing.T) {
	tests := []struct {
		name string
		want llm.Capability
	}{
		{"bge-small-en-v1.5.safetensors", llm.CapEmbedding},
		{"all-minilm-l6-v2.onnx", llm.CapEmbedding},
		{"llama-3-8b-instruct.gguf", llm.CapChat},
		{"llava-1.6-7b.gguf", llm.CapVision},
		{"gemma-2-9b-it.gguf", llm.CapChat},
	}
	for _, tt := range tests {
		caps := inferCapabilities(tt.name)
		if !caps.Has(tt.want) {
			t.Errorf("inferCapabilities(%q) = %v, want %v present", tt.name, caps, tt.want)
		}
	}
}

func TestFamilyOf(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"llama-3-8b.gguf", "llama"},
		{"mixtral-8x7b.gguf", "mixtral"},
		{"unknown-arch.bin", "unknown"},
	}
	for _, tt := range tests {
		if got := familyOf(tt.name); got != tt.want {
			t.Errorf("familyOf(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
