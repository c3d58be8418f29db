// Package local implements the weight-file adapter. It registers models from
// files on disk — sniffing GGUF, legacy GGML, PyTorch, Safetensors, and ONNX
// containers by magic bytes and inferring capabilities and context length
// from the filename — but ships no inference engine: Complete and Stream
// always fail permanently so the router's fallback chain moves on to a
// remote candidate.
package local

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

const providerName = "local"

// Format is a recognized weight-file container.
type Format string

const (
	FormatGGUF        Format = "gguf"
	FormatGGML        Format = "ggml"
	FormatPyTorch     Format = "pytorch"
	FormatSafetensors Format = "safetensors"
	FormatONNX        Format = "onnx"
)

// Known container magics. Legacy GGML magics are uint32 little-endian on
// disk, so the byte order is reversed from the ASCII tag.
var (
	ggufMagic = []byte("GGUF")
	zipMagic  = []byte("PK\x03\x04")

	ggmlMagics = [][]byte{
		[]byte("lmgg"), // ggml
		[]byte("fmgg"), // ggmf
		[]byte("tjgg"), // ggjt
	}
)

// maxSafetensorsHeader bounds the JSON header length prefix; anything larger
// is not a plausible safetensors file.
const maxSafetensorsHeader = 100 << 20

// Adapter registers weight files below a root directory.
type Adapter struct {
	dir string
}

// New creates a local Adapter rooted at dir. Model ids resolve to file paths
// relative to it.
func New(dir string) *Adapter {
	return &Adapter{dir: dir}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Info() adapters.Info {
	status := "ready"
	if a.dir == "" {
		status = "degraded"
	}
	return adapters.Info{
		Name:     providerName,
		Version:  "v1",
		Features: llm.Caps(llm.CapText, llm.CapChat, llm.CapEmbedding, llm.CapVision),
		Status:   status,
	}
}

// Load sniffs the weight file named by spec.ModelID (or an explicit
// spec.Options["path"]) and builds a descriptor from what the container and
// filename reveal. The file is never parsed beyond its header.
func (a *Adapter) Load(ctx context.Context, spec adapters.LoadSpec) (*llm.ModelDescriptor, error) {
	path, err := a.resolvePath(spec)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, llm.Errorf(llm.KindNotFound, "local: weight file %q not found", spec.ModelID)
		}
		return nil, llm.Errorf(llm.KindInternal, "local: open %q: %v", spec.ModelID, err)
	}
	defer f.Close()

	header := make([]byte, 16)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, llm.Errorf(llm.KindInternal, "local: read %q: %v", spec.ModelID, err)
	}

	format, err := sniffFormat(header[:n], path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "local: stat %q: %v", spec.ModelID, err)
	}

	name := strings.ToLower(filepath.Base(path))
	return &llm.ModelDescriptor{
		ID:           llm.DescriptorID(providerName, spec.ModelID),
		Provider:     providerName,
		ModelID:      spec.ModelID,
		Family:       familyOf(name),
		Capabilities: inferCapabilities(name),
		Limits: llm.Limits{
			ContextTokens:   inferContext(name),
			MaxOutputTokens: 4_096,
		},
		Quality: 0.45,
		Status:  llm.StatusReady,
		Metadata: map[string]string{
			"format":     string(format),
			"path":       path,
			"size_bytes": fmt.Sprintf("%d", fi.Size()),
		},
	}, nil
}

// Unload is a no-op: registration holds no file handles.
func (a *Adapter) Unload(ctx context.Context, descriptorID string) error { return nil }

func (a *Adapter) Complete(ctx context.Context, inv *adapters.Invocation) (*llm.Response, error) {
	return nil, a.noEngine(inv)
}

func (a *Adapter) Stream(ctx context.Context, inv *adapters.Invocation) (<-chan llm.StreamChunk, error) {
	return nil, a.noEngine(inv)
}

func (a *Adapter) noEngine(inv *adapters.Invocation) error {
	model := ""
	if inv != nil && inv.Descriptor != nil {
		model = inv.Descriptor.ModelID
	} else if inv != nil && inv.Request != nil {
		model = inv.Request.ModelHint
	}
	return llm.Errorf(llm.KindUpstreamPermanent,
		"local: no inference engine is embedded in this build; model %q is registered for cataloging and routing metadata only", model)
}

// ListModels walks the root directory and reports every file whose header
// sniffs as a known container.
func (a *Adapter) ListModels(ctx context.Context) ([]llm.ModelSummary, error) {
	if a.dir == "" {
		return nil, nil
	}

	var out []llm.ModelSummary
	err := filepath.WalkDir(a.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		header, rerr := readHeader(path)
		if rerr != nil {
			return nil
		}
		if _, serr := sniffFormat(header, path); serr != nil {
			return nil
		}

		rel, rerr := filepath.Rel(a.dir, path)
		if rerr != nil {
			rel = filepath.Base(path)
		}
		name := strings.ToLower(filepath.Base(path))
		out = append(out, llm.ModelSummary{
			ID:            llm.DescriptorID(providerName, rel),
			Provider:      providerName,
			ModelID:       rel,
			Capabilities:  inferCapabilities(name),
			ContextTokens: inferContext(name),
		})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, llm.Errorf(llm.KindInternal, "local: scan %q: %v", a.dir, err)
	}
	return out, nil
}

func (a *Adapter) resolvePath(spec adapters.LoadSpec) (string, error) {
	if p, ok := spec.Options["path"]; ok && p != "" {
		return p, nil
	}
	if a.dir == "" {
		return "", llm.Errorf(llm.KindValidation, "local: no models directory configured")
	}

	clean := filepath.Clean(spec.ModelID)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", llm.Errorf(llm.KindValidation, "local: model id %q escapes the models directory", spec.ModelID)
	}
	return filepath.Join(a.dir, clean), nil
}

func readHeader(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header := make([]byte, 16)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return header[:n], nil
}

// sniffFormat identifies the container from the first header bytes. ONNX is
// a bare protobuf with no distinctive magic, so it additionally requires the
// .onnx extension.
func sniffFormat(header []byte, path string) (Format, error) {
	if len(header) >= 4 {
		switch {
		case string(header[:4]) == string(ggufMagic):
			return FormatGGUF, nil
		case string(header[:4]) == string(zipMagic):
			return FormatPyTorch, nil
		}
		for _, m := range ggmlMagics {
			if string(header[:4]) == string(m) {
				return FormatGGML, nil
			}
		}
	}

	if len(header) >= 9 {
		n := binary.LittleEndian.Uint64(header[:8])
		if n > 0 && n < maxSafetensorsHeader && header[8] == '{' {
			return FormatSafetensors, nil
		}
	}

	if strings.EqualFold(filepath.Ext(path), ".onnx") && len(header) > 0 && header[0] == 0x08 {
		return FormatONNX, nil
	}

	return "", llm.Errorf(llm.KindValidation, "local: %q is not a recognized weight format (gguf, ggml, pytorch, safetensors, onnx)", filepath.Base(path))
}

// familyOf derives the model family from well-known filename tokens.
func familyOf(name string) string {
	for _, fam := range []string{
		"mixtral", "mistral", "llama", "llava", "qwen", "phi",
		"gemma", "falcon", "deepseek", "bge", "e5", "minilm", "clip",
	} {
		if strings.Contains(name, fam) {
			return fam
		}
	}
	return "unknown"
}

// inferCapabilities guesses what the weights can do from the filename:
// embedding model names carry "embed" or a known encoder family, multimodal
// checkpoints say so, and instruction-tuned chat models are tagged
// "instruct", "chat", or "-it".
func inferCapabilities(name string) llm.CapabilitySet {
	if strings.Contains(name, "embed") || strings.Contains(name, "bge-") ||
		strings.Contains(name, "e5-") || strings.Contains(name, "minilm") {
		return llm.Caps(llm.CapEmbedding)
	}

	caps := []llm.Capability{llm.CapText, llm.CapStreaming}
	if strings.Contains(name, "instruct") || strings.Contains(name, "chat") ||
		strings.Contains(name, "-it-") || strings.HasSuffix(trimExtensions(name), "-it") {
		caps = append(caps, llm.CapChat)
	}
	if strings.Contains(name, "llava") || strings.Contains(name, "vision") {
		caps = append(caps, llm.CapVision, llm.CapChat)
	}
	return llm.Caps(caps...)
}

// inferContext reads a context-window token out of the filename ("32k",
// "128k"); absent one it falls back to a conservative default.
func inferContext(name string) int {
	for _, t := range []struct {
		tag    string
		tokens int
	}{
		{"1m", 1_048_576},
		{"256k", 262_144},
		{"128k", 131_072},
		{"64k", 65_536},
		{"32k", 32_768},
		{"16k", 16_384},
		{"8k", 8_192},
	} {
		if strings.Contains(name, t.tag) {
			return t.tokens
		}
	}
	return 4_096
}

func trimExtensions(name string) string {
	for {
		ext := filepath.Ext(name)
		if ext == "" {
			return name
		}
		name = strings.TrimSuffix(name, ext)
	}
}
