package rerank

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig configures a local cross-encoder model.
type ONNXConfig struct {
	RuntimeLib    string // path to the onnxruntime shared library
	ModelPath     string
	TokenizerPath string // tokenizer.json
	MaxSeqLen     int
	InputNames    []string // default input_ids, attention_mask, token_type_ids
	OutputName    string   // default logits
}

// ONNXReranker runs a cross-encoder with onnxruntime. Scores are the sigmoid
// of the single output logit.
type ONNXReranker struct {
	mu        sync.Mutex
	session   *ort.DynamicAdvancedSession
	tk        *tokenizer.Tokenizer
	maxSeqLen int
	name      string
	withTypes bool
}

var ortInit sync.Once
var ortInitErr error

// NewONNXReranker loads the tokenizer and model. The onnxruntime environment
// is initialized once per process.
func NewONNXReranker(cfg ONNXConfig) (*ONNXReranker, error) {
	if cfg.ModelPath == "" || cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("model_path and tokenizer_path are required")
	}
	if cfg.MaxSeqLen <= 0 {
		cfg.MaxSeqLen = 512
	}
	if len(cfg.InputNames) == 0 {
		cfg.InputNames = []string{"input_ids", "attention_mask", "token_type_ids"}
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "logits"
	}

	ortInit.Do(func() {
		if cfg.RuntimeLib != "" {
			ort.SetSharedLibraryPath(cfg.RuntimeLib)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", ortInitErr)
	}

	tk, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, cfg.InputNames, []string{cfg.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &ONNXReranker{
		session:   session,
		tk:        tk,
		maxSeqLen: cfg.MaxSeqLen,
		name:      filepath.Base(cfg.ModelPath),
		withTypes: len(cfg.InputNames) >= 3,
	}, nil
}

// Score runs one inference per document. Inference is serialized on the
// session; ctx is checked between documents.
func (o *ONNXReranker) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return nil, ErrUnavailable
	}

	scores := make([]float64, len(docs))
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logit, err := o.scorePair(query, doc)
		if err != nil {
			return nil, fmt.Errorf("score document %d: %w", i, err)
		}
		scores[i] = sigmoid(logit)
	}
	return scores, nil
}

func (o *ONNXReranker) scorePair(query, doc string) (float64, error) {
	enc, err := o.tk.EncodePair(query, doc, true)
	if err != nil {
		return 0, fmt.Errorf("tokenize: %w", err)
	}
	ids := truncate(enc.Ids, o.maxSeqLen)
	mask := truncate(enc.AttentionMask, o.maxSeqLen)
	types := truncate(enc.TypeIds, o.maxSeqLen)

	shape := ort.NewShape(1, int64(len(ids)))
	inputs := make([]ort.Value, 0, 3)
	defer func() {
		for _, v := range inputs {
			_ = v.Destroy()
		}
	}()

	for _, data := range [][]int{ids, mask, types}[:o.inputCount()] {
		t, err := ort.NewTensor(shape, toInt64(data))
		if err != nil {
			return 0, fmt.Errorf("create input tensor: %w", err)
		}
		inputs = append(inputs, t)
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, fmt.Errorf("create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := o.session.Run(inputs, []ort.Value{output}); err != nil {
		return 0, fmt.Errorf("run session: %w", err)
	}
	data := output.GetData()
	if len(data) == 0 {
		return 0, fmt.Errorf("empty model output")
	}
	return float64(data[0]), nil
}

func (o *ONNXReranker) inputCount() int {
	if o.withTypes {
		return 3
	}
	return 2
}

// Name returns the model file name.
func (o *ONNXReranker) Name() string {
	return o.name
}

// Close releases the session.
func (o *ONNXReranker) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return nil
	}
	err := o.session.Destroy()
	o.session = nil
	return err
}

// truncate keeps the first n-1 tokens and the final one so the closing
// separator survives.
func truncate(v []int, n int) []int {
	if len(v) <= n || n < 2 {
		return v
	}
	out := make([]int, n)
	copy(out, v[:n-1])
	out[n-1] = v[len(v)-1]
	return out
}

func toInt64(v []int) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

var _ Reranker = (*ONNXReranker)(nil)
