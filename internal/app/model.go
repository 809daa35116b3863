package app

import (
	"context"
	"encoding/json"

	"github.com/valetd/valet"
)

// ModelService is the LLM facade behind the "model" service id: chat and
// embedding calls with transient-error retry, so other services and RPC
// callers share one resilient path to the providers.
type ModelService struct {
	rt       *valet.Runtime
	opts     options
	core     *valet.ServiceCore
	provider valet.Provider
	embedder valet.EmbeddingProvider
}

var _ valet.Service = (*ModelService)(nil)

// NewModelService creates the model service.
func NewModelService(rt *valet.Runtime, opts ...Option) *ModelService {
	o := buildOptions(opts)
	return &ModelService{
		rt:   rt,
		opts: o,
		core: valet.NewServiceCore("model", o.logger),
	}
}

func (s *ModelService) ID() string               { return "model" }
func (s *ModelService) Core() *valet.ServiceCore { return s.core }

func (s *ModelService) Init(context.Context) error {
	if s.rt.Provider == nil {
		return valet.Errorf(valet.KindValidation, "model.init", "missing provider")
	}

	var ropts []valet.RetryOption
	if s.opts.logger != nil {
		ropts = append(ropts, valet.RetryLogger(s.opts.logger))
	}
	s.provider = valet.WithRetry(s.rt.Provider, ropts...)
	if s.rt.Embedder != nil {
		s.embedder = valet.WithEmbeddingRetry(s.rt.Embedder, ropts...)
	}

	s.core.Handle("chat", s.chat)
	s.core.Handle("embed", s.embed)
	return nil
}

func (s *ModelService) Shutdown(context.Context) error { return nil }

func (s *ModelService) chat(ctx context.Context, args json.RawMessage) (any, error) {
	var req valet.ChatRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "model.chat", "decode args", err)
	}
	if len(req.Messages) == 0 {
		return nil, valet.Errorf(valet.KindValidation, "model.chat", "empty message list")
	}
	return s.provider.Chat(ctx, req)
}

type embedArgs struct {
	Texts []string `json:"texts"`
}

func (s *ModelService) embed(ctx context.Context, args json.RawMessage) (any, error) {
	if s.embedder == nil {
		return nil, valet.Errorf(valet.KindValidation, "model.embed", "no embedding provider configured")
	}
	var a embedArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "model.embed", "decode args", err)
	}
	if len(a.Texts) == 0 {
		return nil, valet.Errorf(valet.KindValidation, "model.embed", "empty text list")
	}
	vecs, err := s.embedder.Embed(ctx, a.Texts)
	if err != nil {
		return nil, err
	}
	return map[string]any{"embeddings": vecs, "dimensions": s.embedder.Dimensions()}, nil
}
