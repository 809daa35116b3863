package app

import (
	"context"
	"encoding/json"

	"github.com/valetd/valet"
)

// MemoryService exposes the memory engine behind the "memory" service id:
// CRUD, semantic search, the orphan-vector sweep, and manual compaction.
type MemoryService struct {
	rt        *valet.Runtime
	opts      options
	core      *valet.ServiceCore
	compactor *valet.Compactor
}

var _ valet.Service = (*MemoryService)(nil)

// NewMemoryService creates the memory service.
func NewMemoryService(rt *valet.Runtime, opts ...Option) *MemoryService {
	o := buildOptions(opts)
	return &MemoryService{
		rt:   rt,
		opts: o,
		core: valet.NewServiceCore("memory", o.logger),
	}
}

func (s *MemoryService) ID() string               { return "memory" }
func (s *MemoryService) Core() *valet.ServiceCore { return s.core }

func (s *MemoryService) Init(ctx context.Context) error {
	if s.rt.Memory == nil {
		return valet.Errorf(valet.KindValidation, "memory.init", "missing memory engine")
	}

	var copts []valet.CompactorOption
	if s.opts.compactionWindow > 0 {
		copts = append(copts, valet.WithCompactionWindow(s.opts.compactionWindow))
	}
	if s.opts.logger != nil {
		copts = append(copts, valet.WithCompactorLogger(s.opts.logger))
	}
	s.compactor = valet.NewCompactor(s.rt.Provider, s.rt.Memory, s.rt.Messages, copts...)

	s.core.Handle("add", s.add)
	s.core.Handle("get", s.get)
	s.core.Handle("list", s.list)
	s.core.Handle("search", s.search)
	s.core.Handle("update", s.update)
	s.core.Handle("delete", s.delete)
	s.core.Handle("sweep_orphans", s.sweepOrphans)
	s.core.Handle("compact", s.compact)
	return nil
}

func (s *MemoryService) Shutdown(context.Context) error { return nil }

func (s *MemoryService) add(ctx context.Context, args json.RawMessage) (any, error) {
	var w valet.MemoryWrite
	if err := json.Unmarshal(args, &w); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "memory.add", "decode args", err)
	}
	return s.rt.Memory.Add(ctx, w)
}

type idArgs struct {
	ID string `json:"id"`
}

func (s *MemoryService) get(ctx context.Context, args json.RawMessage) (any, error) {
	var a idArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "memory.get", "decode args", err)
	}
	return s.rt.Memory.Get(ctx, a.ID)
}

func (s *MemoryService) list(ctx context.Context, args json.RawMessage) (any, error) {
	var q valet.MemoryQuery
	if len(args) > 0 {
		if err := json.Unmarshal(args, &q); err != nil {
			return nil, valet.WrapErr(valet.KindValidation, "memory.list", "decode args", err)
		}
	}
	return s.rt.Memory.List(ctx, q)
}

func (s *MemoryService) search(ctx context.Context, args json.RawMessage) (any, error) {
	var q valet.SearchQuery
	if err := json.Unmarshal(args, &q); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "memory.search", "decode args", err)
	}
	return s.rt.Memory.Search(ctx, q)
}

type updateArgs struct {
	ID      string            `json:"id"`
	Kind    *valet.MemoryKind `json:"kind,omitempty"`
	Title   *string           `json:"title,omitempty"`
	Content *string           `json:"content,omitempty"`
	Tags    *[]string         `json:"tags,omitempty"`
}

func (s *MemoryService) update(ctx context.Context, args json.RawMessage) (any, error) {
	var a updateArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "memory.update", "decode args", err)
	}
	return s.rt.Memory.Update(ctx, a.ID, valet.MemoryPatch{
		Kind:    a.Kind,
		Title:   a.Title,
		Content: a.Content,
		Tags:    a.Tags,
	})
}

func (s *MemoryService) delete(ctx context.Context, args json.RawMessage) (any, error) {
	var a idArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "memory.delete", "decode args", err)
	}
	return nil, s.rt.Memory.Delete(ctx, a.ID)
}

func (s *MemoryService) sweepOrphans(ctx context.Context, _ json.RawMessage) (any, error) {
	removed, err := s.rt.Memory.SweepOrphans(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]int{"removed": removed}, nil
}

type compactArgs struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

func (s *MemoryService) compact(ctx context.Context, args json.RawMessage) (any, error) {
	var a compactArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "memory.compact", "decode args", err)
	}
	return s.compactor.Compact(ctx, a.UserID, a.ConversationID)
}
