package app

import (
	"context"
	"encoding/json"

	"github.com/valetd/valet"
)

// PlannerService runs the per-message state machine behind the "planner"
// service id. Channel adapters and the gateway deliver inbound messages
// through its handle_message method.
type PlannerService struct {
	rt      *valet.Runtime
	opts    options
	core    *valet.ServiceCore
	planner *valet.Planner
}

var _ valet.Service = (*PlannerService)(nil)

// NewPlannerService creates the planner service over a validated runtime.
func NewPlannerService(rt *valet.Runtime, opts ...Option) *PlannerService {
	o := buildOptions(opts)
	return &PlannerService{
		rt:   rt,
		opts: o,
		core: valet.NewServiceCore("planner", o.logger),
	}
}

func (s *PlannerService) ID() string               { return "planner" }
func (s *PlannerService) Core() *valet.ServiceCore { return s.core }

func (s *PlannerService) Init(ctx context.Context) error {
	if err := s.rt.Validate(); err != nil {
		return err
	}

	var extractor *valet.Extractor
	var compactor *valet.Compactor
	if s.rt.Memory != nil {
		extractor = valet.NewExtractor(s.rt.Provider, s.rt.Memory, s.opts.logger)
		var copts []valet.CompactorOption
		if s.opts.compactionWindow > 0 {
			copts = append(copts, valet.WithCompactionWindow(s.opts.compactionWindow))
		}
		if s.opts.compactionThreshold > 0 {
			copts = append(copts, valet.WithCompactionThreshold(s.opts.compactionThreshold))
		}
		if s.opts.logger != nil {
			copts = append(copts, valet.WithCompactorLogger(s.opts.logger))
		}
		compactor = valet.NewCompactor(s.rt.Provider, s.rt.Memory, s.rt.Messages, copts...)
	}

	var popts []valet.PlannerOption
	if s.opts.historyWindow > 0 {
		popts = append(popts, valet.WithHistoryWindow(s.opts.historyWindow))
	}
	if s.opts.recallLimit > 0 {
		popts = append(popts, valet.WithRecallLimit(s.opts.recallLimit))
	}
	if s.opts.logger != nil {
		popts = append(popts, valet.WithPlannerLogger(s.opts.logger))
	}
	s.planner = valet.NewPlanner(valet.PlannerDeps{
		Provider:      s.rt.Provider,
		Embedder:      s.rt.Embedder,
		Engine:        s.rt.Memory,
		Messages:      s.rt.Messages,
		Conversations: s.rt.Conversations,
		Registry:      s.rt.Registry,
		Dispatcher:    s.rt.Dispatcher,
		Bus:           s.rt.Bus,
		Extractor:     extractor,
		Compactor:     compactor,
	}, popts...)

	s.core.Handle("handle_message", s.handleMessage)
	s.core.Handle("get_history", s.getHistory)
	s.core.Handle("list_conversations", s.listConversations)
	return nil
}

func (s *PlannerService) Shutdown(context.Context) error { return nil }

type handleMessageArgs struct {
	ConversationID string                 `json:"conversation_id,omitempty"`
	UserID         string                 `json:"user_id"`
	Content        string                 `json:"content"`
	Source         valet.SourceDescriptor `json:"source"`
}

func (s *PlannerService) handleMessage(ctx context.Context, args json.RawMessage) (any, error) {
	var a handleMessageArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "planner.handle_message", "decode args", err)
	}
	return s.planner.HandleMessage(ctx, valet.InboundMessage{
		ConversationID: a.ConversationID,
		UserID:         a.UserID,
		Content:        a.Content,
		Source:         a.Source,
	})
}

type getHistoryArgs struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
}

func (s *PlannerService) getHistory(ctx context.Context, args json.RawMessage) (any, error) {
	var a getHistoryArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "planner.get_history", "decode args", err)
	}
	if a.ConversationID == "" {
		return nil, valet.Errorf(valet.KindValidation, "planner.get_history", "missing conversation id")
	}
	limit := a.Limit
	if limit <= 0 {
		limit = 50
	}
	return s.rt.Messages.FindByConversation(ctx, a.ConversationID, limit)
}

type listConversationsArgs struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit,omitempty"`
}

func (s *PlannerService) listConversations(ctx context.Context, args json.RawMessage) (any, error) {
	var a listConversationsArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "planner.list_conversations", "decode args", err)
	}
	if a.UserID == "" {
		return nil, valet.Errorf(valet.KindValidation, "planner.list_conversations", "missing user id")
	}
	if s.rt.Conversations == nil {
		return nil, valet.Errorf(valet.KindInternal, "planner.list_conversations", "conversation store not configured")
	}
	limit := a.Limit
	if limit <= 0 {
		limit = 50
	}
	return s.rt.Conversations.ListConversations(ctx, a.UserID, limit)
}
