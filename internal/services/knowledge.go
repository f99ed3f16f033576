package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/graphrecall/internal/data/graph"
	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/graphbuild"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/review"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/synthesis"
	"github.com/yungbote/graphrecall/internal/observability"
	apperr "github.com/yungbote/graphrecall/internal/pkg/errors"
	"github.com/yungbote/graphrecall/internal/platform/logger"
)

// KnowledgeService is the boundary the ingestion orchestrator talks to.
type KnowledgeService interface {
	Synthesize(ctx context.Context, candidates []knowledge.ConceptCandidate, existing []*knowledge.Concept) []knowledge.ConflictDecision

	CreateReviewSession(ctx context.Context, ownerID, documentID uuid.UUID, concepts []knowledge.ConceptCandidate, decisions []knowledge.ConflictDecision) (*knowledge.ReviewSession, error)
	GetReviewSession(ctx context.Context, sessionID uuid.UUID) (*knowledge.ReviewSession, error)
	UpdateReviewSession(ctx context.Context, sessionID uuid.UUID, concepts []knowledge.ReviewConcept) (*knowledge.ReviewSession, error)
	ApproveReviewSession(ctx context.Context, sessionID uuid.UUID, approval knowledge.Approval) (knowledge.BuildResult, error)
	CancelReviewSession(ctx context.Context, sessionID uuid.UUID) (bool, error)
	ListPendingReviews(ctx context.Context, ownerID uuid.UUID) ([]*knowledge.ReviewSession, error)

	BuildGraph(ctx context.Context, ownerID uuid.UUID, concepts []knowledge.ConceptCandidate, decisions []knowledge.ConflictDecision, documentID uuid.UUID) (knowledge.BuildResult, error)
	MergeConcepts(ctx context.Context, ownerID, targetID uuid.UUID, sourceIDs []uuid.UUID) (knowledge.MergeResult, error)

	Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error)
}

type RoutingConfig struct {
	Mode             review.Mode
	ReviewConfidence float64
}

// IngestRequest is one extracted batch for one document.
type IngestRequest struct {
	OwnerID  uuid.UUID                    `json:"owner_id"`
	Document knowledge.SourceDocument     `json:"document"`
	Concepts []knowledge.ConceptCandidate `json:"concepts"`
}

// IngestResult carries either a build summary or the session opened for review.
type IngestResult struct {
	DocumentID uuid.UUID                    `json:"document_id"`
	Decisions  []knowledge.ConflictDecision `json:"decisions"`
	Session    *knowledge.ReviewSession     `json:"session,omitempty"`
	Build      *knowledge.BuildResult       `json:"build,omitempty"`
}

type knowledgeService struct {
	log      *logger.Logger
	store    graph.Store
	embedder synthesis.Embedder
	resolver *synthesis.Resolver
	builder  *graphbuild.Builder
	reviews  *review.Manager
	routing  RoutingConfig
	tracer   trace.Tracer
}

func NewKnowledgeService(
	baseLog *logger.Logger,
	store graph.Store,
	embedder synthesis.Embedder,
	resolver *synthesis.Resolver,
	builder *graphbuild.Builder,
	reviews *review.Manager,
	routing RoutingConfig,
) KnowledgeService {
	if routing.Mode == "" {
		routing.Mode = review.ModeAuto
	}
	if routing.ReviewConfidence <= 0 {
		routing.ReviewConfidence = review.DefaultReviewConfidence
	}
	return &knowledgeService{
		log:      baseLog.With("service", "KnowledgeService"),
		store:    store,
		embedder: embedder,
		resolver: resolver,
		builder:  builder,
		reviews:  reviews,
		routing:  routing,
		tracer:   observability.Tracer(),
	}
}

func (s *knowledgeService) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "knowledge."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *knowledgeService) Synthesize(ctx context.Context, candidates []knowledge.ConceptCandidate, existing []*knowledge.Concept) []knowledge.ConflictDecision {
	ctx, span := s.start(ctx, "synthesize",
		attribute.Int("candidates", len(candidates)),
		attribute.Int("existing", len(existing)),
	)
	defer span.End()
	return s.resolver.Analyze(ctx, candidates, existing)
}

func (s *knowledgeService) CreateReviewSession(ctx context.Context, ownerID, documentID uuid.UUID, concepts []knowledge.ConceptCandidate, decisions []knowledge.ConflictDecision) (sess *knowledge.ReviewSession, err error) {
	ctx, span := s.start(ctx, "review.create", attribute.Int("concepts", len(concepts)))
	defer func() { endSpan(span, err) }()
	return s.reviews.Create(ctx, ownerID, documentID, concepts, decisions)
}

func (s *knowledgeService) GetReviewSession(ctx context.Context, sessionID uuid.UUID) (sess *knowledge.ReviewSession, err error) {
	ctx, span := s.start(ctx, "review.get", attribute.String("session_id", sessionID.String()))
	defer func() { endSpan(span, err) }()
	return s.reviews.Get(ctx, sessionID)
}

func (s *knowledgeService) UpdateReviewSession(ctx context.Context, sessionID uuid.UUID, concepts []knowledge.ReviewConcept) (sess *knowledge.ReviewSession, err error) {
	ctx, span := s.start(ctx, "review.update", attribute.String("session_id", sessionID.String()))
	defer func() { endSpan(span, err) }()
	return s.reviews.Update(ctx, sessionID, concepts)
}

func (s *knowledgeService) ApproveReviewSession(ctx context.Context, sessionID uuid.UUID, approval knowledge.Approval) (res knowledge.BuildResult, err error) {
	ctx, span := s.start(ctx, "review.approve",
		attribute.String("session_id", sessionID.String()),
		attribute.Int("removed", len(approval.RemovedItemIDs)),
		attribute.Int("added", len(approval.AddedConcepts)),
	)
	defer func() { endSpan(span, err) }()
	return s.reviews.Approve(ctx, sessionID, approval)
}

func (s *knowledgeService) CancelReviewSession(ctx context.Context, sessionID uuid.UUID) (ok bool, err error) {
	ctx, span := s.start(ctx, "review.cancel", attribute.String("session_id", sessionID.String()))
	defer func() { endSpan(span, err) }()
	return s.reviews.Cancel(ctx, sessionID)
}

func (s *knowledgeService) ListPendingReviews(ctx context.Context, ownerID uuid.UUID) (out []*knowledge.ReviewSession, err error) {
	ctx, span := s.start(ctx, "review.list_pending")
	defer func() { endSpan(span, err) }()
	return s.reviews.ListPending(ctx, ownerID)
}

func (s *knowledgeService) BuildGraph(ctx context.Context, ownerID uuid.UUID, concepts []knowledge.ConceptCandidate, decisions []knowledge.ConflictDecision, documentID uuid.UUID) (res knowledge.BuildResult, err error) {
	ctx, span := s.start(ctx, "build_graph", attribute.Int("concepts", len(concepts)))
	defer func() {
		span.SetAttributes(
			attribute.Int("created", res.ConceptsCreated),
			attribute.Int("updated", res.ConceptsUpdated),
			attribute.Int("failed", res.ConceptsFailed),
		)
		endSpan(span, err)
	}()
	return s.builder.Build(ctx, ownerID, concepts, decisions, documentID)
}

func (s *knowledgeService) MergeConcepts(ctx context.Context, ownerID, targetID uuid.UUID, sourceIDs []uuid.UUID) (res knowledge.MergeResult, err error) {
	ctx, span := s.start(ctx, "merge_concepts",
		attribute.String("target_id", targetID.String()),
		attribute.Int("sources", len(sourceIDs)),
	)
	defer func() { endSpan(span, err) }()
	return s.builder.Merge(ctx, ownerID, targetID, sourceIDs)
}

// Ingest runs one batch end to end: register the document, classify against the
// owner's graph, then build directly or hold the batch for review.
func (s *knowledgeService) Ingest(ctx context.Context, req IngestRequest) (out *IngestResult, err error) {
	ctx, span := s.start(ctx, "ingest", attribute.Int("concepts", len(req.Concepts)))
	defer func() { endSpan(span, err) }()

	if req.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("ingest: owner required: %w", apperr.ErrInvalidArgument)
	}
	doc := req.Document
	doc.OwnerID = req.OwnerID
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	log := s.log.With("owner_id", req.OwnerID.String(), "document_id", doc.ID.String())

	// The document is kept whatever happens to the batch, including a cancelled review.
	if err := s.store.UpsertDocument(ctx, doc); err != nil {
		log.Warn("document upsert failed; continuing", "error", err)
	}

	cands := make([]knowledge.ConceptCandidate, 0, len(req.Concepts))
	for _, c := range req.Concepts {
		c.Sanitize()
		if c.NameKey() == "" {
			continue
		}
		cands = append(cands, c)
	}
	s.attachEmbeddings(ctx, log, cands)

	existing, loadErr := s.store.ListConcepts(ctx, req.OwnerID)
	if loadErr != nil {
		// Identity upserts keep an empty pool from duplicating nodes.
		log.Warn("existing concept load failed; treating pool as empty", "error", loadErr)
		existing = nil
	}

	decisions := s.Synthesize(ctx, cands, existing)
	out = &IngestResult{DocumentID: doc.ID, Decisions: decisions}

	if review.NeedsReview(s.routing.Mode, decisions, s.routing.ReviewConfidence) {
		sess, err := s.CreateReviewSession(ctx, req.OwnerID, doc.ID, cands, decisions)
		if err != nil {
			return nil, err
		}
		out.Session = sess
		span.SetAttributes(attribute.Bool("review", true))
		return out, nil
	}
	res, err := s.BuildGraph(ctx, req.OwnerID, cands, decisions, doc.ID)
	if err != nil {
		return nil, err
	}
	out.Build = &res
	return out, nil
}

// attachEmbeddings fills missing candidate vectors so built concepts keep them. A
// failure leaves the gaps for the resolver's name-key path.
func (s *knowledgeService) attachEmbeddings(ctx context.Context, log *logger.Logger, cands []knowledge.ConceptCandidate) {
	if s.embedder == nil {
		return
	}
	var (
		texts []string
		idx   []int
	)
	for i := range cands {
		if len(cands[i].Embedding) == 0 {
			texts = append(texts, cands[i].EmbeddingText())
			idx = append(idx, i)
		}
	}
	if len(texts) == 0 {
		return
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		log.Warn("candidate embedding failed", "missing", len(texts), "error", err)
		return
	}
	for j, i := range idx {
		cands[i].Embedding = vecs[j]
	}
}
