package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/yungbote/graphrecall/internal/app"
	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	apperr "github.com/yungbote/graphrecall/internal/pkg/errors"
	"github.com/yungbote/graphrecall/internal/services"
)

const usage = `usage: graphrecall <command> [flags]

commands:
  ingest      -owner ID -file batch.json [-document ID] [-title T]
  synthesize  -owner ID -file batch.json
  concepts    -owner ID
  merge       -owner ID -target ID -source ID [-source ID ...]
  review show|list|approve|cancel|expire [flags]
`

type idList []uuid.UUID

func (l *idList) String() string {
	parts := make([]string, 0, len(*l))
	for _, id := range *l {
		parts = append(parts, id.String())
	}
	return strings.Join(parts, ",")
}

func (l *idList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			return fmt.Errorf("bad id %q: %w", part, err)
		}
		*l = append(*l, id)
	}
	return nil
}

type uuidFlag struct{ id uuid.UUID }

func (f *uuidFlag) String() string { return f.id.String() }
func (f *uuidFlag) Set(v string) error {
	id, err := uuid.Parse(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	f.id = id
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init app: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	svc := application.Services.Knowledge
	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "ingest":
		err = runIngest(ctx, svc, args)
	case "synthesize":
		err = runSynthesize(ctx, application, args)
	case "concepts":
		err = runConcepts(ctx, application, args)
	case "merge":
		err = runMerge(ctx, svc, args)
	case "review":
		err = runReview(ctx, application, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		application.Close()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		application.Close()
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, apperr.ErrInvalidArgument), errors.Is(err, flag.ErrHelp):
		return 2
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrSessionNotPending):
		return 3
	}
	return 1
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readBatch accepts either a bare array of candidates or {"document": ..., "concepts": [...]}.
func readBatch(path string) (knowledge.SourceDocument, []knowledge.ConceptCandidate, error) {
	var doc knowledge.SourceDocument
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, nil, err
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var cands []knowledge.ConceptCandidate
		if err := json.Unmarshal(raw, &cands); err != nil {
			return doc, nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return doc, cands, nil
	}
	var batch struct {
		Document knowledge.SourceDocument     `json:"document"`
		Concepts []knowledge.ConceptCandidate `json:"concepts"`
	}
	if err := json.Unmarshal(raw, &batch); err != nil {
		return doc, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return batch.Document, batch.Concepts, nil
}

func requireFlag(ok bool, name string) error {
	if !ok {
		return fmt.Errorf("-%s is required: %w", name, apperr.ErrInvalidArgument)
	}
	return nil
}

func runIngest(ctx context.Context, svc services.KnowledgeService, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	var owner, document uuidFlag
	fs.Var(&owner, "owner", "owner id")
	fs.Var(&document, "document", "source document id (default: file value or new)")
	file := fs.String("file", "", "JSON batch of concept candidates")
	title := fs.String("title", "", "source document title")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag(owner.id != uuid.Nil, "owner"); err != nil {
		return err
	}
	if err := requireFlag(*file != "", "file"); err != nil {
		return err
	}
	doc, cands, err := readBatch(*file)
	if err != nil {
		return err
	}
	if document.id != uuid.Nil {
		doc.ID = document.id
	}
	if *title != "" {
		doc.Title = *title
	}
	out, err := svc.Ingest(ctx, services.IngestRequest{OwnerID: owner.id, Document: doc, Concepts: cands})
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runSynthesize(ctx context.Context, application *app.App, args []string) error {
	fs := flag.NewFlagSet("synthesize", flag.ContinueOnError)
	var owner uuidFlag
	fs.Var(&owner, "owner", "owner id")
	file := fs.String("file", "", "JSON batch of concept candidates")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag(owner.id != uuid.Nil, "owner"); err != nil {
		return err
	}
	if err := requireFlag(*file != "", "file"); err != nil {
		return err
	}
	_, cands, err := readBatch(*file)
	if err != nil {
		return err
	}
	for i := range cands {
		cands[i].Sanitize()
	}
	existing, err := application.Services.Graph.ListConcepts(ctx, owner.id)
	if err != nil {
		return err
	}
	return printJSON(application.Services.Knowledge.Synthesize(ctx, cands, existing))
}

func runConcepts(ctx context.Context, application *app.App, args []string) error {
	fs := flag.NewFlagSet("concepts", flag.ContinueOnError)
	var owner uuidFlag
	fs.Var(&owner, "owner", "owner id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag(owner.id != uuid.Nil, "owner"); err != nil {
		return err
	}
	concepts, err := application.Services.Graph.ListConcepts(ctx, owner.id)
	if err != nil {
		return err
	}
	for _, c := range concepts {
		c.Embedding = nil
	}
	return printJSON(concepts)
}

func runMerge(ctx context.Context, svc services.KnowledgeService, args []string) error {
	fs := flag.NewFlagSet("merge", flag.ContinueOnError)
	var owner, target uuidFlag
	var sources idList
	fs.Var(&owner, "owner", "owner id")
	fs.Var(&target, "target", "concept that survives")
	fs.Var(&sources, "source", "concept to fold into target (repeatable, comma separated)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag(owner.id != uuid.Nil, "owner"); err != nil {
		return err
	}
	if err := requireFlag(target.id != uuid.Nil, "target"); err != nil {
		return err
	}
	if err := requireFlag(len(sources) > 0, "source"); err != nil {
		return err
	}
	res, err := svc.MergeConcepts(ctx, owner.id, target.id, sources)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runReview(ctx context.Context, application *app.App, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("review needs a subcommand: %w", apperr.ErrInvalidArgument)
	}
	svc := application.Services.Knowledge
	sub, args := args[0], args[1:]
	fs := flag.NewFlagSet("review "+sub, flag.ContinueOnError)
	var id, owner uuidFlag
	var removed idList
	fs.Var(&id, "id", "review session id")
	fs.Var(&owner, "owner", "owner id")
	fs.Var(&removed, "remove", "item id to drop at approval (repeatable, comma separated)")
	addFile := fs.String("add", "", "JSON file of extra candidates to approve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch sub {
	case "list":
		if err := requireFlag(owner.id != uuid.Nil, "owner"); err != nil {
			return err
		}
		sessions, err := svc.ListPendingReviews(ctx, owner.id)
		if err != nil {
			return err
		}
		return printJSON(sessions)
	case "expire":
		n, err := application.Services.Reviews.ExpireStale(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]int64{"expired": n})
	}

	if err := requireFlag(id.id != uuid.Nil, "id"); err != nil {
		return err
	}
	switch sub {
	case "show":
		s, err := svc.GetReviewSession(ctx, id.id)
		if err != nil {
			return err
		}
		return printJSON(s)
	case "approve":
		approval := knowledge.Approval{RemovedItemIDs: removed}
		if *addFile != "" {
			_, added, err := readBatch(*addFile)
			if err != nil {
				return err
			}
			approval.AddedConcepts = added
		}
		res, err := svc.ApproveReviewSession(ctx, id.id, approval)
		if err != nil {
			return err
		}
		return printJSON(res)
	case "cancel":
		ok, err := svc.CancelReviewSession(ctx, id.id)
		if err != nil {
			return err
		}
		return printJSON(map[string]bool{"cancelled": ok})
	}
	return fmt.Errorf("unknown review subcommand %q: %w", sub, apperr.ErrInvalidArgument)
}
