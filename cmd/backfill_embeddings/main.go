package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/graphrecall/internal/app"
	"github.com/yungbote/graphrecall/internal/domain/knowledge"
)

type idList []string

func (l *idList) String() string { return strings.Join(*l, ",") }
func (l *idList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v != "" {
		*l = append(*l, v)
	}
	return nil
}

// Embeds stored concepts that have no vector yet, so later synthesis runs can match
// them by similarity instead of by name.
func main() {
	var owners idList
	var dryRun bool
	var limit int
	flag.Var(&owners, "owner", "owner id to backfill (repeatable)")
	flag.BoolVar(&dryRun, "dry-run", false, "print concepts that would be embedded without writing")
	flag.IntVar(&limit, "limit", 0, "limit number of concepts embedded per owner")
	flag.Parse()

	ids := make([]uuid.UUID, 0, len(owners))
	for _, s := range owners {
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err == nil && id != uuid.Nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		fmt.Println("no valid owner values provided")
		os.Exit(2)
	}

	ctx := context.Background()
	application, err := app.New(ctx)
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	index := application.Services.Embedding
	if index == nil && !dryRun {
		fmt.Println("embedding index unavailable (OPENAI_API_KEY missing)")
		application.Close()
		os.Exit(1)
	}
	store := application.Services.Graph

	updated := 0
	for _, owner := range ids {
		concepts, err := store.ListConcepts(ctx, owner)
		if err != nil {
			fmt.Printf("list concepts for owner %s: %v\n", owner, err)
			continue
		}
		var missing []*knowledge.Concept
		for _, c := range concepts {
			if len(c.Embedding) == 0 {
				missing = append(missing, c)
			}
		}
		if limit > 0 && len(missing) > limit {
			missing = missing[:limit]
		}
		if len(missing) == 0 {
			continue
		}
		if dryRun {
			for _, c := range missing {
				fmt.Printf("[dry-run] embed concept owner=%s id=%s name=%q\n", owner, c.ID, c.Name)
			}
			continue
		}

		texts := make([]string, len(missing))
		for i, c := range missing {
			texts[i] = c.EmbeddingText()
		}
		vecs, err := index.EmbedBatch(ctx, texts)
		if err != nil {
			fmt.Printf("embed failed for owner %s: %v\n", owner, err)
			continue
		}
		for i, c := range missing {
			if len(vecs[i]) == 0 {
				continue
			}
			c.Embedding = vecs[i]
			if _, _, err := store.UpsertConcept(ctx, c); err != nil {
				fmt.Printf("write embedding for concept %s: %v\n", c.ID, err)
				continue
			}
			updated++
		}
		fmt.Printf("owner=%s embedded=%d\n", owner, len(missing))
	}

	fmt.Printf("done; updated=%d\n", updated)
}
