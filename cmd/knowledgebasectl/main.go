package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"knowledgebase/authorization"
	"knowledgebase/blobstore"
	"knowledgebase/metadata"
	"knowledgebase/chunker"
	"knowledgebase/modelgateway"
	"knowledgebase/pipeline"
	"knowledgebase/searchindex"
)

// exitUsage and exitInternal are the two non-zero exit codes this tool
// ever returns — a bad command line or bad arguments versus everything
// else (a dependency that's down, a query that failed).
const (
	exitOK       = 0
	exitUsage    = 2
	exitInternal = 1
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	ctx := context.Background()
	var err error
	switch os.Args[1] {
	case "init-index":
		err = runInitIndex(ctx)
	case "migrate":
		err = runMigrate(ctx)
	case "cleanup-orphans":
		err = runCleanupOrphans(ctx, os.Args[2:])
	case "reindex-version":
		err = runReindexVersion(ctx, os.Args[2:])
	case "rotate-tokens":
		err = runRotateTokens(ctx)
	case "-h", "-help", "--help", "help":
		usage()
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "knowledgebasectl: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(exitUsage)
	}

	if err != nil {
		if uerr, ok := err.(*usageError); ok {
			fmt.Fprintln(os.Stderr, "knowledgebasectl:", uerr.Error())
			os.Exit(exitUsage)
		}
		log.Printf("knowledgebasectl: %v", err)
		os.Exit(exitInternal)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `knowledgebasectl — operational commands for the knowledge base service.

Usage:
  knowledgebasectl init-index           create the search index if it doesn't exist
  knowledgebasectl migrate              apply pending relational schema migrations
  knowledgebasectl cleanup-orphans      list (never delete) orphaned chunks and blobs; requeue expired-lease tasks
  knowledgebasectl reindex-version <id> rebuild one version's search documents
  knowledgebasectl rotate-tokens        deactivate every expired tool token`)
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func runInitIndex(ctx context.Context) error {
	index, err := searchindex.NewFromEnv()
	if err != nil {
		return fmt.Errorf("init search index client: %w", err)
	}
	if err := index.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("ensure search index: %w", err)
	}
	fmt.Println("search index ready")
	return nil
}

func runMigrate(ctx context.Context) error {
	db, err := authorization.OpenDatabaseFromEnv()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&authorization.Organization{}, &authorization.User{}, &authorization.Role{}, &authorization.UserRole{}, &authorization.ToolToken{}); err != nil {
		return fmt.Errorf("migrate authorization schema: %w", err)
	}

	store, err := metadata.NewStore(db)
	if err != nil {
		return fmt.Errorf("init metadata store: %w", err)
	}
	if err := store.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate document schema: %w", err)
	}
	fmt.Println("schema up to date")
	return nil
}

func runCleanupOrphans(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cleanup-orphans", flag.ContinueOnError)
	verbose := fs.Bool("v", false, "print every orphaned key, not just counts")
	if err := fs.Parse(args); err != nil {
		return &usageError{err.Error()}
	}

	db, err := authorization.OpenDatabaseFromEnv()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	store, err := metadata.NewStore(db)
	if err != nil {
		return fmt.Errorf("init metadata store: %w", err)
	}

	orphanVersionIDs, err := store.OrphanChunkVersionIDs(ctx)
	if err != nil {
		return fmt.Errorf("find orphaned chunks: %w", err)
	}
	fmt.Printf("orphaned chunk groups (no owning version): %d\n", len(orphanVersionIDs))
	if *verbose {
		for _, id := range orphanVersionIDs {
			fmt.Printf("  version_id=%d\n", id)
		}
	}

	stuck, err := store.SweepExpiredLeases(ctx, []metadata.TaskKind{metadata.TaskIngestDocument})
	if err != nil {
		return fmt.Errorf("sweep expired leases: %w", err)
	}
	fmt.Printf("tasks requeued for an expired lease: %d\n", stuck)

	blobs, err := blobstore.NewFromEnv()
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}
	referenced, err := store.AllStorageKeys(ctx)
	if err != nil {
		return fmt.Errorf("list referenced storage keys: %w", err)
	}
	referencedSet := make(map[string]bool, len(referenced))
	for _, key := range referenced {
		referencedSet[key] = true
	}

	allKeys, err := blobs.ListKeys(ctx, "")
	if err != nil {
		return fmt.Errorf("list blob keys: %w", err)
	}
	var orphanedBlobs []string
	for _, key := range allKeys {
		if !referencedSet[key] {
			orphanedBlobs = append(orphanedBlobs, key)
		}
	}
	fmt.Printf("orphaned blobs (no referencing row): %d\n", len(orphanedBlobs))
	if *verbose {
		for _, key := range orphanedBlobs {
			fmt.Printf("  %s\n", key)
		}
	}

	fmt.Println("this command lists chunk and blob candidates and requeues expired leases; nothing was deleted")
	return nil
}

func runReindexVersion(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return &usageError{"reindex-version requires exactly one argument: <version_id>"}
	}
	versionID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return &usageError{fmt.Sprintf("invalid version id %q: %v", args[0], err)}
	}

	db, err := authorization.OpenDatabaseFromEnv()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	store, err := metadata.NewStore(db)
	if err != nil {
		return fmt.Errorf("init metadata store: %w", err)
	}
	blobs, err := blobstore.NewFromEnv()
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}
	index, err := searchindex.NewFromEnv()
	if err != nil {
		return fmt.Errorf("init search index client: %w", err)
	}
	resultCache := modelgateway.NewResultCache(nil)
	embedder, err := modelgateway.NewHTTPEmbedderFromEnv(resultCache)
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}
	vlm, err := modelgateway.NewVLMClientFromEnv()
	if err != nil {
		return fmt.Errorf("init VLM client: %w", err)
	}

	deps := &pipeline.Deps{
		Store:    store,
		Blobs:    blobs,
		Index:    index,
		Embedder: embedder,
		VLM:      vlm,
		Splitter: chunker.NewSplitter(500, 50, 2000),
	}
	if err := deps.ReindexVersion(ctx, versionID); err != nil {
		return fmt.Errorf("reindex version %d: %w", versionID, err)
	}
	fmt.Printf("version %d reindexed\n", versionID)
	return nil
}

func runRotateTokens(ctx context.Context) error {
	db, err := authorization.OpenDatabaseFromEnv()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	deactivated, err := authorization.DeactivateExpiredTokens(db)
	if err != nil {
		return fmt.Errorf("deactivate expired tokens: %w", err)
	}
	fmt.Printf("deactivated %d expired tool tokens\n", deactivated)
	return nil
}
