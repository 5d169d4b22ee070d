package main

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"knowledgebase/authorization"
	"knowledgebase/blobstore"
	"knowledgebase/cache"
	"knowledgebase/chunker"
	"knowledgebase/documents"
	"knowledgebase/metadata"
	"knowledgebase/modelgateway"
	"knowledgebase/pipeline"
	"knowledgebase/render"
	"knowledgebase/search"
	"knowledgebase/searchindex"
	"knowledgebase/tasks"
	"knowledgebase/versions"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(cors.Default())

	authModule, err := authorization.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register auth routes: %v", err)
	}

	store, err := metadata.NewStore(authModule.DB())
	if err != nil {
		log.Fatalf("init metadata store: %v", err)
	}
	if err := store.AutoMigrate(); err != nil {
		log.Fatalf("migrate metadata schema: %v", err)
	}

	blobs, err := blobstore.NewFromEnv()
	if err != nil {
		log.Fatalf("init blob store: %v", err)
	}

	index, err := searchindex.NewFromEnv()
	if err != nil {
		log.Fatalf("init search index client: %v", err)
	}
	ctx := context.Background()
	if err := index.EnsureIndex(ctx); err != nil {
		log.Printf("ensure search index: %v", err)
	}

	redisClient, err := cache.GetRedisClient()
	if err != nil {
		log.Printf("redis unavailable, admit gate and result cache disabled: %v", err)
	}

	resultCache := modelgateway.NewResultCache(redisClient)
	embedder, err := modelgateway.NewHTTPEmbedderFromEnv(resultCache)
	if err != nil {
		log.Fatalf("init embedder: %v", err)
	}
	vlm, err := modelgateway.NewVLMClientFromEnv()
	if err != nil {
		log.Fatalf("init VLM client: %v", err)
	}
	ocr, err := modelgateway.NewOCRClientFromEnv()
	if err != nil {
		log.Fatalf("init OCR client: %v", err)
	}
	docRenderer, err := render.NewExternalRendererFromEnv()
	if err != nil {
		log.Fatalf("init external document renderer: %v", err)
	}
	splitter := chunker.NewSplitter(500, 50, 2000)

	pipelineDeps := &pipeline.Deps{
		Store:       store,
		Blobs:       blobs,
		Index:       index,
		Embedder:    embedder,
		VLM:         vlm,
		OCR:         ocr,
		DocRenderer: docRenderer,
		Splitter:    splitter,
	}

	taskCfg := tasks.DefaultConfig()
	if raw := os.Getenv("TASKS_CPU_CONCURRENCY"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			taskCfg.CPUConcurrency = parsed
		}
	}
	if raw := os.Getenv("TASKS_MODEL_CONCURRENCY"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			taskCfg.ModelConcurrency = parsed
		}
	}
	if raw := os.Getenv("TASKS_ADMIT_LIMIT"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			taskCfg.AdmitLimit = parsed
		}
	}

	manager := tasks.NewManager(store, redisClient, taskCfg)
	manager.Register(metadata.TaskIngestDocument, tasks.PoolCPU, pipelineDeps.Ingest)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() {
		if err := manager.Run(runCtx, taskCfg); err != nil && runCtx.Err() == nil {
			log.Printf("task manager stopped: %v", err)
		}
	}()

	orchestrator := &search.Orchestrator{Store: store, Index: index, Embedder: embedder}
	versionManager := &versions.Manager{Store: store, Blobs: blobs, Index: index}

	documents.RegisterRoutes(r, authModule.Guard(), documents.Deps{
		Store:    store,
		Blobs:    blobs,
		Index:    index,
		Tasks:    manager,
		Search:   orchestrator,
		Versions: versionManager,
		Pipeline: pipelineDeps,
		Auth:     authModule,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
