// Command pagemill runs the document extraction pipeline: it maintains a
// durable work queue in an object-storage workspace, supervises a local
// model-serving subprocess, and fans source documents out over concurrent
// workers that write JSONL result artifacts back to the workspace.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openfoundry-ai/pagemill/internal/config"
	"github.com/openfoundry-ai/pagemill/internal/extract"
	"github.com/openfoundry-ai/pagemill/internal/inference"
	"github.com/openfoundry-ai/pagemill/internal/metrics"
	"github.com/openfoundry-ai/pagemill/internal/pipeline"
	"github.com/openfoundry-ai/pagemill/internal/queue"
	"github.com/openfoundry-ai/pagemill/internal/storage"
)

const (
	reportInterval    = 10 * time.Second
	metricsWindow     = 5 * time.Minute
	pageCountSamples  = 100
	defaultModelName  = "Qwen2-VL-7B-Instruct"
	defaultMaxPermits = 512
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("Pipeline failed.", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	var (
		modelLocations string
		statsOnly      bool
	)
	flag.StringVar(&cfg.Workspace, "workspace", cfg.Workspace, "object storage workspace (gs://, s3:// or local dir)")
	flag.StringVar(&cfg.PDFs, "pdfs", cfg.PDFs, "glob of source documents, or a local .txt list file, to add to the queue")
	flag.IntVar(&cfg.PagesPerGroup, "pages-per-group", cfg.PagesPerGroup, "target page count per work item")
	flag.IntVar(&cfg.MaxPageRetries, "max-page-retries", cfg.MaxPageRetries, "retry budget per page")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "concurrent work item processors")
	flag.StringVar(&modelLocations, "model", "", "comma-separated candidate locations for the model weights")
	flag.StringVar(&cfg.ModelChatTemplate, "model-chat-template", cfg.ModelChatTemplate, "chat template passed to the serving subprocess")
	flag.IntVar(&cfg.ModelMaxContext, "model-max-context", cfg.ModelMaxContext, "maximum model context length in tokens")
	flag.IntVar(&cfg.TargetLongestImageDim, "target-longest-image-dim", cfg.TargetLongestImageDim, "longest rendered page dimension in pixels")
	flag.IntVar(&cfg.TargetAnchorTextLen, "target-anchor-text-len", cfg.TargetAnchorTextLen, "initial anchor text length in characters")
	flag.IntVar(&cfg.InferencePort, "port", cfg.InferencePort, "local inference server port")
	flag.BoolVar(&statsOnly, "stats", false, "print workspace statistics and exit")
	flag.Parse()

	if flag.NArg() == 1 && cfg.Workspace == "" {
		cfg.Workspace = flag.Arg(0)
	}
	if modelLocations != "" {
		cfg.ModelLocations = strings.Split(modelLocations, ",")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workspace, err := storage.Open(ctx, cfg.Workspace)
	if err != nil {
		return fmt.Errorf("failed to open workspace %s: %w", cfg.Workspace, err)
	}
	workQueue := queue.New(workspace)

	if statsOnly {
		stats, err := pipeline.CollectStats(ctx, workspace)
		if err != nil {
			return err
		}
		fmt.Println(stats)
		return nil
	}

	if cfg.PDFs != "" {
		if err := populate(ctx, cfg, workQueue); err != nil {
			return fmt.Errorf("failed to populate work queue: %w", err)
		}
	}

	if err := workQueue.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize work queue: %w", err)
	}
	if workQueue.Size() == 0 {
		slog.Info("No work to do, exiting.")
		return nil
	}
	if len(cfg.ModelLocations) == 0 {
		return fmt.Errorf("model locations must be set to process work (use --model)")
	}

	return runPipeline(ctx, cfg, workspace, workQueue)
}

// runPipeline starts the serving subprocess, waits for readiness, then runs
// the worker pool until the queue drains or the server turns fatal.
func runPipeline(ctx context.Context, cfg *config.Config, workspace storage.ObjectStore, workQueue *queue.WorkQueue) error {
	gate := inference.NewGate(defaultMaxPermits)
	supervisor := inference.NewSupervisor(inference.SupervisorConfig{
		ModelLocations: cfg.ModelLocations,
		Port:           cfg.InferencePort,
		ChatTemplate:   cfg.ModelChatTemplate,
	}, gate)

	keeper := metrics.NewMetricsKeeper(metricsWindow)
	tracker := metrics.NewStatusTracker()
	extractor := extract.NewPageExtractor(extract.PageExtractorConfig{
		Model:                 defaultModelName,
		TargetLongestImageDim: cfg.TargetLongestImageDim,
		TargetAnchorTextLen:   cfg.TargetAnchorTextLen,
		ModelMaxContext:       cfg.ModelMaxContext,
		MaxPageRetries:        cfg.MaxPageRetries,
	}, supervisor.Client(), extract.PopplerRenderer{}, extract.NewPopplerAnchor(), keeper, tracker)
	assembler := extract.NewAssembler(extractor, nil)

	runID := uuid.NewString()
	runner := pipeline.NewRunner(runID, workspace, workQueue, gate, assembler, keeper, tracker)
	slog.Info("Starting pipeline run.", "runId", runID, "workers", cfg.Workers, "items", workQueue.Size())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() { serverDone <- supervisor.Run(runCtx) }()

	if err := supervisor.WaitReady(runCtx); err != nil {
		cancel()
		<-serverDone
		return fmt.Errorf("inference server never became ready: %w", err)
	}

	go runner.ReportLoop(runCtx, reportInterval)

	workersDone := make(chan error, 1)
	go func() { workersDone <- runner.RunWorkers(runCtx, cfg.Workers) }()

	var runErr error
	select {
	case runErr = <-workersDone:
		if runErr == nil {
			slog.Info("All workers finished.")
		}
	case runErr = <-serverDone:
		// The supervisor only returns on fatal corruption or cancellation;
		// either way the workers must stop.
		slog.Error("Inference server terminated, stopping workers.", "error", runErr)
	}
	cancel()
	<-serverDone

	slog.Info("Final metrics.\n" + keeper.String())
	if runErr != nil && ctx.Err() != nil {
		slog.Info("Shutdown requested, exiting.")
		return nil
	}
	return runErr
}

// populate expands the source specification into member keys, sizes work
// items from a page-count sample, and appends new items to the work index.
func populate(ctx context.Context, cfg *config.Config, workQueue *queue.WorkQueue) error {
	members, err := expandSources(ctx, cfg.PDFs)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return fmt.Errorf("no documents matched %s", cfg.PDFs)
	}
	slog.Info("Expanded source documents.", "count", len(members))

	avgPages, err := samplePageCounts(ctx, members)
	if err != nil {
		return err
	}
	itemsPerGroup := max(1, int(float64(cfg.PagesPerGroup)/avgPages))
	slog.Info("Sized work items.", "avgPages", fmt.Sprintf("%.1f", avgPages), "docsPerItem", itemsPerGroup)

	return workQueue.Populate(ctx, members, itemsPerGroup)
}

// expandSources resolves the --pdfs argument: a local .txt file is read as
// one document key per line, anything else is treated as a glob.
func expandSources(ctx context.Context, spec string) ([]string, error) {
	if strings.HasSuffix(spec, ".txt") {
		f, err := os.Open(spec)
		if err != nil {
			return nil, fmt.Errorf("failed to open list file %s: %w", spec, err)
		}
		defer f.Close()

		var members []string
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				members = append(members, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read list file %s: %w", spec, err)
		}
		return members, nil
	}
	return storage.Glob(ctx, spec)
}

// samplePageCounts probes a bounded sample of documents for their page counts
// and returns the average, so that work items come out near the target page
// total regardless of document length. Unreadable samples are skipped.
func samplePageCounts(ctx context.Context, members []string) (float64, error) {
	sample := members
	if len(sample) > pageCountSamples {
		sample = sample[:pageCountSamples]
	}

	tempDir, err := os.MkdirTemp("", "pagemill-sample-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create sample dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	counts := make([]int, len(sample))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for i, member := range sample {
		eg.Go(func() error {
			localPath := member
			dir, base := path.Split(member)
			if strings.HasPrefix(member, "gs://") || strings.HasPrefix(member, "s3://") {
				store, err := storage.Open(gctx, strings.TrimSuffix(dir, "/"))
				if err != nil {
					slog.Warn("Skipping unreachable sample.", "source", member, "error", err)
					return nil
				}
				localPath = filepath.Join(tempDir, fmt.Sprintf("sample_%d.pdf", i))
				if err := store.Download(gctx, base, localPath); err != nil {
					slog.Warn("Skipping unfetchable sample.", "source", member, "error", err)
					return nil
				}
			}
			n, err := extract.PDFPageCount(localPath)
			if err != nil {
				slog.Warn("Skipping uncountable sample.", "source", member, "error", err)
				return nil
			}
			counts[i] = n
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}

	var total, counted int
	for _, n := range counts {
		if n > 0 {
			total += n
			counted++
		}
	}
	if counted == 0 {
		slog.Warn("No sample could be counted, assuming single-page documents.")
		return 1, nil
	}
	return math.Max(1, float64(total)/float64(counted)), nil
}
