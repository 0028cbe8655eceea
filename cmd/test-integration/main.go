package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"bandalign/internal/pipeline"
	"bandalign/internal/primitives"
	"bandalign/internal/raster"
	"bandalign/internal/storage"
	"bandalign/internal/tasks"
)

// Watches a directory for 30 seconds and registers every band group that
// completes in that window. Usage: test-integration <dir>
func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: test-integration <dir>")
	}
	dir := os.Args[1]
	outDir := filepath.Join(dir, "registered")

	fmt.Println("Testing watch mode + registration")

	store, err := storage.New("test_integration.db")
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	opts := tasks.DefaultOptions()
	reg := tasks.NewRegistrar(raster.Probe(nil), primitives.Probe(nil, primitives.DefaultSeed), opts, nil)
	pipe := pipeline.New(pipeline.NewRouter(nil, reg, nil, nil), nil, store, pipeline.RunInfo{
		Kind:   pipeline.KindMultiband,
		Input:  dir,
		Output: outDir,
	})

	watcher, err := tasks.NewGroupWatcher(dir, opts.ReferenceBand, time.Second, nil)
	if err != nil {
		log.Fatal("Failed to create watcher:", err)
	}
	manifest, err := tasks.ScanOutputs(outDir)
	if err != nil {
		log.Fatal("Failed to scan outputs:", err)
	}
	for base := range manifest {
		watcher.Skip(base)
	}
	if err := watcher.Start(); err != nil {
		log.Fatal("Failed to start watcher:", err)
	}
	defer watcher.Stop()

	fmt.Printf("Watching %s for 30 seconds (%d groups already registered)\n", dir, len(manifest))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	groups := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\nTest completed. Registered %d groups.\n", groups)
			return
		case g := <-watcher.Ready:
			sum := pipe.Run(context.Background(), []pipeline.Job{{Kind: pipeline.KindMultiband, Group: g, OutDir: outDir}})
			for _, res := range sum.Results {
				fmt.Printf("Group %s: %s %v", res.Job.Name(), res.Status, res.Methods)
				if res.Error != nil {
					fmt.Printf(" (%v)", res.Error)
				}
				fmt.Println()
			}
			groups++
		case <-time.After(10 * time.Second):
			fmt.Println("No complete groups in last 10 seconds...")
		}
	}
}
