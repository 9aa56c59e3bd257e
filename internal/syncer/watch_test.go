package syncer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/drivesync/internal/clouddrive"
	"github.com/agentworkforce/drivesync/internal/extraction"
	"github.com/agentworkforce/drivesync/internal/ledger"
)

func TestWatchLocalTriggersPassOnNewFile(t *testing.T) {
	root := t.TempDir()
	store := ledger.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.CreateTenant(ctx, ledger.Tenant{ID: "tenant-1"}); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	if _, err := store.CreateDriveConfig(ctx, ledger.CloudDriveConfig{
		TenantID: "tenant-1", Provider: ledger.ProviderLocal, FolderPath: root, Active: true,
	}); err != nil {
		t.Fatalf("create config: %v", err)
	}
	orch, err := NewOrchestrator(Options{
		Store:      store,
		Extractor:  extraction.NewExtractor(&stubBackend{name: "gemini", result: invoiceResult(20, 0.9)}, nil, extraction.ExtractorOptions{}),
		OpenClient: clouddrive.Open,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	scheduler := NewScheduler(orch, store, SchedulerOptions{})
	defer scheduler.Close()

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- scheduler.WatchLocal(watchCtx, nil, 20*time.Millisecond) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(root, "talao.jpg"), []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		docs := store.Documents("tenant-1")
		if len(docs) == 1 && docs[0].Status == ledger.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected watcher to trigger a pass, got %+v", docs)
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
}
