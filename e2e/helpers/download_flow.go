// Command download_flow exercises the download task lifecycle against a
// running MAL gateway.
//
// It subscribes to the event stream, starts a download over HTTP, waits for
// the task to complete, then dismisses it and checks the dismissal event.
//
// Usage: download_flow -gateway http://127.0.0.1:PORT -repo ORG/NAME -file model.safetensors
//
// Exit codes:
//
//	0 = all checks passed
//	1 = a check failed
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dohr-michael/mal/clients/api"
	wsclient "github.com/dohr-michael/mal/clients/ws"
	"github.com/dohr-michael/mal/internal/downloads"
	"github.com/dohr-michael/mal/internal/environments"
	"github.com/dohr-michael/mal/internal/events"
	"github.com/dohr-michael/mal/internal/tasks"
)

func main() {
	gatewayURL := flag.String("gateway", "http://127.0.0.1:18430", "Gateway base URL")
	repo := flag.String("repo", "openai/clip-vit-base-patch32", "Repository id")
	file := flag.String("file", "config.json", "File to download")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *gatewayURL, *repo, *file); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, base, repo, file string) error {
	// ── Step 1: Subscribe ───────────────────────────────────────────────
	client, err := wsclient.Dial(ctx, base)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	ev, err := client.ReadEvent()
	if err != nil {
		return fmt.Errorf("read initial state: %w", err)
	}
	if _, ok := events.ExtractPayload[tasks.InitialStatePayload](ev); !ok {
		return fmt.Errorf("first event is %s, want %s", ev.Type, events.EventInitialState)
	}
	fmt.Println("CHECK initial state received")

	// ── Step 2: Start the download ──────────────────────────────────────
	rest := api.New(base, http.DefaultClient)
	id, err := rest.StartDownload(ctx, downloads.Request{
		RepoID:     repo,
		Filename:   file,
		ModelType:  environments.ModelCustom,
		CustomPath: "e2e",
	})
	if err != nil {
		return fmt.Errorf("start download: %w", err)
	}
	fmt.Printf("CHECK download started: %s\n", id)

	// ── Step 3: Follow it to completion ─────────────────────────────────
	created := false
	for {
		ev, err := client.ReadEvent()
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		if p, ok := events.ExtractPayload[tasks.CreatedPayload](ev); ok && p.Task.ID == id {
			created = true
			continue
		}
		p, ok := events.ExtractPayload[tasks.UpdatedPayload](ev)
		if !ok || p.Task.ID != id {
			continue
		}
		if !created {
			return fmt.Errorf("update for %s arrived before task.created", id)
		}
		if p.Task.Status == tasks.StatusFailed {
			return fmt.Errorf("download failed: %s", p.Task.Error)
		}
		if p.Task.Status == tasks.StatusCompleted {
			break
		}
	}
	fmt.Println("CHECK download completed")

	// ── Step 4: Dismiss ─────────────────────────────────────────────────
	if err := rest.DismissTask(ctx, id); err != nil {
		return fmt.Errorf("dismiss: %w", err)
	}
	for {
		ev, err := client.ReadEvent()
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		if p, ok := events.ExtractPayload[tasks.DismissedPayload](ev); ok && p.Task.ID == id {
			break
		}
	}
	fmt.Println("CHECK dismissal observed")

	if _, err := rest.GetTask(ctx, id); err == nil {
		return fmt.Errorf("task %s still listed after dismissal", id)
	}
	fmt.Println("PASS")
	return nil
}
