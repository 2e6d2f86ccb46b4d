// Meeting bot controller - discovers scheduled meetings, launches worker
// Jobs with exactly-once bot attendance per meeting, and fans out artifacts
// to every subscriber after completion.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"

	"github.com/advisewell/meeting-bot-controller/pkg/api"
	"github.com/advisewell/meeting-bot-controller/pkg/config"
	"github.com/advisewell/meeting-bot-controller/pkg/controller"
	"github.com/advisewell/meeting-bot-controller/pkg/ingest"
	"github.com/advisewell/meeting-bot-controller/pkg/objectstore"
	"github.com/advisewell/meeting-bot-controller/pkg/orchestrator"
	"github.com/advisewell/meeting-bot-controller/pkg/store"
	"github.com/advisewell/meeting-bot-controller/pkg/version"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Fatal: invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting "+version.Full(),
		"project", cfg.ProjectID,
		"firestore_database", cfg.FirestoreDatabase,
		"gcs_bucket", cfg.GCSBucket,
		"namespace", cfg.Namespace,
		"manager_image", cfg.ManagerImage,
		"meeting_bot_image", cfg.MeetingBotImage,
		"discovery_mode", cfg.MeetingsQueryMode,
		"discovery_path", cfg.MeetingsCollectionPath,
		"dry_run", cfg.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docs, err := store.New(ctx, cfg.ProjectID, cfg.FirestoreDatabase, cfg.MeetingsCollectionPath, cfg.MeetingsQueryMode)
	if err != nil {
		slog.Error("Fatal: firestore initialization failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := docs.Close(); err != nil {
			slog.Warn("Error closing firestore client", "error", err)
		}
	}()

	var blobs objectstore.BlobStore
	gcs, err := objectstore.NewGCS(ctx, cfg.GCSBucket)
	if err != nil {
		if !cfg.DryRun {
			slog.Error("Fatal: storage initialization failed", "error", err)
			os.Exit(1)
		}
		slog.Warn("DRY_RUN: storage client unavailable, using no-op object store", "error", err)
		blobs = objectstore.NoOp{}
	} else {
		blobs = gcs
	}

	var clientset kubernetes.Interface
	clientset, err = orchestrator.NewClientset()
	if err != nil {
		if !cfg.DryRun {
			slog.Error("Fatal: kubernetes initialization failed", "error", err)
			os.Exit(1)
		}
		slog.Warn("DRY_RUN: no kubernetes config available", "error", err)
	}
	launcher := orchestrator.NewLauncher(clientset, orchestrator.Options{
		Namespace:            cfg.Namespace,
		ServiceAccount:       cfg.JobServiceAccount,
		ManagerImage:         cfg.ManagerImage,
		MeetingBotImage:      cfg.MeetingBotImage,
		GCSBucket:            cfg.GCSBucket,
		ScratchStorageClass:  cfg.ScratchStorageClass,
		ScratchStorageSize:   cfg.ScratchStorageSize,
		MaxRecordingDuration: cfg.MaxRecordingDuration,
		InactivityMinutes:    cfg.MeetingInactivityMinutes,
		InactivityDelay:      cfg.InactivityDetectionDelay,
		DryRun:               cfg.DryRun,
	})

	ctrl := controller.New(cfg, docs, blobs, launcher)

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: api.NewRouter(ctrl.Status),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		slog.Info("HTTP server listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		return ctrl.Run(groupCtx)
	})

	if cfg.PubSubSubscription != "" {
		listener, err := ingest.NewListener(ctx, cfg.ProjectID, cfg.PubSubSubscription, ctrl)
		if err != nil {
			slog.Error("Fatal: pubsub initialization failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := listener.Close(); err != nil {
				slog.Warn("Error closing pubsub client", "error", err)
			}
		}()
		group.Go(func() error {
			return listener.Run(groupCtx)
		})
	}

	if err := group.Wait(); err != nil {
		slog.Error("Controller exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
