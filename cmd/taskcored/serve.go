package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/relaydesk/taskcore/internal/async"
	"github.com/relaydesk/taskcore/internal/logging"
)

var (
	successColor = color.New(color.FgGreen).SprintFunc()
	infoColor    = color.New(color.FgCyan).SprintFunc()
	errorColor   = color.New(color.FgRed).SprintFunc()
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control surface and accept new tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logger := logging.NewComponentLogger("taskcored")

	shutdownTracing, err := installTracerProvider("taskcored")
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("tracer provider shutdown: %v", err)
		}
	}()

	app, err := buildApp()
	if err != nil {
		return err
	}
	defer app.closeFn()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.manager.Recover(ctx); err != nil {
		logger.Error("startup recovery failed: %v", err)
	} else {
		cmdPrintln(successColor("recovered any orphaned tasks from a previous run"))
	}

	// Periodic safety-net re-scan supplementing the one-shot Recover call
	// above. Unlike Recover, SweepOrphans only fails running records with
	// no live in-process handle, so it never touches a task this process
	// is still actively executing.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 5m", func() {
		if err := app.manager.SweepOrphans(context.Background()); err != nil {
			logger.Error("periodic orphan sweep failed: %v", err)
		}
	}); err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	router := newRouter(app)
	srv := &http.Server{Addr: app.settings.HTTPAddr, Handler: router}

	var group async.Group
	group.Go(func() error {
		cmdPrintln(infoColor("listening on " + app.settings.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	<-ctx.Done()
	cmdPrintln(infoColor("shutting down"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown: %v", err)
	}

	running, err := app.manager.GetAllRunning(shutdownCtx)
	if err != nil {
		logger.Error("list running tasks during shutdown: %v", err)
	}
	for _, rec := range running {
		if err := app.manager.StopTask(shutdownCtx, rec.ID); err != nil {
			logger.Error("stop task %s during shutdown: %v", rec.ID, err)
		}
	}

	return group.Wait()
}

func newRouter(app *app) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(app.gatherer, promhttp.HandlerOpts{})))

	router.POST("/tasks", handleStartTask(app))
	router.GET("/tasks/:id", handleGetTask(app))
	router.POST("/tasks/:id/stop", handleStopTask(app))

	return router
}

func cmdPrintln(s string) { fmt.Println(s) }
