package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/olliefit/nutriscan/internal/analysis"
	"github.com/olliefit/nutriscan/internal/config"
	"github.com/olliefit/nutriscan/internal/ml"
	"github.com/olliefit/nutriscan/internal/models"
	"github.com/olliefit/nutriscan/internal/notify"
	"github.com/olliefit/nutriscan/internal/server"
	"github.com/olliefit/nutriscan/internal/storage"
	"github.com/olliefit/nutriscan/internal/store"
	"github.com/olliefit/nutriscan/internal/transport"
	"github.com/olliefit/nutriscan/internal/upload"
)

// connectWait bounds how long the CLI waits for the server's handshake
// acknowledgment before giving up.
const connectWait = 10 * time.Second

// Runner holds the state shared by all CLI commands.
type Runner struct {
	logger *log.Logger
}

// NewRunner creates a Runner.
func NewRunner(logger *log.Logger) *Runner {
	return &Runner{logger: logger}
}

func (r *Runner) register() []*cli.Command {
	return []*cli.Command{
		setupCommand(r),
		loginCommand(r),
		logoutCommand(r),
		analyzeCommand(r),
		historyCommand(r),
		serveCommand(r),
	}
}

func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Write an example configuration file to edit",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.String("config")
			if path == "" {
				path = config.GetConfigPath()
			}
			if err := config.CreateConfigFile(path); err != nil {
				return err
			}
			r.logger.Info("configuration written", "path", path)
			return nil
		},
	}
}

func loginCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Store the auth token used to connect to the analysis server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "token",
				Aliases:  []string{"t"},
				Usage:    "Opaque auth token issued by the server",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := r.loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := store.NewSQLiteStore(cfg.Client.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.SaveToken(cmd.String("token")); err != nil {
				return fmt.Errorf("saving token: %w", err)
			}
			r.logger.Info("token stored", "database", cfg.Client.DatabasePath)
			return nil
		},
	}
}

func logoutCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Forget the stored auth token",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := r.loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := store.NewSQLiteStore(cfg.Client.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.ClearToken(); err != nil {
				return fmt.Errorf("clearing token: %w", err)
			}
			r.logger.Info("token cleared")
			return nil
		},
	}
}

func analyzeCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Usage:     "Upload a food photo and stream the analysis result",
		ArgsUsage: "<image-file>",
		Action:    r.analyze,
	}
}

func (r *Runner) analyze(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("missing image file argument")
	}

	cfg, err := r.loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := store.NewSQLiteStore(cfg.Client.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	token, err := db.LoadToken()
	if err != nil {
		return fmt.Errorf("loading token: %w", err)
	}
	if token == "" {
		return fmt.Errorf("no stored token; run `nutriscan login` first")
	}

	notifier := notify.NewLogNotifier(r.logger)
	session := transport.NewSession(transport.Options{
		URL:      cfg.Client.ServerURL,
		Tokens:   db,
		Notifier: notifier,
		Backoff: transport.Backoff{
			ShortDelay:   time.Duration(cfg.Transport.ReconnectShortDelaySeconds) * time.Second,
			LongDelay:    time.Duration(cfg.Transport.ReconnectLongDelaySeconds) * time.Second,
			QuickRetries: cfg.Transport.ReconnectQuickRetries,
		},
		Logger:       r.logger,
		PingInterval: cfg.Transport.PingInterval(),
		PongWait:     cfg.Transport.PongWait(),
	})

	if err := session.Connect(token); err != nil {
		return err
	}
	if err := waitConnected(ctx, session); err != nil {
		return err
	}

	handler := analysis.NewHandler(session,
		analysis.WithTimeout(cfg.Analysis.Timeout()),
		analysis.WithLogger(r.logger))
	defer handler.Close()

	reconciler := analysis.NewReconciler(handler, analysis.ReconcilerOptions{
		Items:  db,
		UserID: cfg.Client.UserID,
		Logger: r.logger,
	})
	defer reconciler.Close()

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }
	handler.OnProgress(func(u models.ProgressUpdate) {
		r.logger.Info("analysis progress", "percent", u.Progress, "message", u.Message)
	})
	handler.OnComplete(func(models.NutritionResult) { finish() })
	handler.OnError(func(string) { finish() })

	objects, err := storage.NewMinioStore(storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		Bucket:    cfg.Storage.Bucket,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		return err
	}
	coordinator := upload.New(objects, handler, session, notifier, r.logger)

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	userID := cfg.Client.UserID
	if userID == "" {
		userID = "guest"
	}

	if _, err := coordinator.Submit(ctx, userID, storage.Asset{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Size:        info.Size(),
		Reader:      file,
	}); err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	snap := reconciler.Snapshot()
	if snap.Status == analysis.StatusError {
		return fmt.Errorf("analysis failed: %s", snap.ErrorMessage)
	}
	if snap.Result != nil {
		res := snap.Result
		r.logger.Info("analysis result",
			"food", res.FoodName,
			"calories", res.Calories,
			"carbs", res.Carbs,
			"protein", res.Protein,
			"fat", res.Fat,
			"sugar", res.Sugar,
			"fiber", res.Fiber)
		if res.AdditionalInfo != "" {
			r.logger.Info(res.AdditionalInfo)
		}
	}
	return nil
}

func historyCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show recently analyzed items",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of items to show",
				Value:   20,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := r.loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := store.NewSQLiteStore(cfg.Client.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			items, err := db.RecentItems(ctx, int(cmd.Int("limit")))
			if err != nil {
				return err
			}
			if len(items) == 0 {
				r.logger.Info("no analyzed items yet")
				return nil
			}
			for _, item := range items {
				fmt.Printf("%s  %-30s %6.0f kcal  (C %.1fg / P %.1fg / F %.1fg)\n",
					item.CreatedAt.Format("2006-01-02 15:04"),
					item.FoodName, item.Calories,
					item.Carbs, item.Protein, item.Fat)
			}
			return nil
		},
	}
}

func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the development analysis server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "model",
				Usage: "Analyzer backend: local or google",
			},
			&cli.StringFlag{
				Name:  "model-config",
				Usage: "Path to the analyzer backend configuration file",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := r.loadConfig(cmd)
			if err != nil {
				return err
			}

			modelType := cmd.String("model")
			if modelType == "" {
				modelType = cfg.Server.Model
			}
			model, err := ml.NewModel(modelType, cmd.String("model-config"))
			if err != nil {
				return fmt.Errorf("creating analyzer model: %w", err)
			}
			if err := model.Load(ctx); err != nil {
				return fmt.Errorf("loading analyzer model: %w", err)
			}

			db, err := store.NewSQLiteStore(cfg.Server.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			srv := server.New(db, model, r.logger)
			return srv.Start(cfg.Server.Port)
		},
	}
}

// loadConfig reads the config file named by --config, falling back to the
// embedded defaults when no file exists.
func (r *Runner) loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	if path != "" {
		return config.LoadConfig(path)
	}
	path = config.GetConfigPath()
	if _, err := os.Stat(path); err == nil {
		return config.LoadConfig(path)
	}
	return config.DefaultConfig(), nil
}

// waitConnected polls until the server acknowledges the handshake.
func waitConnected(ctx context.Context, session *transport.Session) error {
	deadline := time.Now().Add(connectWait)
	for !session.IsConnected() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for server acknowledgment")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}
