package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/deckctl/internal/identity"
	"github.com/desertthunder/deckctl/internal/observability"
	"github.com/desertthunder/deckctl/internal/repositories"
	"github.com/desertthunder/deckctl/internal/services"
	"github.com/desertthunder/deckctl/internal/shared"
	"github.com/desertthunder/deckctl/internal/stream"
	"github.com/desertthunder/deckctl/internal/tasks"
	"github.com/urfave/cli/v3"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config     *shared.Config
	configPath string
	api        *services.APIService
	httpClient *http.Client
	logger     *log.Logger
	output     io.Writer
	metrics    *observability.Metrics
	sess       *session
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config     *shared.Config
	ConfigPath string
	API        *services.APIService
	HTTPClient *http.Client
	Logger     *log.Logger
	Output     io.Writer
	Metrics    *observability.Metrics
}

// session is the per-process wiring behind task commands, opened on first use.
type session struct {
	db      *sql.DB
	store   *identity.Store
	history *repositories.TaskRepository
	client  *services.GenerationClient
	conn    *stream.Manager
	ctrl    *tasks.Controller
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.API == nil {
		opts.API = services.NewAPIService(opts.Config.Server.APIURL, opts.HTTPClient)
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics("deckctl")
	}

	opts.Logger.SetLevel(shared.ParseLogLevel(opts.Config.Logging.Level))

	return &Runner{
		config:     opts.Config,
		configPath: opts.ConfigPath,
		api:        opts.API,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		output:     opts.Output,
		metrics:    opts.Metrics,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, generateCommand, statusCommand, watchCommand, cancelCommand, retryCommand,
		resumeCommand, downloadCommand, previewsCommand, discardCommand, historyCommand, identityCommand, apiCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// Before loads the file named by --config when it exists; otherwise the current config stays.
func (r *Runner) Before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := cmd.String("config")
	if path == "" {
		return ctx, nil
	}

	if _, err := os.Stat(path); err != nil {
		r.logger.Debug("config file not found, using defaults", "path", path)
		return ctx, nil
	}

	config, err := shared.LoadConfig(path)
	if err != nil {
		return ctx, err
	}
	r.SetConfig(config)
	r.configPath = path
	return ctx, nil
}

// SetConfig swaps the configuration. It has no effect on a session that is already open.
func (r *Runner) SetConfig(config *shared.Config) {
	r.config = config
	r.api = services.NewAPIService(config.Server.APIURL, r.httpClient)
	r.logger.SetLevel(shared.ParseLogLevel(config.Logging.Level))
}

// SetLogger replaces the logger used by commands and by components created afterwards.
func (r *Runner) SetLogger(logger *log.Logger) {
	r.logger = logger
}

// session opens the database, identity store and controller once per process.
func (r *Runner) session() (*session, error) {
	if r.sess != nil {
		return r.sess, nil
	}
	if err := r.config.Validate(); err != nil {
		return nil, err
	}

	db, err := shared.OpenMigrated(r.config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := identity.NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	clientID, err := store.ClientID()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load client id: %w", err)
	}

	wsURL, err := r.config.StreamURL()
	if err != nil {
		db.Close()
		return nil, err
	}

	opts := stream.NewOptions(wsURL, clientID, r.config.Stream)
	opts.Logger = r.logger
	opts.Metrics = r.metrics
	conn := stream.NewManager(opts)

	history := repositories.NewTaskRepository(db)
	client := services.NewGenerationClient(r.config.Server.APIURL, r.httpClient)
	ctrl := tasks.NewController(client, store, conn, tasks.Options{
		History:      history,
		Logger:       r.logger,
		Metrics:      r.metrics,
		PollInterval: r.config.Polling.Interval.Duration,
	})

	r.logger.Debug("session opened", "database", r.config.Database.Path, "client_id", clientID)
	r.sess = &session{db: db, store: store, history: history, client: client, conn: conn, ctrl: ctrl}
	return r.sess, nil
}

// Close detaches the stream and closes the database.
func (r *Runner) Close() error {
	if r.sess == nil {
		return nil
	}
	r.sess.ctrl.Close()
	err := r.sess.db.Close()
	r.sess = nil
	return err
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainHeader(title string) {
	r.writePlain("═══════════════════════════════════════\n")
	r.writePlain("%v\n", title)
	r.writePlain("═══════════════════════════════════════\n")
}
