// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file",
		Value:   "config.toml",
		Sources: cli.EnvVars("DECKCTL_CONFIG"),
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "json",
		Usage: "Output raw JSON",
	}
}

func watchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "plain",
			Usage: "Print progress lines instead of the interactive screen",
		},
		&cli.BoolFlag{
			Name:  "poll",
			Usage: "Follow over REST polling instead of the push channel",
		},
		&cli.DurationFlag{
			Name:  "interval",
			Usage: "Polling interval (defaults to polling.interval)",
		},
		&cli.BoolFlag{
			Name:  "metrics",
			Usage: "Print stream and aggregator metrics when done",
		},
		&cli.StringFlag{
			Name:  "serve",
			Usage: "Serve /status and /metrics on this address while watching (e.g. 127.0.0.1:9090)",
		},
	}
}

// setupCommand initializes the config file and database.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "setup",
		Usage:  "Create the config file if missing, then initialize the database and run migrations",
		Action: r.SetupDatabase,
	}
}

// generateCommand starts a new generation task.
func generateCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "generate",
		Aliases: []string{"gen"},
		Usage:   "Start generating a deck from Markdown",
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:     "template",
				Aliases:  []string{"t"},
				Usage:    "Template ID to render with",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "Markdown file to read, or - for stdin",
			},
			&cli.StringFlag{
				Name:  "content",
				Usage: "Markdown content given inline",
			},
			&cli.BoolFlag{
				Name:  "multimodal",
				Usage: "Ask the backend to validate rendered slides visually",
			},
			&cli.BoolFlag{
				Name:    "watch",
				Aliases: []string{"w"},
				Usage:   "Follow progress after the task is created",
			},
			jsonFlag(),
		}, watchFlags()...),
		Action: r.Generate,
	}
}

// statusCommand prints the tracked task.
func statusCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the tracked task's aggregated state",
		Flags: []cli.Flag{
			jsonFlag(),
			&cli.BoolFlag{
				Name:  "markdown",
				Usage: "Output a Markdown report",
			},
			&cli.BoolFlag{
				Name:  "metrics",
				Usage: "Append metrics in Prometheus text format",
			},
		},
		Action: r.Status,
	}
}

// watchCommand follows the tracked task until it ends.
func watchCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "watch",
		Aliases: []string{"ui"},
		Usage:   "Follow the tracked task until it finishes",
		Flags:   watchFlags(),
		Action:  r.Watch,
	}
}

// cancelCommand cancels the tracked task.
func cancelCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "cancel",
		Usage:  "Cancel the tracked task",
		Action: r.Cancel,
	}
}

// retryCommand restarts a failed task.
func retryCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "retry",
		Usage: "Retry the last task, as a new task or on the server",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:  "server",
				Usage: "Ask the backend to rerun the tracked task under its existing id",
			},
			&cli.IntFlag{
				Name:    "template",
				Aliases: []string{"t"},
				Usage:   "Template ID (defaults to the last task's template)",
			},
			&cli.BoolFlag{
				Name:  "multimodal",
				Usage: "Ask the backend to validate rendered slides visually",
			},
			&cli.BoolFlag{
				Name:    "watch",
				Aliases: []string{"w"},
				Usage:   "Follow progress after retrying",
			},
		}, watchFlags()...),
		Action: r.Retry,
	}
}

// resumeCommand reattaches to the persisted task.
func resumeCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "resume",
		Usage: "Reattach to the task left running by a previous session",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:    "watch",
				Aliases: []string{"w"},
				Usage:   "Follow progress after resuming",
			},
		}, watchFlags()...),
		Action: r.Resume,
	}
}

// downloadCommand saves the generated file.
func downloadCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "download",
		Usage: "Download the completed presentation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output file path (default: presentation_<task>.pptx)",
			},
			&cli.BoolFlag{
				Name:  "open",
				Usage: "Open the file once downloaded",
			},
		},
		Action: r.Download,
	}
}

// previewsCommand exports rendered slide previews.
func previewsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "previews",
		Usage: "Save slide previews and a Markdown report",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output directory (default: task id)",
			},
		},
		Action: r.Previews,
	}
}

// discardCommand forgets the tracked task locally.
func discardCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "discard",
		Usage:  "Forget the tracked task without contacting the backend",
		Action: r.Discard,
	}
}

// historyCommand lists tasks started from this machine.
func historyCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List tasks started from this machine",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of tasks to list",
				Value: 20,
			},
			jsonFlag(),
			&cli.BoolFlag{
				Name:  "csv",
				Usage: "Output CSV",
			},
			&cli.StringFlag{
				Name:  "forget",
				Usage: "Remove a task from history instead of listing",
			},
		},
		Action: r.History,
	}
}

// identityCommand manages the client id.
func identityCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "identity",
		Usage: "Manage this client's identity",
		Commands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Print the client id and tracked task",
				Flags:  []cli.Flag{jsonFlag()},
				Action: r.IdentityShow,
			},
			{
				Name:   "regenerate",
				Usage:  "Replace the client id with a new one",
				Action: r.IdentityRegenerate,
			},
		},
	}
}

// apiCommand handles direct API calls
func apiCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Direct calls to the generation API",
		Commands: []*cli.Command{
			{
				Name:  "get",
				Usage: "Direct GET, prints the JSON body",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name: "path",
					},
				},
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "pretty",
						Usage: "Pretty-print output",
						Value: true,
					},
				},
				Action: r.APIGet,
			},
			{
				Name:  "post",
				Usage: "Direct POST with JSON body",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name: "path",
					},
				},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "data",
						Aliases:  []string{"d"},
						Usage:    "JSON body to send",
						Required: true,
					},
				},
				Action: r.APIPost,
			},
		},
	}
}
