package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"thesisline/internal/config"
	"thesisline/internal/db"
	"thesisline/internal/domain"
	"thesisline/internal/engine"
	"thesisline/internal/migrate"
	"thesisline/internal/notify"
	"thesisline/internal/repo"
	"thesisline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Thesisline CLI",
	Long: `Thesisline runs the thesis proposal approval workflow:
- A student submits a proposal form; the coordinator approves it, asks
  for corrections, or rejects it. Three rejections cancel the project.
- After acceptance the student submits the pre-project document and the
  committee assigns exactly two evaluators to it.
- Both evaluators vote independently; acceptance requires both to
  approve. The decision goes out as one consolidated notification with
  both evaluators' remarks.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("THESISLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "", "actor role (student, coordinator, committee, evaluator)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(formCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func actor() engine.Actor {
	return engine.Actor{
		ID:   viper.GetString("actor-id"),
		Role: viper.GetString("role"),
	}
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage proposal projects"}
	prj.AddCommand(projectSubmitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectFinalizeCmd())
	return prj
}

func projectSubmitCmd() *cobra.Command {
	var title, studentID, directorEmail string
	var studentEmails []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a thesis proposal form",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if studentID == "" {
					studentID = viper.GetString("actor-id")
				}
				project, doc, err := e.SubmitForm(ctx, engine.SubmitFormOptions{
					Title:         title,
					StudentID:     studentID,
					DirectorEmail: directorEmail,
					StudentEmails: studentEmails,
					Actor:         actor(),
				})
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"project": project, "document": doc})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "proposal title")
	cmd.Flags().StringVar(&studentID, "student-id", "", "student id (defaults to --actor-id)")
	cmd.Flags().StringVar(&directorEmail, "director-email", "", "thesis director email")
	cmd.Flags().StringArrayVar(&studentEmails, "student-email", []string{}, "student email (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func projectListCmd() *cobra.Command {
	var phaseFilter, studentID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx, repo.ProjectFilters{
					Phase:     phaseFilter,
					StudentID: studentID,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Student", "Phase", "Attempts"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, p.StudentID, p.Phase, p.FormAttempts})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phaseFilter, "phase", "", "phase filter")
	cmd.Flags().StringVar(&studentID, "student-id", "", "student filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project with its documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				docs, err := r.ListDocuments(ctx, p.ID)
				if err != nil {
					return err
				}
				assignments, err := r.ListAssignments(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"project":     p,
					"documents":   docs,
					"assignments": assignments,
				})
			})
		},
	}
	return cmd
}

func projectFinalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finalize <project-id>",
		Short: "Finalize an accepted project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Finalize(ctx, engine.FinalizeOptions{ProjectID: args[0], Actor: actor()})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	return cmd
}

// --- form ---

func formCmd() *cobra.Command {
	form := &cobra.Command{Use: "form", Short: "Coordinator review of the proposal form"}
	form.AddCommand(formReviewCmd())
	form.AddCommand(formResubmitCmd())
	return form
}

func formReviewCmd() *cobra.Command {
	var decision, remarks string
	cmd := &cobra.Command{
		Use:   "review <project-id>",
		Short: "Record the coordinator decision on the form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ReviewForm(ctx, engine.ReviewFormOptions{
					ProjectID: args[0],
					Decision:  strings.ToUpper(decision),
					Remarks:   remarks,
					Actor:     actor(),
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVED, REJECTED or NEEDS_CORRECTION")
	cmd.Flags().StringVar(&remarks, "remarks", "", "review remarks")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func formResubmitCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "resubmit <project-id>",
		Short: "Resubmit a rejected or needs-correction form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ResubmitForm(ctx, engine.ResubmitFormOptions{
					ProjectID: args[0],
					Title:     title,
					Actor:     actor(),
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "replacement title")
	return cmd
}

// --- proposal ---

func proposalCmd() *cobra.Command {
	prop := &cobra.Command{Use: "proposal", Short: "Pre-project document workflow"}
	prop.AddCommand(proposalSubmitCmd())
	prop.AddCommand(proposalAssignCmd())
	return prop
}

func proposalSubmitCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "submit <project-id>",
		Short: "Submit the pre-project document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				project, doc, err := e.SubmitProposal(ctx, engine.SubmitProposalOptions{
					ProjectID: args[0],
					Title:     title,
					Actor:     actor(),
				})
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"project": project, "document": doc})
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "pre-project title")
	return cmd
}

func proposalAssignCmd() *cobra.Command {
	var evaluatorA, evaluatorB string
	cmd := &cobra.Command{
		Use:   "assign <project-id>",
		Short: "Assign two evaluators to the pre-project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AssignEvaluators(ctx, engine.AssignEvaluatorsOptions{
					ProjectID:  args[0],
					EvaluatorA: evaluatorA,
					EvaluatorB: evaluatorB,
					Actor:      actor(),
				})
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&evaluatorA, "evaluator-a", "", "first evaluator id")
	cmd.Flags().StringVar(&evaluatorB, "evaluator-b", "", "second evaluator id")
	_ = cmd.MarkFlagRequired("evaluator-a")
	_ = cmd.MarkFlagRequired("evaluator-b")
	return cmd
}

// --- decision ---

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{Use: "decision", Short: "Evaluator votes"}
	dec.AddCommand(decisionRecordCmd())
	dec.AddCommand(decisionShowCmd())
	return dec
}

func decisionRecordCmd() *cobra.Command {
	var decision, remarks string
	cmd := &cobra.Command{
		Use:   "record <assignment-id>",
		Short: "Record an evaluator vote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecordDecision(ctx, engine.RecordDecisionOptions{
					AssignmentID: args[0],
					Decision:     strings.ToUpper(decision),
					Remarks:      remarks,
					Actor:        actor(),
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVED or REJECTED")
	cmd.Flags().StringVar(&remarks, "remarks", "", "evaluation remarks")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func decisionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <assignment-id>",
		Short: "Show an evaluator assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAssignment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, projectID, evtType, "", "")
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

// --- api keys ---

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "API key management"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyRevokeCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to an actor and role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" || role == "" {
				return fmt.Errorf("--actor and --key-role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Role:      role,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The secret is only shown once; the database keeps the
				// hash.
				return printJSON(map[string]any{"id": key.ID, "actor_id": actorID, "role": role, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "key-role", "", "workflow role of the key")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default thesisline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			log := newLogger()
			e := engine.New(conn, cfg, log)
			if hooks := notify.NewWebhookPublisher(cfg.Notifications.Webhooks, log); hooks != nil {
				e.Notifier = notify.Fanout{e.Notifier, hooks}
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("THESISLINE_JWT_SECRET"), Log: log}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("THESISLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving thesisline api")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	log := newLogger()
	e := engine.New(conn, cfg, log)
	if hooks := notify.NewWebhookPublisher(cfg.Notifications.Webhooks, log); hooks != nil {
		e.Notifier = notify.Fanout{e.Notifier, hooks}
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
