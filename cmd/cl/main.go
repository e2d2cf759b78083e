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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clipline/internal/config"
	"clipline/internal/db"
	"clipline/internal/domain"
	"clipline/internal/engine"
	"clipline/internal/migrate"
	"clipline/internal/repo"
	"clipline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Clipline CLI",
	Long: `Clipline scripts, voices, assembles and renders short-form social videos.
Typical flow:
- cl project create --topic "..."   make a project
- cl blueprint --moodboard          generate script, hooks and storyboard images
- cl voiceover                      synthesize scene narration
- cl timeline                       inspect the edit that will be rendered
- cl render --wait                  submit and wait for the final video
- cl score                          heuristic quality scores for the draft`,
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
	_ = godotenv.Load()
	viper.SetEnvPrefix("CLIPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringP("project", "p", "", "project id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(blueprintCmd())
	rootCmd.AddCommand(regenCmd())
	rootCmd.AddCommand(hookCmd())
	rootCmd.AddCommand(sceneCmd())
	rootCmd.AddCommand(voiceoverCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(renderCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrDump(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Topic, "topic", "", "video topic")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title (defaults to topic)")
	cmd.Flags().StringVar(&opts.Platform, "platform", "", "target platform")
	cmd.Flags().StringVar(&opts.StyleID, "style", "", "visual style id")
	cmd.Flags().StringVar(&opts.VideoSize, "size", "", "video size WIDTHxHEIGHT")
	cmd.Flags().StringVar(&opts.VoiceID, "voice", "", "voice id")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func projectListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx, repo.ProjectFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Title", "Status", "Step", "Created"})
				for _, p := range items {
					t.AppendRow(table.Row{p.ID, p.Title, p.Status, p.WorkflowStep, p.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, requireProject())
				if err != nil {
					return err
				}
				return printJSONOrDump(p)
			})
		},
	}
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.DeleteProject(ctx, requireProject(), viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default clipline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrDump(e.Config)
			})
		},
	})
	return cfg
}

func blueprintCmd() *cobra.Command {
	var opts engine.BlueprintOptions
	cmd := &cobra.Command{
		Use:   "blueprint",
		Short: "Generate script, hooks and optionally moodboard/narration",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ProjectID = requireProject()
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.GenerateBlueprint(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrDump(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Brand, "brand", "", "brand context for the script")
	cmd.Flags().IntVar(&opts.LengthSeconds, "length", 0, "target length in seconds")
	cmd.Flags().StringVar(&opts.StyleID, "style", "", "visual style id")
	cmd.Flags().StringVar(&opts.VoiceID, "voice", "", "voice id for the narrator pass")
	cmd.Flags().BoolVar(&opts.WithMoodboard, "moodboard", false, "generate storyboard images")
	cmd.Flags().BoolVar(&opts.WithNarrator, "narrator", false, "run the voiceover pipeline after scripting")
	return cmd
}

func regenCmd() *cobra.Command {
	var kind, style string
	var scene int
	cmd := &cobra.Command{
		Use:   "regen",
		Short: "Regenerate hooks, a scene, or moodboard images",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.RegenerateOptions{
				ProjectID: requireProject(),
				Kind:      kind,
				StyleID:   style,
				ActorID:   viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("scene") {
				opts.SceneIndex = &scene
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Regenerate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrDump(p)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "hook | scene | moodboard | visual | voiceover")
	cmd.Flags().IntVar(&scene, "scene", 0, "scene index")
	cmd.Flags().StringVar(&style, "style", "", "visual style id")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func hookCmd() *cobra.Command {
	hook := &cobra.Command{Use: "hook", Short: "Manage hooks"}
	hook.AddCommand(&cobra.Command{
		Use:   "select <index>",
		Short: "Select a hook by index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var index int
			if _, err := fmt.Sscanf(args[0], "%d", &index); err != nil {
				return fmt.Errorf("invalid index %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.SelectHook(ctx, requireProject(), index, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrDump(p.Script)
			})
		},
	})
	return hook
}

func sceneCmd() *cobra.Command {
	var field, text string
	var index int
	scene := &cobra.Command{Use: "scene", Short: "Manage scenes"}
	set := &cobra.Command{
		Use:   "set",
		Short: "Edit one scene field",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.UpdateSceneText(ctx, engine.SceneEditOptions{
					ProjectID:  requireProject(),
					SceneIndex: index,
					Field:      field,
					Text:       text,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrDump(p.Script)
			})
		},
	}
	set.Flags().IntVar(&index, "scene", 0, "scene index")
	set.Flags().StringVar(&field, "field", "", "visual | voiceover | on_screen_text")
	set.Flags().StringVar(&text, "text", "", "new text")
	_ = set.MarkFlagRequired("field")
	scene.AddCommand(set)
	return scene
}

func voiceoverCmd() *cobra.Command {
	var voice string
	cmd := &cobra.Command{
		Use:   "voiceover",
		Short: "Synthesize scene voiceovers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				report, err := e.SynthesizeVoiceovers(ctx, requireProject(), voice, viper.GetString("actor-id"))
				if err != nil && report.Succeeded == 0 {
					return err
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "warning: %v\n", err)
				}
				return printJSONOrDump(report)
			})
		},
	}
	cmd.Flags().StringVar(&voice, "voice", "", "voice id (defaults to project voice)")
	return cmd
}

func timelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Print the edit timeline JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				edit, err := e.BuildTimeline(ctx, requireProject())
				if err != nil {
					return err
				}
				return printJSON(edit)
			})
		},
	}
	return cmd
}

func renderCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Submit the project for rendering",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				job, err := e.SubmitRender(ctx, requireProject(), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !wait {
					return printJSONOrDump(job)
				}
				fmt.Printf("Render %s submitted, waiting...\n", job.RenderID)
				job, err = e.WaitForRender(ctx, job.ID)
				if err != nil {
					return err
				}
				if job.Status != domain.RenderDone {
					return fmt.Errorf("render finished with status %s", job.Status)
				}
				fmt.Printf("Done: %s\n", job.VideoURL)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the render settles")
	return cmd
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Recompute quality scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				q, err := e.ScoreProject(ctx, requireProject(), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(q)
				}
				fmt.Printf("script: %d/10  visual: %d/10  viral: %d/10  overall: %d/10\n",
					q.Script, q.Visual, q.Viral, q.Overall)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Event log"}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, viper.GetString("project"), evtType, entityKind)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					t.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Clipline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func requireProject() string {
	return strings.TrimSpace(viper.GetString("project"))
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	e := engine.New(conn, cfg)
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

func printJSONOrDump(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
