package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"handoff/internal/app"
	"handoff/internal/config"
	"handoff/internal/db"
	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/migrate"
	"handoff/internal/repo"
	"handoff/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ho",
	Short: "Handoff console CLI",
	Long: `Handoff tracks position relief briefings as multi-step forms.
- Workspace: your .handoff directory holding the database; handoff.yml configures the facility.
- Assignment: one area position you currently hold; each carries its own hand-off form.
- Template: the per-position form layout (sections, groups, fields), imported from YAML.
- Steps: the ordered sections of the form; moving between them records validation state.
- Save: autosaves happen as you edit; the explicit save marks the hand-off complete.
- Roster: incoming controllers for the facility, offered on incoming-controller fields.
- Event log: diary of assignment and save activity, view with 'ho log tail'.`,
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
	viper.SetEnvPrefix("HANDOFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "username for the duty session")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(formCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var facility string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default handoff.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if facility == "" {
				return fmt.Errorf("--facility required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(facility)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&facility, "facility", "", "facility id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func assignmentCmd() *cobra.Command {
	as := &cobra.Command{
		Use:   "assignment",
		Short: "Manage area assignments",
	}
	as.AddCommand(assignmentListCmd())
	as.AddCommand(assignmentStartCmd())
	as.AddCommand(assignmentEndCmd())
	as.AddCommand(assignmentUseCmd())
	return as
}

func assignmentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config, ctrl *engine.Controller) error {
				items := ctrl.Assignments()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Position", "Active", "Started"})
				for _, a := range items {
					active := ""
					if a.ID == ctrl.ActiveID() {
						active = "*"
					}
					tw.AppendRow(table.Row{a.ID, a.Position, active, a.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func assignmentStartCmd() *cobra.Command {
	var id, positionID, position string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			if positionID == "" {
				return fmt.Errorf("--position-id required")
			}
			return withSession(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config, ctrl *engine.Controller) error {
				if id == "" {
					id = uuid.New().String()
				}
				if position == "" {
					position = positionID
				}
				a := domain.Assignment{
					ID:         id,
					PositionID: positionID,
					FacilityID: cfg.Facility.ID,
					Position:   position,
				}
				started, err := r.StartAssignment(ctx, ctrl.User().ID, a, cfg.Session.MaxAssignments)
				if err != nil {
					return err
				}
				return printJSONOrTable(started)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "assignment id (generated when empty)")
	cmd.Flags().StringVar(&positionID, "position-id", "", "position template id")
	cmd.Flags().StringVar(&position, "position", "", "position display name")
	return cmd
}

func assignmentEndCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "end <assignment-id>",
		Short: "End an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config, ctrl *engine.Controller) error {
				if err := ctrl.EndAssignment(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("ended %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func assignmentUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <assignment-id>",
		Short: "Switch the active assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config, ctrl *engine.Controller) error {
				if err := ctrl.SwitchEntity(ctx, args[0]); err != nil {
					return err
				}
				if err := r.SetActiveAssignment(ctx, ctrl.User().ID, args[0]); err != nil {
					return err
				}
				fmt.Printf("active assignment: %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func formCmd() *cobra.Command {
	f := &cobra.Command{
		Use:   "form",
		Short: "Work the active hand-off form",
	}
	f.AddCommand(formShowCmd())
	f.AddCommand(formSetCmd())
	f.AddCommand(formStepCmd())
	f.AddCommand(formSaveCmd())
	return f
}

func formShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current step's values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config, ctrl *engine.Controller) error {
				id := ctrl.ActiveID()
				if id == "" {
					return fmt.Errorf("no active assignment")
				}
				step := ctrl.CurrentStep()
				out := map[string]any{
					"assignment_id": id,
					"step":          step,
					"values":        ctrl.StepValuesFor(id, step),
					"errors":        ctrl.ValidateStep(id, step),
					"can_save":      ctrl.CanSave(id),
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func formSetCmd() *cobra.Command {
	var field, key, value string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Record a field edit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if field == "" {
				return fmt.Errorf("--field required")
			}
			return withSession(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config, ctrl *engine.Controller) error {
				if key == "" {
					key = "value"
				}
				if err := ctrl.SetValue(ctx, field, key, value); err != nil {
					return err
				}
				id := ctrl.ActiveID()
				return printJSONOrTable(ctrl.StepValuesFor(id, ctrl.CurrentStep()))
			})
		},
	}
	cmd.Flags().StringVar(&field, "field", "", "field name")
	cmd.Flags().StringVar(&key, "key", "", "value key (default main value; use an extent name)")
	cmd.Flags().StringVar(&value, "value", "", "value to record")
	return cmd
}

func formStepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step <index>",
		Short: "Move to a step of the active assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid step %q", args[0])
			}
			return withSession(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config, ctrl *engine.Controller) error {
				if err := ctrl.SetStep(ctx, step); err != nil {
					return err
				}
				fmt.Printf("step %d\n", ctrl.CurrentStep())
				return nil
			})
		},
	}
	return cmd
}

func formSaveCmd() *cobra.Command {
	var assignmentID string
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Explicitly save the hand-off form",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config, ctrl *engine.Controller) error {
				id := assignmentID
				if id == "" {
					id = ctrl.ActiveID()
				}
				if id == "" {
					return fmt.Errorf("no active assignment")
				}
				res, err := ctrl.Save(ctx, id)
				if err != nil {
					return err
				}
				if len(res.ValidationMessages) > 0 {
					if viper.GetBool("json") {
						return printJSON(res)
					}
					fmt.Println("hand-off not complete:")
					for _, msg := range res.ValidationMessages {
						fmt.Printf("  %s\n", msg)
					}
					return nil
				}
				fmt.Printf("saved %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&assignmentID, "assignment", "", "assignment id (defaults to active)")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the step completion matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, r repo.Repo, cfg *config.Config, ctrl *engine.Controller) error {
				if viper.GetBool("json") {
					return printJSON(ctrl.StatusMatrix())
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Assignment", "Position", "Steps"})
				for _, a := range ctrl.Assignments() {
					var cells []string
					for _, s := range ctrl.StepStatuses(a.ID) {
						switch {
						case s.Complete:
							cells = append(cells, "done")
						case s.Visited:
							cells = append(cells, "open")
						default:
							cells = append(cells, "-")
						}
					}
					tw.AppendRow(table.Row{a.ID, a.Position, strings.Join(cells, " ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "template",
		Short: "Manage hand-off templates",
	}
	t.AddCommand(templateListCmd())
	t.AddCommand(templateShowCmd())
	t.AddCommand(templateImportCmd())
	return t
}

func templateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List template position ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				ids, err := r.ListTemplateIDs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(ids)
			})
		},
	}
	return cmd
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <position-id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tpl, err := r.Template(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(tpl)
			})
		},
	}
	return cmd
}

func templateImportCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import template YAML files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if dir == "" {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					dir = cfg.Templates.Dir
				}
				n, err := r.ImportTemplatesDir(ctx, dir)
				if err != nil {
					return err
				}
				fmt.Printf("imported %d templates from %s\n", n, dir)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory of template YAML files (defaults to config templates.dir)")
	return cmd
}

func rosterCmd() *cobra.Command {
	ro := &cobra.Command{
		Use:   "roster",
		Short: "Manage the incoming controller roster",
	}
	ro.AddCommand(rosterAddCmd())
	ro.AddCommand(rosterListCmd())
	return ro
}

func rosterAddCmd() *cobra.Command {
	var username, name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a controller to the facility roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--username required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				if name == "" {
					name = username
				}
				entry := domain.RosterEntry{Username: username, DisplayName: name}
				if err := r.UpsertRosterEntry(ctx, cfg.Facility.ID, entry); err != nil {
					return err
				}
				fmt.Printf("added %s to %s roster\n", username, cfg.Facility.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "controller username")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func rosterListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the facility roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				entries, err := r.IncomingRoster(ctx, cfg.Facility.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed a demo template, roster and assignment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				if err := r.UpsertTemplate(ctx, "demo-sector", demoTemplate()); err != nil {
					return err
				}
				for _, e := range []domain.RosterEntry{
					{Username: "mlee", DisplayName: "M. Lee"},
					{Username: "kimani", DisplayName: "K. Imani"},
				} {
					if err := r.UpsertRosterEntry(ctx, cfg.Facility.ID, e); err != nil {
						return err
					}
				}
				user, err := r.GetUserByUsername(ctx, viper.GetString("user"))
				if errors.Is(err, repo.ErrNotFound) {
					user = domain.User{ID: uuid.New().String(), Username: viper.GetString("user"), DisplayName: viper.GetString("user")}
					err = r.UpsertUser(ctx, user)
				}
				if err != nil {
					return err
				}
				a := domain.Assignment{
					ID:         uuid.New().String(),
					PositionID: "demo-sector",
					FacilityID: cfg.Facility.ID,
					Position:   "Demo Sector",
					IsActive:   true,
				}
				if _, err := r.StartAssignment(ctx, user.ID, a, cfg.Session.MaxAssignments); err != nil {
					return err
				}
				fmt.Printf("seeded demo-sector template, roster and assignment %s\n", a.ID)
				return nil
			})
		},
	}
	return cmd
}

func demoTemplate() domain.Template {
	return domain.Template{
		Title: "Demo Sector Hand-Off",
		Sections: map[string]domain.Section{
			"position": {
				Order: 1,
				Title: "Position",
				Groups: []domain.Group{
					{
						Title: "Outgoing",
						Fields: []domain.FieldDefinition{
							{Name: "Relieving Controller", Type: "text", Required: true},
							{Name: "Relief Date", Type: "text"},
							{Name: "Outgoing Signature", Type: "signature"},
							{
								Name:     "Equipment Issues",
								Type:     "select",
								Required: true,
								Options:  []string{"None", "Degraded", "Failed"},
								Extents: []domain.ExtentDefinition{
									{Name: "detail", Required: true},
								},
								ExtentsTrigger: &domain.ExtentsTrigger{Options: []string{"Degraded", "Failed"}},
							},
						},
					},
					{
						Title: "Incoming Controller",
						Fields: []domain.FieldDefinition{
							{Name: "Incoming Controller", Type: "select"},
							{Name: "Incoming Signature", Type: "signature"},
						},
					},
				},
			},
			"weather": {
				Order: 2,
				Title: "Weather",
				Groups: []domain.Group{
					{
						Title: "Current",
						Fields: []domain.FieldDefinition{
							{Name: "ATIS Code", Type: "text"},
						},
					},
				},
			},
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, assignmentID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, assignmentID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&assignmentID, "assignment", "", "assignment id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
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
			r := repo.New(conn)
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("HANDOFF_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("HANDOFF_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Repo: r, Cfg: cfg, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Handoff API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("local")
	}
	return cfg, nil
}

func withSession(ctx context.Context, fn func(context.Context, repo.Repo, *config.Config, *engine.Controller) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.New(conn)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The CLI is one-shot: flush autosaves immediately instead of coalescing.
	cfg.Session.AutosaveDelayMS = 0
	ctrl, err := app.NewSession(ctx, r, cfg, viper.GetString("user"))
	if err != nil {
		return err
	}
	return fn(ctx, r, cfg, ctrl)
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
	r := repo.New(conn)
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
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
