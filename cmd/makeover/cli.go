package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"makeover/internal/config"
	"makeover/internal/entity/dto"
	"makeover/internal/makeover"
	"makeover/internal/model"
	"makeover/internal/progress"
	"makeover/internal/storage"
	"makeover/internal/transport"
	"makeover/internal/vendor"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const keyClientAppID = "makeover.client_app_id"

// presets 是内置的风格
var presets = []dto.Transformation{
	{ID: "watercolor", Name: "Watercolor", Category: "art", Prompt: "Turn this photo into a soft watercolor painting, keep the face recognizable"},
	{ID: "anime", Name: "Anime", Category: "art", Prompt: "Redraw this person as an anime character with clean cel shading", NegativePrompt: "photorealistic, blurry"},
	{ID: "renaissance", Name: "Renaissance", Category: "art", Prompt: "Paint this person as a Renaissance oil portrait", StylePrompt: "chiaroscuro lighting, canvas texture"},
	{ID: "cyberpunk", Name: "Cyberpunk", Category: "style", Prompt: "Restyle this photo as a neon-lit cyberpunk scene"},
	{ID: "clay", Name: "Claymation", Category: "style", Prompt: "Turn this person into a claymation figure", NegativePrompt: "realistic skin"},
}

func findPreset(id string) (dto.Transformation, bool) {
	for _, p := range presets {
		if strings.EqualFold(p.ID, id) {
			return p, true
		}
	}
	return dto.Transformation{}, false
}

type cliEnv struct {
	cfg     config.Config
	repo    model.Repository
	store   makeover.Store
	storage storage.Storage
	relay   *transport.RelayTransport
	manager *vendor.Manager
	orch    *makeover.Orchestrator
}

func (e *cliEnv) Close() {
	if e.manager != nil {
		e.manager.Close()
	}
	if e.repo != nil {
		e.repo.Close()
	}
}

// NewCLI 返回根命令
func NewCLI() *cobra.Command {
	var (
		relayURL string
		verbose  bool
		env      = &cliEnv{}
	)

	root := &cobra.Command{
		Use:           "makeover",
		Short:         "Photo makeovers through the generation relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
			return env.init(cmd.Context(), relayURL)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			env.Close()
		},
	}
	root.PersistentFlags().StringVar(&relayURL, "relay", envOr("MAKEOVER_RELAY_URL", "http://localhost:3001"), "Relay base URL")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	root.AddCommand(
		generateCmd(env),
		estimateCmd(env),
		historyCmd(env),
		settingsCmd(env),
		stylesCmd(),
		disconnectCmd(env),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (e *cliEnv) init(ctx context.Context, relayURL string) error {
	cfg, err := config.ParseConfig()
	if err != nil {
		return err
	}
	e.cfg = cfg

	repo, err := model.InitRepository(&cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	e.repo = repo
	if repo != nil {
		e.store = makeover.NewRepositoryStore(repo)
	} else {
		e.store = makeover.NewMemoryStore()
	}

	if st, err := storage.NewStorage(cfg); err != nil {
		logrus.WithError(err).Warn("archiving disabled")
	} else {
		e.storage = st
	}

	clientAppID, err := e.clientAppID(ctx)
	if err != nil {
		return err
	}
	e.relay = transport.NewRelayTransport(relayURL, clientAppID)

	opts := makeover.Options{
		Store:   e.store,
		Relay:   e.relay,
		Storage: e.storage,
	}
	// 配置了 vendor 账号即视为已登录，直连网络
	if strings.TrimSpace(cfg.VendorUsername) != "" && strings.TrimSpace(cfg.VendorPassword) != "" {
		e.manager = vendor.NewManager(func(ctx context.Context) (vendor.Client, error) {
			return vendor.Dial(ctx, vendor.SocketOptions{
				APIURL:    cfg.VendorAPIURL,
				SocketURL: cfg.VendorSocketURL,
				AppID:     cfg.VendorAppID,
				Username:  cfg.VendorUsername,
				Password:  cfg.VendorPassword,
				Network:   cfg.VendorNetwork,
			})
		})
		opts.Direct = transport.NewSDKTransport(e.manager, transport.SDKOptions{
			Network:       cfg.VendorNetwork,
			MaxImages:     cfg.MaxImagesPerRequest,
			FallbackDelay: cfg.FallbackDelay,
			FailsafeDelay: cfg.FailsafeDelay,
		})
	}

	e.orch, err = makeover.New(opts)
	return err
}

// clientAppID 在本地持久化一个稳定的客户端 ID
func (e *cliEnv) clientAppID(ctx context.Context) (string, error) {
	id, ok, err := e.store.Get(ctx, keyClientAppID)
	if err != nil {
		return "", err
	}
	if ok && strings.TrimSpace(id) != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := e.store.Set(ctx, keyClientAppID, id); err != nil {
		return "", err
	}
	return id, nil
}

func resolveStyle(style, prompt string) (dto.Transformation, error) {
	if strings.TrimSpace(prompt) != "" {
		return dto.Transformation{ID: "custom", Name: "Custom", Prompt: prompt}, nil
	}
	t, ok := findPreset(style)
	if !ok {
		return dto.Transformation{}, fmt.Errorf("unknown style %q (see `makeover styles`)", style)
	}
	return t, nil
}

func generateCmd(env *cliEnv) *cobra.Command {
	var (
		style  string
		prompt string
		output string
	)
	cmd := &cobra.Command{
		Use:   "generate IMAGE",
		Short: "Apply a makeover style to a photo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := resolveStyle(style, prompt)
			if err != nil {
				return err
			}
			source, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}

			out := cmd.OutOrStdout()
			res, err := env.orch.Generate(cmd.Context(), makeover.Input{
				Source:         source,
				SourceRef:      args[0],
				Transformation: t,
				OnProgress:     func(p progress.GenerationProgress) { renderProgress(out, p) },
			})
			if err != nil {
				return err
			}

			switch res.Progress.Status {
			case progress.StatusCompleted:
				for _, u := range res.Progress.ResultURLs {
					fmt.Fprintln(out, u)
				}
				if res.History != nil && res.History.ArchivedResult != "" {
					fmt.Fprintf(out, "archived: %s\n", storage.PublicURL(env.cfg.StoragePublicBaseURL, res.History.ArchivedResult))
				}
				if output != "" && res.History != nil {
					return writeJSON(output, res.History)
				}
				return nil
			case progress.StatusCancelled:
				return errors.New("generation cancelled")
			default:
				return fmt.Errorf("%s: %s", res.Progress.ErrorCode, res.Progress.Message)
			}
		},
	}
	cmd.Flags().StringVarP(&style, "style", "s", "watercolor", "Preset style id")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Custom prompt, overrides --style")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the history record as JSON to this file")
	return cmd
}

func renderProgress(w io.Writer, p progress.GenerationProgress) {
	switch p.Status {
	case progress.StatusUploading, progress.StatusQueued:
		fmt.Fprintf(w, "[%s] %s\n", p.Status, p.Message)
	default:
		fmt.Fprintf(w, "[%s] %3.0f%% %s\n", p.Status, p.Progress, p.Message)
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func estimateCmd(env *cliEnv) *cobra.Command {
	var style, prompt string
	cmd := &cobra.Command{
		Use:   "estimate IMAGE",
		Short: "Quote the cost of a makeover",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := resolveStyle(style, prompt)
			if err != nil {
				return err
			}
			source, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			est, err := env.orch.EstimateCost(cmd.Context(), t, source)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token: %.4f\nusd:   %.4f\n", est.Token, est.USD)
			return nil
		},
	}
	cmd.Flags().StringVarP(&style, "style", "s", "watercolor", "Preset style id")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Custom prompt, overrides --style")
	return cmd
}

func historyCmd(env *cliEnv) *cobra.Command {
	var clearAll bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List completed makeovers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearAll {
				return env.orch.ClearHistory(cmd.Context())
			}
			items, err := env.orch.History(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tSTYLE\tDURATION\tRESULT")
			for _, it := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					it.Timestamp.Local().Format(time.DateTime),
					it.Transformation.Name,
					(time.Duration(it.DurationMs) * time.Millisecond).Round(100*time.Millisecond),
					it.ResultImage,
				)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if remaining, err := env.orch.DemoRemaining(cmd.Context()); err == nil && remaining >= 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\ndemo generations left: %d\n", remaining)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearAll, "clear", false, "Delete all history")
	return cmd
}

func settingsCmd(env *cliEnv) *cobra.Command {
	var s makeover.Settings
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or update generation settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := makeover.LoadSettings(cmd.Context(), env.store)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("model") {
				current.ModelID = s.ModelID
			}
			if flags.Changed("width") {
				current.Width = s.Width
			}
			if flags.Changed("height") {
				current.Height = s.Height
			}
			if flags.Changed("steps") {
				current.Steps = s.Steps
			}
			if flags.Changed("guidance") {
				current.Guidance = s.Guidance
			}
			if flags.Changed("images") {
				current.NumberOfImages = s.NumberOfImages
			}
			if flags.Changed("token-type") {
				current.TokenType = s.TokenType
			}
			if flags.NFlag() > 0 {
				if err := makeover.SaveSettings(cmd.Context(), env.store, current); err != nil {
					return err
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(current)
		},
	}
	cmd.Flags().StringVar(&s.ModelID, "model", "", "Model id")
	cmd.Flags().IntVar(&s.Width, "width", 0, "Output width")
	cmd.Flags().IntVar(&s.Height, "height", 0, "Output height")
	cmd.Flags().IntVar(&s.Steps, "steps", 0, "Inference steps")
	cmd.Flags().Float64Var(&s.Guidance, "guidance", 0, "Guidance scale")
	cmd.Flags().IntVar(&s.NumberOfImages, "images", 0, "Images per generation (1-8)")
	cmd.Flags().StringVar(&s.TokenType, "token-type", "", "Payment token type")
	return cmd
}

func stylesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "styles",
		Short: "List preset styles",
		Args:  cobra.NoArgs,
		// 不需要初始化存储
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			sorted := append([]dto.Transformation(nil), presets...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCATEGORY")
			for _, p := range sorted {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.Category)
			}
			w.Flush()
		},
	}
}

func disconnectCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Tell the relay this client is going away",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.relay.Disconnect(cmd.Context())
		},
	}
}
