// gamecfg：配置流程的命令行入口，与 HTTP 服务共用配置与存储后端
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"game-config/internal/config"
	"game-config/internal/docstore"
	"game-config/internal/geo"
	"game-config/internal/logger"
	"game-config/internal/objstore"
	"game-config/internal/publish"
	"game-config/internal/rewrite"
	"game-config/internal/snapshot"
	"game-config/internal/version"

	"github.com/spf13/cobra"
)

// opener：按当前配置打开流水线；返回的 cleanup 负责关闭存储连接
type opener func(ctx context.Context) (*publish.Pipeline, func(), error)

func openFromEnv(ctx context.Context) (*publish.Pipeline, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	l := logger.SetupWith(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Out: os.Stderr})
	b, closer, err := objstore.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, nil, err
	}
	p := publish.New(b,
		publish.WithIndexRetries(cfg.IndexRetries),
		publish.WithRewriter(rewrite.New(cfg.MediaPrefix)),
		publish.WithDefaultChannel(cfg.DefaultChannel()),
		publish.WithLogger(l),
	)
	return p, func() { _ = closer.Close() }, nil
}

type saveFile struct {
	Title          any            `json:"title"`
	Flags          snapshot.Flags `json:"flags"`
	Settings       any            `json:"settings"`
	Missions       any            `json:"missions"`
	Devices        any            `json:"devices"`
	Media          any            `json:"media"`
	DefaultChannel any            `json:"defaultChannel"`
	Channel        any            `json:"channel"`
}

// readInput：path 为 "-" 时读取标准输入
func readInput(cmd *cobra.Command, path string, out any) error {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := docstore.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	raw, err := docstore.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
	return err
}

func newRootCmd(open opener) *cobra.Command {
	var (
		ch        string
		file      string
		versionID string
		defCh     string
		lat, lng  float64
		mode      string
		radiusKm  float64
		nearest   int
	)
	// with：打开流水线后执行 fn，结束时释放存储
	with := func(cmd *cobra.Command, fn func(ctx context.Context, p *publish.Pipeline) (any, error)) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		p, cleanup, err := open(ctx)
		if err != nil {
			return err
		}
		defer cleanup()
		v, err := fn(ctx, p)
		if err != nil {
			return err
		}
		return printJSON(cmd, v)
	}
	saveReq := func(cmd *cobra.Command, slug string) (publish.SaveRequest, error) {
		var f saveFile
		if err := readInput(cmd, file, &f); err != nil {
			return publish.SaveRequest{}, err
		}
		req := publish.SaveRequest{
			Slug: slug, Channel: f.Channel, Title: f.Title, Flags: f.Flags,
			Settings: f.Settings, Missions: f.Missions, Devices: f.Devices, Media: f.Media,
			DefaultChannel: f.DefaultChannel, VersionID: versionID,
		}
		if ch != "" {
			req.Channel = ch
		}
		return req, nil
	}

	root := &cobra.Command{
		Use:           "gamecfg",
		Short:         "Versioned game configuration tool",
		Long:          `Save, publish and recenter game configurations stored in the configured object store backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	saveCmd := &cobra.Command{
		Use:   "save <slug>",
		Short: "Save a configuration document to a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := saveReq(cmd, args[0])
			if err != nil {
				return err
			}
			return with(cmd, func(ctx context.Context, p *publish.Pipeline) (any, error) { return p.Save(ctx, req) })
		},
	}
	saveCmd.Flags().StringVarP(&ch, "channel", "c", "", "Target channel (draft|published); overrides the document")
	saveCmd.Flags().StringVarP(&file, "file", "f", "-", "Configuration JSON file, - for stdin")
	saveCmd.Flags().StringVar(&versionID, "version-id", "", "Explicit version id for idempotent retries")

	publishCmd := &cobra.Command{
		Use:   "publish <slug>",
		Short: "Save a configuration document to the published channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := saveReq(cmd, args[0])
			if err != nil {
				return err
			}
			return with(cmd, func(ctx context.Context, p *publish.Pipeline) (any, error) { return p.Publish(ctx, req) })
		},
	}
	publishCmd.Flags().StringVarP(&file, "file", "f", "-", "Configuration JSON file, - for stdin")
	publishCmd.Flags().StringVar(&versionID, "version-id", "", "Explicit version id for idempotent retries")

	makeLiveCmd := &cobra.Command{
		Use:   "make-live <slug>",
		Short: "Point the live channel at published",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(ctx context.Context, p *publish.Pipeline) (any, error) {
				live, err := p.MakeLive(ctx, args[0], defCh)
				if err != nil {
					return nil, err
				}
				return map[string]any{"slug": args[0], "liveChannel": live}, nil
			})
		},
	}
	makeLiveCmd.Flags().StringVar(&defCh, "default-channel", "", "Default channel when the index does not exist yet")

	recenterCmd := &cobra.Command{
		Use:   "recenter <slug>",
		Short: "Move every coordinate of a channel to a new map center",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(ctx context.Context, p *publish.Pipeline) (any, error) {
				return p.Recenter(ctx, publish.RecenterRequest{
					Slug: args[0], Channel: ch, Center: &geo.LatLng{Lat: lat, Lng: lng}, Mode: mode,
				})
			})
		},
	}
	recenterCmd.Flags().StringVarP(&ch, "channel", "c", "", "Channel to recenter")
	recenterCmd.Flags().Float64Var(&lat, "lat", 0, "New center latitude")
	recenterCmd.Flags().Float64Var(&lng, "lng", 0, "New center longitude")
	recenterCmd.Flags().StringVar(&mode, "mode", "", "relative (translate layout) or absolute (collapse every pin)")
	_ = recenterCmd.MarkFlagRequired("lat")
	_ = recenterCmd.MarkFlagRequired("lng")
	_ = recenterCmd.MarkFlagRequired("mode")

	showCmd := &cobra.Command{
		Use:   "show <slug>",
		Short: "Print the current document of a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(ctx context.Context, p *publish.Pipeline) (any, error) { return p.Load(ctx, args[0], ch) })
		},
	}
	showCmd.Flags().StringVarP(&ch, "channel", "c", "", "Channel to read")

	indexCmd := &cobra.Command{
		Use:   "index <slug>",
		Short: "Print the version index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(ctx context.Context, p *publish.Pipeline) (any, error) { return p.Index(ctx, args[0]) })
		},
	}

	pinsCmd := &cobra.Command{
		Use:   "pins <slug>",
		Short: "List distinct coordinates, or query around --lat/--lng by --radius-km or --nearest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(ctx context.Context, p *publish.Pipeline) (any, error) {
				if cmd.Flags().Changed("nearest") {
					return p.PinsNearest(ctx, args[0], ch, geo.LatLng{Lat: lat, Lng: lng}, nearest)
				}
				if cmd.Flags().Changed("radius-km") {
					return p.PinsNear(ctx, args[0], ch, geo.LatLng{Lat: lat, Lng: lng}, radiusKm)
				}
				return p.Pins(ctx, args[0], ch)
			})
		},
	}
	pinsCmd.Flags().StringVarP(&ch, "channel", "c", "", "Channel to read")
	pinsCmd.Flags().Float64Var(&lat, "lat", 0, "Query latitude")
	pinsCmd.Flags().Float64Var(&lng, "lng", 0, "Query longitude")
	pinsCmd.Flags().Float64Var(&radiusKm, "radius-km", 0, "Query radius in kilometres")
	pinsCmd.Flags().IntVar(&nearest, "nearest", 0, "Return the N closest coordinates")
	pinsCmd.MarkFlagsMutuallyExclusive("radius-km", "nearest")

	selftestCmd := &cobra.Command{
		Use:   "selftest",
		Short: "Write and read back the storage health object",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return with(cmd, func(ctx context.Context, p *publish.Pipeline) (any, error) { return p.Selftest(ctx) })
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build commit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Commit)
		},
	}

	root.AddCommand(saveCmd, publishCmd, makeLiveCmd, recenterCmd, showCmd, indexCmd, pinsCmd, selftestCmd, versionCmd)
	return root
}

func main() {
	if err := newRootCmd(openFromEnv).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
