package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mordilloSan/go_logger/logger"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mordilloSan/dirindex/cmd"
	"github.com/mordilloSan/dirindex/config"
	"github.com/mordilloSan/dirindex/internal/format"
	"github.com/mordilloSan/dirindex/internal/version"
	"github.com/mordilloSan/dirindex/markdown"
	"github.com/mordilloSan/dirindex/publish"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dirindex: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	root := &cobra.Command{
		Use:           "dirindex",
		Short:         "Directory listings, sitemap and robots.txt for a static file site",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "config file (default ./dirindex.yaml if present)")
	pf.Bool("verbose", false, "enable debug logging")
	pf.String("site", "", "absolute site origin, e.g. https://example.org")
	pf.String("public-dir", "", "directory to scan")
	pf.String("out-dir", "", "build output directory")
	pf.String("db-path", "", `sqlite build store; "-" disables it`)
	bindFlags(v, pf, map[string]string{
		"verbose":    "verbose",
		"site":       "site",
		"public_dir": "public-dir",
		"out_dir":    "out-dir",
		"db_path":    "db-path",
	})

	load := func() (*config.Config, error) {
		cfg, err := config.Load(v, configFile)
		if err != nil {
			return nil, err
		}
		logger.Init("production", cfg.Verbose)
		if cfg.File != "" {
			logger.Debugf("Using config file %s", cfg.File)
		}
		return cfg, nil
	}

	root.AddCommand(
		newBuildCmd(load),
		newServeCmd(v, load),
		newPublishCmd(v, load),
		newSpacingCmd(),
		newVersionCmd(),
	)
	return root
}

type configLoader func() (*config.Config, error)

// bindFlags binds config keys to flags so a flag only overrides when it is set.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		if f := fs.Lookup(flag); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newBuildCmd(load configLoader) *cobra.Command {
	var noProgress bool

	c := &cobra.Command{
		Use:   "build",
		Short: "Scan the public directory and write listings.json, robots.txt and the sitemap",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(c.Context())
			defer cancel()

			rep, err := runBuildWithProgress(ctx, cfg, !noProgress, c.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "%d listings (%d dirs, %d files, %s) written to %s in %v\n",
				rep.Listings, rep.NumDirs, rep.NumFiles, format.Bytes(rep.TotalSize), cfg.OutDir,
				rep.Duration.Truncate(time.Millisecond))
			return nil
		},
	}
	c.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress spinner")
	return c
}

func runBuildWithProgress(ctx context.Context, cfg *config.Config, showProgress bool, w io.Writer) (*cmd.BuildReport, error) {
	opts := cmd.BuildOptions{Trigger: cmd.TriggerCLI}
	if showProgress {
		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("scanning"),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		defer func() { _ = bar.Finish() }()
		opts.Progress = func(p cmd.BuildProgress) {
			bar.Describe(fmt.Sprintf("%d dirs, %d files", p.Dirs, p.Files))
			_ = bar.Add(1)
		}
	}
	return cmd.RunBuild(ctx, cfg, opts)
}

func newServeCmd(v *viper.Viper, load configLoader) *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: HTTP API, scheduled and watched rebuilds",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			d, err := cmd.NewDaemon(cfg)
			if err != nil {
				return fmt.Errorf("start daemon: %w", err)
			}
			defer d.Close()

			listen := cfg.Serve.Listen
			if listen == "" {
				listen = "disabled"
			}
			logger.Infof("Daemon initialized public=%s out=%s db=%s listen=%s socket=%s schedule=%q watch=%t",
				cfg.PublicDir, cfg.OutDir, cfg.DBPath, listen, cfg.Serve.Socket, cfg.Serve.Schedule, cfg.Serve.Watch)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			errCh := make(chan error, 1)
			go func() {
				errCh <- d.Run(ctx)
			}()

			select {
			case sig := <-sigCh:
				logger.Infof("Received signal %v, initiating graceful shutdown...", sig)
				cancel()
				if err := <-errCh; err != nil {
					return err
				}
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("daemon exited: %w", err)
				}
			}
			logger.Infof("Shutdown complete")
			return nil
		},
	}

	f := c.Flags()
	f.String("listen", "", "TCP address of the HTTP API, empty to disable")
	f.String("socket", "", "unix socket path of the HTTP API")
	f.String("schedule", "", "cron spec for periodic rebuilds")
	f.Duration("interval", 0, "rebuild interval, shorthand for @every")
	f.Bool("watch", true, "rebuild when the public directory changes")
	bindFlags(v, f, map[string]string{
		"serve.listen":   "listen",
		"serve.socket":   "socket",
		"serve.schedule": "schedule",
		"serve.interval": "interval",
		"serve.watch":    "watch",
	})
	return c
}

func newPublishCmd(v *viper.Viper, load configLoader) *cobra.Command {
	var (
		build      bool
		noProgress bool
	)

	c := &cobra.Command{
		Use:   "publish",
		Short: "Upload the build output to S3",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(c.Context())
			defer cancel()

			if build {
				if _, err := runBuildWithProgress(ctx, cfg, !noProgress, c.ErrOrStderr()); err != nil {
					return err
				}
			}
			if cfg.Publish.Bucket == "" {
				return publish.ErrNoBucket
			}

			client, err := publish.NewS3Client(ctx, publish.ClientConfig{
				Region:    cfg.Publish.Region,
				Endpoint:  cfg.Publish.Endpoint,
				PathStyle: cfg.Publish.PathStyle,
			})
			if err != nil {
				return err
			}

			opts := publish.Options{
				Bucket:      cfg.Publish.Bucket,
				Prefix:      cfg.Publish.Prefix,
				Concurrency: cfg.Publish.Concurrency,
			}
			var bar *progressbar.ProgressBar
			if !noProgress {
				opts.Progress = func(_ string, size int64) {
					_ = bar.Add64(size)
				}
			}
			p, err := publish.New(client, opts)
			if err != nil {
				return err
			}
			if !noProgress {
				total, err := p.TotalBytes(cfg.OutDir)
				if err != nil {
					return err
				}
				bar = progressbar.NewOptions64(total,
					progressbar.OptionSetWriter(c.ErrOrStderr()),
					progressbar.OptionSetDescription("uploading"),
					progressbar.OptionShowBytes(true),
					progressbar.OptionThrottle(100*time.Millisecond),
					progressbar.OptionClearOnFinish(),
				)
				defer func() { _ = bar.Finish() }()
			}

			res, err := p.Publish(ctx, cfg.OutDir)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return fmt.Errorf("publish interrupted after %d objects: %w", res.Objects, err)
				}
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "%d objects (%s) uploaded to s3://%s/%s in %v\n",
				res.Objects, format.Bytes(res.Bytes), cfg.Publish.Bucket, cfg.Publish.Prefix,
				res.Duration.Truncate(time.Millisecond))
			return nil
		},
	}

	f := c.Flags()
	f.BoolVar(&build, "build", false, "run a build before uploading")
	f.BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
	f.String("bucket", "", "destination bucket")
	f.String("prefix", "", "key prefix inside the bucket")
	f.String("endpoint", "", "S3-compatible endpoint URL")
	f.Int("concurrency", 0, "parallel uploads")
	bindFlags(v, f, map[string]string{
		"publish.bucket":      "bucket",
		"publish.prefix":      "prefix",
		"publish.endpoint":    "endpoint",
		"publish.concurrency": "concurrency",
	})
	return c
}

func newSpacingCmd() *cobra.Command {
	var plain bool

	c := &cobra.Command{
		Use:   "spacing [file]",
		Short: "Insert spaces between CJK and Latin text; renders markdown to HTML unless --text",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			in := c.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			src, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			if plain {
				_, err = io.WriteString(c.OutOrStdout(), markdown.Text(string(src)))
				return err
			}
			out, err := markdown.Render(src)
			if err != nil {
				return err
			}
			_, err = c.OutOrStdout().Write(out)
			return err
		},
	}
	c.Flags().BoolVar(&plain, "text", false, "treat input as plain text instead of markdown")
	return c
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(c *cobra.Command, args []string) {
			fmt.Fprintln(c.OutOrStdout(), version.String())
		},
	}
}
