// Package cmd implements the prometeo CLI: get/resume/list subcommands over
// the manager.Manager library surface. It is grounded on the teacher's
// cmd/root.go (cobra root command, persistent flags with environment
// variable fallbacks, SIGINT-driven graceful shutdown), generalized from a
// single Terabox-resolution download command into the three prometeo
// verbs SPEC_FULL.md §1.1 names.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"prometeo/internal/log"
	"prometeo/internal/progress"
	"prometeo/manager"
	"prometeo/manifest"
	"prometeo/utils"
)

var (
	flagConnections int
	flagTempDir     string
	flagSpeedLimit  float64
	flagUserAgent   string
	flagProxyURL    string
	flagQuiet       bool
	flagDebug       bool
	flagLogJSON     bool
	flagOutput      string
	flagFilename    string
)

var rootCmd = &cobra.Command{
	Use:     "prometeo",
	Short:   "A parallel, resumable HTTP download engine",
	Version: "v1.0.0",
	Long: `Prometeo downloads a file by issuing multiple concurrent HTTP range
requests against the origin, enforces an aggregate bandwidth ceiling,
persists enough state to resume across process restarts, and concatenates
the parts into the destination file once every range completes.

Environment Variables:
  PROMETEO_CONNECTIONS  Default number of connections (default 4)
  PROMETEO_TEMPDIR      Working directory root (default platform user-cache dir)
  PROMETEO_SPEED_LIMIT  Default aggregate speed ceiling in Mbps (default 10)
  PROMETEO_USER_AGENT   Default User-Agent header
  PROMETEO_PROXY        HTTP/SOCKS5 proxy URL`,
}

var getCmd = &cobra.Command{
	Use:   "get <URL>",
	Short: "Start a new download",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGet(cmd.Context(), args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume every interrupted download found under the working directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResume(cmd.Context())
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List resumable downloads without starting them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList()
	},
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&flagConnections, "connections", "n", 0, "Number of concurrent range connections (env: PROMETEO_CONNECTIONS)")
	rootCmd.PersistentFlags().StringVarP(&flagTempDir, "tempdir", "d", "", "Working directory root for manifests and part files (env: PROMETEO_TEMPDIR)")
	rootCmd.PersistentFlags().Float64VarP(&flagSpeedLimit, "speed-limit", "s", 0, "Aggregate bandwidth ceiling in Mbps (env: PROMETEO_SPEED_LIMIT)")
	rootCmd.PersistentFlags().StringVar(&flagUserAgent, "user-agent", "", "User-Agent header sent with every request (env: PROMETEO_USER_AGENT)")
	rootCmd.PersistentFlags().StringVar(&flagProxyURL, "proxy", "", "HTTP/HTTPS/SOCKS5 proxy URL (env: PROMETEO_PROXY)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress progress bar output")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-format-json", false, "Emit structured JSON logs instead of text")

	getCmd.Flags().StringVarP(&flagOutput, "output", "o", ".", "Destination directory for the downloaded file")
	getCmd.Flags().StringVar(&flagFilename, "filename", "", "Explicit destination filename (default: probed from the origin)")

	rootCmd.AddCommand(getCmd, resumeCmd, listCmd)
}

// Execute runs the prometeo root command.
func Execute() error {
	return rootCmd.Execute()
}

func newManager() (*manager.Manager, error) {
	var opts []manager.Option
	if flagConnections > 0 {
		opts = append(opts, manager.WithConnections(flagConnections))
	}
	if flagTempDir != "" {
		opts = append(opts, manager.WithTempDir(flagTempDir))
	}
	if flagSpeedLimit > 0 {
		opts = append(opts, manager.WithSpeedLimit(flagSpeedLimit))
	}
	if flagUserAgent != "" {
		opts = append(opts, manager.WithUserAgent(flagUserAgent))
	}
	if flagProxyURL != "" {
		opts = append(opts, manager.WithProxyURL(flagProxyURL))
	}
	opts = append(opts, manager.WithLogger(log.New(log.Options{
		Debug: flagDebug,
		Quiet: flagQuiet,
		JSON:  flagLogJSON,
	})))
	return manager.New(opts...)
}

func runGet(ctx context.Context, url string) error {
	mgr, err := newManager()
	if err != nil {
		return err
	}

	dl, err := mgr.Download(ctx, manager.DownloadRequest{URL: url, Path: flagOutput, Filename: flagFilename})
	if err != nil {
		return fmt.Errorf("prometeo: %w", err)
	}

	deregister := mgr.HandleSignals(ctx)
	defer deregister()

	return runWithBar(ctx, dl)
}

func runResume(ctx context.Context) error {
	mgr, err := newManager()
	if err != nil {
		return err
	}

	downloads, err := mgr.Resume(ctx)
	if err != nil {
		return fmt.Errorf("prometeo: %w", err)
	}
	if len(downloads) == 0 {
		if !flagQuiet {
			fmt.Println("no resumable downloads found")
		}
		return nil
	}

	deregister := mgr.HandleSignals(ctx)
	defer deregister()

	if flagQuiet {
		for _, dl := range downloads {
			if _, err := dl.Start(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	bars := make([]*progress.Bar, len(downloads))
	pbBars := make([]*pb.ProgressBar, len(downloads))
	for i, dl := range downloads {
		bars[i] = progress.NewBar(dl.Name(), dl.Size())
		pbBars[i] = bars[i].Underlying()
	}

	pool, err := pb.StartPool(pbBars...)
	if err != nil {
		return err
	}
	defer pool.Stop()

	errCh := make(chan error, len(downloads))
	for i, dl := range downloads {
		i, dl := i, dl
		stop := make(chan struct{})
		go func() {
			ch, unsub := dl.Progress()
			defer unsub()
			bars[i].Follow(ch, stop)
		}()
		go func() {
			_, err := dl.Start(ctx)
			close(stop)
			bars[i].Finish()
			errCh <- err
		}()
	}

	var firstErr error
	for range downloads {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func runList() error {
	tempDir := flagTempDir
	if tempDir == "" {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		tempDir = mgr.Config().TempDir
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no downloads tracked")
			return nil
		}
		return err
	}

	found := false
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		plan, err := manifest.Read(filepath.Join(tempDir, entry.Name()))
		if err != nil {
			continue
		}
		found = true
		fmt.Printf("%s\t%s\t%d bytes\t%s\n", plan.Name, plan.URL, plan.Size, progressLabel(plan))
	}
	if !found {
		fmt.Println("no downloads tracked")
	}
	return nil
}

func progressLabel(plan *manifest.Plan) string {
	fileOps := utils.NewFileOperations()
	var total int64
	for _, r := range plan.Parts {
		size, err := fileOps.GetFileSize(r.PartPath)
		if err != nil {
			continue
		}
		total += size
	}
	if plan.Size == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.1f%%", float64(total)/float64(plan.Size)*100)
}

func runWithBar(ctx context.Context, dl *manager.Download) error {
	if flagQuiet {
		_, err := dl.Start(ctx)
		return err
	}

	bar := progress.NewBar(dl.Name(), dl.Size())
	stop := make(chan struct{})
	go func() {
		ch, unsub := dl.Progress()
		defer unsub()
		bar.Follow(ch, stop)
	}()

	start := time.Now()
	dest, err := dl.Start(ctx)
	close(stop)
	if err != nil {
		return err
	}
	bar.Finish()
	fmt.Printf("saved %s in %s\n", dest, time.Since(start).Round(time.Second))
	return nil
}
