package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dmspipeline/analysismgr/internal/cache"
	"github.com/dmspipeline/analysismgr/internal/config"
	"github.com/dmspipeline/analysismgr/internal/jobctx"
	"github.com/dmspipeline/analysismgr/internal/locator"
	"github.com/dmspipeline/analysismgr/internal/logging"
	"github.com/dmspipeline/analysismgr/internal/results"
	"github.com/dmspipeline/analysismgr/internal/status"
	s3storage "github.com/dmspipeline/analysismgr/internal/storage/s3"
	"github.com/dmspipeline/analysismgr/internal/transfer"
)

func printPurge(cmd *cobra.Command, res cache.PurgeResult) {
	out := cmd.OutOrStdout()
	if res.Skipped {
		fmt.Fprintf(out, "%s: nothing to do\n", res.Strategy)
		return
	}
	fmt.Fprintf(out, "%s: deleted %d file(s), freed %s in %d iteration(s)\n",
		res.Strategy, res.FilesDeleted, humanize.IBytes(uint64(res.BytesFreed)), res.Iterations)
	for _, name := range res.Deleted {
		fmt.Fprintf(out, "  %s\n", name)
	}
	switch {
	case res.TargetMet:
	case res.StoppedAtFloor:
		fmt.Fprintln(out, "  target not met: remaining files were used within the retention window")
	default:
		fmt.Fprintln(out, "  target not met: no eligible files left")
	}
	if res.DeleteErrors > 0 {
		fmt.Fprintf(out, "  %d file(s) could not be deleted\n", res.DeleteErrors)
	}
}

func (a *app) purgeFastaCommand() *cobra.Command {
	var currentFasta string
	var threshold int
	var requiredMB int64

	cmd := &cobra.Command{
		Use:   "purge-fasta [dir]",
		Short: "Purge old FASTA files from the organism database cache",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.cfg.OrgDBDir
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("ORG_DB_DIR: %w", config.ErrMissingParam)
			}
			if !cmd.Flags().Changed("threshold") {
				threshold = a.cfg.FreeSpaceThresholdPercent
			}
			if !cmd.Flags().Changed("required-mb") {
				requiredMB = a.cfg.RequiredFreeSpaceMB
			}
			return a.run(cmd, func(ctx context.Context) error {
				res, err := cache.PurgeFastaFiles(ctx, dir, cache.FastaPurgeOptions{
					FreeSpaceThresholdPercent: threshold,
					RequiredFreeSpaceMB:       requiredMB,
					CurrentFastaName:          currentFasta,
				})
				if err != nil {
					return err
				}
				printPurge(cmd, res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&currentFasta, "current-fasta", "", "FASTA file in use by the current job (never deleted)")
	cmd.Flags().IntVar(&threshold, "threshold", 20, "free-space threshold percent (1-50)")
	cmd.Flags().Int64Var(&requiredMB, "required-mb", 0, "free space in MB that must also be available")
	return cmd
}

func (a *app) purgeCacheCommand() *cobra.Command {
	var maxGB int

	cmd := &cobra.Command{
		Use:   "purge-cache [dir]",
		Short: "Trim the MSXML (mzML/mzXML) cache to its size threshold",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.cfg.MSXMLCacheFolderPath
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return fmt.Errorf("MSXML_CACHE_FOLDER_PATH: %w", config.ErrMissingParam)
			}
			if !cmd.Flags().Changed("max-gb") {
				maxGB = a.cfg.MSXMLCacheMaxSizeGB
			}
			return a.run(cmd, func(ctx context.Context) error {
				res, err := cache.PurgeOldServerCacheFiles(ctx, dir, maxGB, cache.MSXMLPurgeOptions{})
				if err != nil {
					return err
				}
				printPurge(cmd, res)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxGB, "max-gb", 20000, "cache size threshold in GB")
	return cmd
}

func (a *app) newLocator(ctx context.Context) (*locator.Locator, error) {
	lcfg := locator.Config{
		PrimaryRoot:   a.cfg.DatasetStoragePath,
		ArchiveRoot:   a.cfg.DatasetArchivePath,
		DisableMyEMSL: a.cfg.DisableMyEMSL,
	}
	if !a.cfg.DisableMyEMSL && a.cfg.S3AccessKey != "" {
		archive, err := s3storage.NewBackend(ctx, a.s3Config(""))
		if err != nil {
			return nil, fmt.Errorf("open archive index: %w", err)
		}
		lcfg.Archive = locator.NewRemoteIndex(archive, "")
	}
	return locator.New(lcfg), nil
}

func (a *app) findDatasetCommand() *cobra.Command {
	var opts locator.Options

	cmd := &cobra.Command{
		Use:   "find-dataset <dataset>",
		Short: "Find the storage tier holding a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context) error {
				loc, err := a.newLocator(ctx)
				if err != nil {
					return err
				}
				res, err := loc.FindValidDirectory(ctx, args[0], opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !res.Found {
					fmt.Fprintf(out, "not found: %s\n", res.Message)
					return fmt.Errorf("dataset %s not found", args[0])
				}
				fmt.Fprintf(out, "%s\t%s\n", res.Tier, res.Path)
				for _, f := range res.Files {
					fmt.Fprintf(out, "  %s\t%s\n", f.Path, humanize.IBytes(uint64(f.Length)))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.FileNamePattern, "file", "", "file name or glob that must exist in the dataset directory")
	cmd.Flags().StringVar(&opts.SubdirPattern, "subdir", "", "subdirectory name or glob that must exist")
	cmd.Flags().IntVar(&opts.MaxAttempts, "attempts", 3, "existence checks per directory on I/O errors")
	cmd.Flags().BoolVar(&opts.AssumeUnpurged, "assume-unpurged", false, "return the primary path even if nothing verified")
	return cmd
}

func (a *app) stageResultsCommand() *cobra.Command {
	var job, step int
	var dataset, resultsName, transferDir, tool string
	var policy results.Policy

	cmd := &cobra.Command{
		Use:   "stage-results <work-dir>",
		Short: "Move result files into the results directory and deliver it to the transfer share",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workDir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			params := a.cfg.Params()
			params.Set(config.SectionManager, "WorkDir", workDir)
			params.Set(config.SectionJob, jobctx.ParamJob, strconv.Itoa(job))
			params.Set(config.SectionStepParams, jobctx.ParamStep, strconv.Itoa(step))
			params.Set(config.SectionJob, jobctx.ParamDataset, dataset)
			params.Set(config.SectionJob, jobctx.ParamTool, tool)
			params.Set(config.SectionJob, jobctx.ParamResultsFolderName, resultsName)
			params.Set(config.SectionJob, jobctx.ParamTransferFolderPath, transferDir)

			jc, err := jobctx.New(params, params)
			if err != nil {
				return err
			}

			return a.run(cmd, func(ctx context.Context) error {
				remote, err := a.newRemote(ctx)
				if err != nil {
					return err
				}
				defer remote.Close()
				jc.Remote = remote
				jc.Status = a.reporter

				ctx, err = jc.Begin(ctx)
				if err != nil {
					logging.WithContext(ctx).Warn("status update failed", zap.Error(err))
				}
				out, stageErr := jc.StageResults(ctx, policy)
				if err := jc.Finish(ctx, stageErr); err != nil {
					logging.WithContext(ctx).Warn("status update failed", zap.Error(err))
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%s: moved %d, copied %d (%s), skipped %d\n",
					out.State, out.Moved.Moved+out.Moved.Copied, out.Copied.Copied,
					humanize.IBytes(uint64(out.Copied.Bytes)), out.Copied.Skipped)
				if out.ArchivePath != "" {
					fmt.Fprintf(w, "results archived to %s\n", out.ArchivePath)
				}
				return stageErr
			})
		},
	}
	cmd.Flags().IntVar(&job, "job", 0, "job number")
	cmd.Flags().IntVar(&step, "step", 1, "job step")
	cmd.Flags().StringVar(&dataset, "dataset", "", "dataset name")
	cmd.Flags().StringVar(&tool, "tool", "", "analysis tool name")
	cmd.Flags().StringVar(&resultsName, "results-name", "", "results directory name (default Results_Job<job>)")
	cmd.Flags().StringVar(&transferDir, "transfer-dir", "", "transfer directory on the remote; the dataset name is appended")
	cmd.Flags().StringSliceVar(&policy.SkipExtensions, "skip-ext", nil, "file suffixes never moved to results")
	cmd.Flags().StringSliceVar(&policy.SkipNames, "skip-name", nil, "file names never moved to results")
	cmd.Flags().StringSliceVar(&policy.KeepNames, "keep", nil, "file names moved even when a suffix rule skips them")
	cmd.MarkFlagRequired("job")
	return cmd
}

func (a *app) transferConfig() transfer.Config {
	c := transfer.DefaultConfig()
	c.RetryCount = a.cfg.TransferRetryCount
	c.RetryHoldoff = a.cfg.TransferRetryHoldoff
	return c
}

func printTransfer(cmd *cobra.Command, verb string, sum transfer.Summary) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d file(s) (%s), skipped %d, failed %d\n",
		verb, sum.Copied, humanize.IBytes(uint64(sum.Bytes)), sum.Skipped, sum.Failed)
}

func (a *app) pushCommand() *cobra.Command {
	var useLock bool

	cmd := &cobra.Command{
		Use:   "push <remote-dir> <file>...",
		Short: "Copy local files to a directory on the remote host",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context) error {
				remote, err := a.newRemote(ctx)
				if err != nil {
					return err
				}
				defer remote.Close()

				sum, err := transfer.New(remote, a.transferConfig()).CopyFilesToRemote(ctx, args[1:], args[0], useLock)
				printTransfer(cmd, "pushed", sum)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&useLock, "lock", false, "serialize with other managers through a remote lock file (FASTA pushes)")
	return cmd
}

func (a *app) pullCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull <remote-dir> <local-dir> [name]...",
		Short: "Copy files from a remote directory (all of them if no names are given)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context) error {
				remote, err := a.newRemote(ctx)
				if err != nil {
					return err
				}
				defer remote.Close()

				util := transfer.New(remote, a.transferConfig())
				names := args[2:]
				if len(names) == 0 {
					listing, err := util.GetRemoteFileListing(ctx, args[0], "")
					if err != nil {
						return err
					}
					for _, f := range listing {
						if !f.IsDir {
							names = append(names, f.Name)
						}
					}
				}
				sum, err := util.CopyFilesFromRemote(ctx, names, args[0], args[1])
				printTransfer(cmd, "pulled", sum)
				return err
			})
		},
	}
	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	var pid int
	var duration time.Duration
	var disabled bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Write the manager status document, optionally sampling a tool process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context) error {
				r := a.reporter
				if disabled {
					if err := r.UpdateDisabled(ctx, status.MgrDisabledLocal, "Manager disabled locally"); err != nil {
						return err
					}
				} else if err := r.UpdateIdle(ctx, "Manager idle", "", "", true); err != nil {
					return err
				}

				if pid > 0 {
					sampler, err := status.NewSampler(r, pid, 0)
					if err != nil {
						return err
					}
					sctx, cancel := context.WithTimeout(ctx, duration)
					defer cancel()
					go sampler.Run(sctx)

					ticker := time.NewTicker(status.DefaultSampleInterval)
					defer ticker.Stop()
				loop:
					for {
						select {
						case <-sctx.Done():
							break loop
						case <-ticker.C:
							if err := r.WriteStatusFile(ctx, false); err != nil {
								logging.Warn("status write failed", zap.Error(err))
							}
							if r.AbortRequested() {
								break loop
							}
						}
					}
				}

				doc, err := status.BuildDocument(r.Snapshot(), time.Now()).Marshal()
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(append(doc, '\n'))
				return err
			})
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "process ID of a running tool to sample")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "how long to sample --pid")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "report the manager as disabled")
	return cmd
}
