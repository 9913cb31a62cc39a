package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cwygoda/sepq/internal/config"
	"github.com/cwygoda/sepq/internal/domain"
	"github.com/cwygoda/sepq/internal/worker"
)

// enqueueFlags are shared by enqueue and separate.
type enqueueFlags struct {
	input      string
	url        string
	remoteType string
	outputDir  string
	algorithms []int
	options    []string
	format     string
}

func (f *enqueueFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.input, "input", "i", "", "local audio file to upload, or a directory of them")
	fl.StringVar(&f.url, "url", "", "remote audio URL instead of a local file")
	fl.StringVar(&f.remoteType, "remote-type", "", "remote URL type passed through to the service")
	fl.StringVarP(&f.outputDir, "out", "o", "", "directory for the separated stems (default from config)")
	fl.IntSliceVarP(&f.algorithms, "algorithm", "a", nil, "algorithm ID, repeat for one job per algorithm (default from config)")
	fl.StringArrayVar(&f.options, "opt", nil, "algorithm option value, repeat for add_opt1..3")
	fl.StringVarP(&f.format, "format", "f", "", "output format: mp3, wav or flac (default from config)")
}

// audioExtensions are the files picked up when --input names a directory.
var audioExtensions = map[string]bool{".mp3": true, ".wav": true, ".flac": true}

// requests expands the flags into one request per input file and
// algorithm. Every request is validated before any is returned.
func (f *enqueueFlags) requests(cfg *config.Config) ([]domain.EnqueueRequest, error) {
	base := domain.EnqueueRequest{
		SourceURL:    f.url,
		RemoteType:   f.remoteType,
		OutputDir:    f.outputDir,
		OutputFormat: cfg.Defaults.OutputFormat,
	}
	if base.OutputDir == "" {
		base.OutputDir = cfg.Defaults.OutputDir
	}
	base.OutputDir = config.ExpandPath(base.OutputDir)
	if len(f.options) > len(base.Options) {
		return nil, fmt.Errorf("at most %d --opt values, got %d", len(base.Options), len(f.options))
	}
	copy(base.Options[:], f.options)
	if f.format != "" {
		format, err := parseFormat(f.format)
		if err != nil {
			return nil, err
		}
		base.OutputFormat = format
	}

	inputs := []string{""}
	var note string
	if f.input != "" {
		abs, err := filepath.Abs(config.ExpandPath(f.input))
		if err != nil {
			return nil, err
		}
		inputs = []string{abs}
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			if inputs, err = audioFiles(abs); err != nil {
				return nil, err
			}
			note = "added from directory " + abs
		}
	}

	algorithms := f.algorithms
	if len(algorithms) == 0 {
		algorithms = []int{cfg.Defaults.AlgorithmID}
	}
	if note == "" && len(algorithms) > 1 {
		note = fmt.Sprintf("added from batch of %d algorithms", len(algorithms))
	}

	reqs := make([]domain.EnqueueRequest, 0, len(inputs)*len(algorithms))
	for _, input := range inputs {
		for _, alg := range algorithms {
			req := base
			req.InputPath = input
			req.AlgorithmID = alg
			req.Note = note
			if err := req.Validate(); err != nil {
				return nil, err
			}
			reqs = append(reqs, req)
		}
	}
	return reqs, nil
}

// audioFiles lists the audio files directly inside dir, sorted by name.
func audioFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !audioExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .mp3, .wav or .flac files in %s", dir)
	}
	return files, nil
}

func parseFormat(s string) (int, error) {
	switch strings.ToLower(s) {
	case "mp3", "0":
		return domain.FormatMP3, nil
	case "wav", "1":
		return domain.FormatWAV, nil
	case "flac", "2":
		return domain.FormatFLAC, nil
	}
	return 0, &domain.ValidationError{
		Kind:  domain.InvalidField,
		Field: "format",
		Err:   fmt.Errorf("%w: %q", domain.ErrInvalidOutputFormat, s),
	}
}

func (a *app) enqueueCmd() *cobra.Command {
	var f enqueueFlags
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add jobs for the serve worker to process",
		Long: "Add jobs for the serve worker to process. When --input is a directory,\n" +
			"every .mp3, .wav and .flac file in it is queued. Each repeated --algorithm\n" +
			"adds one job per input.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := f.requests(a.cfg)
			if err != nil {
				return err
			}
			repo, svc, err := a.openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			out := cmd.OutOrStdout()
			for _, req := range reqs {
				job, err := svc.Enqueue(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "job %d enqueued: %s with algorithm %d\n", job.ID, filepath.Base(job.Source()), job.AlgorithmID)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) separateCmd() *cobra.Command {
	var f enqueueFlags
	cmd := &cobra.Command{
		Use:   "separate",
		Short: "Enqueue a job and drive it to completion in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := f.requests(a.cfg)
			if err != nil {
				return err
			}
			if len(reqs) != 1 {
				return fmt.Errorf("separate runs one job, got %d; use enqueue for batches", len(reqs))
			}
			req := reqs[0]
			repo, svc, err := a.openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			job, err := svc.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "job %d enqueued, waiting\n", job.ID)

			w := a.newWorker(svc, a.newClient())
			job, err = w.RunUntilDone(cmd.Context(), job.ID, a.cfg.Worker.WaitAttempts, a.cfg.Worker.WaitInterval)
			if errors.Is(err, worker.ErrWaitTimeout) {
				return fmt.Errorf("job %d still %s, check later with `sepq status %d`", job.ID, job.State, job.ID)
			}
			if err != nil {
				return err
			}

			printJob(out, job)
			if job.State == domain.StateFailed {
				return fmt.Errorf("job %d failed: %s", job.ID, job.Error)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, svc, err := a.openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			jobs, err := svc.List(cmd.Context())
			if err != nil {
				return err
			}

			table := newTable(cmd.OutOrStdout(), "ID", "State", "Algorithm", "Source", "Remote hash", "Updated")
			for _, j := range jobs {
				table.Append([]string{
					strconv.FormatInt(j.ID, 10),
					string(j.State),
					strconv.Itoa(j.AlgorithmID),
					filepath.Base(j.Source()),
					j.RemoteHash,
					j.UpdatedAt.Local().Format(time.DateTime),
				})
			}
			table.Render()
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			repo, svc, err := a.openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			job, err := svc.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func (a *app) logCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <job-id>",
		Short: "Show the log of one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			repo, svc, err := a.openStore()
			if err != nil {
				return err
			}
			defer repo.Close()

			entries, err := svc.TailLog(cmd.Context(), id)
			if err != nil {
				return err
			}

			table := newTable(cmd.OutOrStdout(), "Time", "Action", "Comment")
			for _, e := range entries {
				table.Append([]string{e.Timestamp.Local().Format(time.DateTime), e.Action, e.Comment})
			}
			table.Render()
			return nil
		},
	}
}

func (a *app) algorithmsCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "algorithms",
		Short: "List the separation algorithms offered by the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := a.newCatalog(a.newClient()).Get(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			table := newTable(out, "ID", "Name", "Group", "Options")
			for _, alg := range cat.Algorithms {
				var fields []string
				for i, f := range alg.Fields {
					fields = append(fields, fmt.Sprintf("--opt%d %s (%d)", i+1, f.Text, len(f.Choices)))
				}
				table.Append([]string{strconv.Itoa(alg.ID), alg.Name, strconv.Itoa(alg.GroupID), strings.Join(fields, "; ")})
			}
			table.Render()

			if verbose {
				for _, alg := range cat.Algorithms {
					printOptions(out, alg)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "also list every option value")
	return cmd
}

func printOptions(w io.Writer, alg domain.Algorithm) {
	if len(alg.Fields) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%d %s\n", alg.ID, alg.Name)
	for i, f := range alg.Fields {
		fmt.Fprintf(w, "  add_opt%d %s\n", i+1, f.Text)
		for _, c := range f.Choices {
			fmt.Fprintf(w, "    %s: %s\n", c.Key, c.Label)
		}
	}
}

func printJob(w io.Writer, job *domain.Job) {
	fmt.Fprintf(w, "job %d: %s\n", job.ID, job.State)
	fmt.Fprintf(w, "  source:    %s\n", job.Source())
	fmt.Fprintf(w, "  algorithm: %d %v\n", job.AlgorithmID, job.Options)
	fmt.Fprintf(w, "  output:    %s\n", job.OutputDir)
	if job.RemoteHash != "" {
		fmt.Fprintf(w, "  hash:      %s\n", job.RemoteHash)
	}
	for _, f := range job.Files {
		fmt.Fprintf(w, "  file:      %s\n", f.Filename)
	}
	if job.Error != "" {
		fmt.Fprintf(w, "  error:     %s\n", job.Error)
	}
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	return table
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job ID %q", s)
	}
	return id, nil
}
