package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwygoda/sepq/internal/adapter/download"
	"github.com/cwygoda/sepq/internal/adapter/mvsep"
	"github.com/cwygoda/sepq/internal/adapter/sqlite"
	"github.com/cwygoda/sepq/internal/adapter/transport"
	"github.com/cwygoda/sepq/internal/catalog"
	"github.com/cwygoda/sepq/internal/config"
	"github.com/cwygoda/sepq/internal/domain"
	"github.com/cwygoda/sepq/internal/worker"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// app holds what every subcommand is wired from.
type app struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "sepq",
		Short:         "Queue audio separation jobs on MVSEP and collect the stems",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default "+config.DefaultConfigPath()+")")

	root.AddCommand(
		a.serveCmd(),
		a.enqueueCmd(),
		a.separateCmd(),
		a.jobsCmd(),
		a.statusCmd(),
		a.logCmd(),
		a.algorithmsCmd(),
	)
	return root
}

func (a *app) openStore() (*sqlite.Repository, *domain.JobService, error) {
	repo, err := sqlite.New(a.cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return repo, domain.NewJobService(repo), nil
}

func (a *app) newClient() *mvsep.Client {
	sc := a.cfg.Service
	t := transport.New(transport.Config{
		ConnectTimeout: sc.ConnectTimeout,
		ReadTimeout:    sc.ReadTimeout,
		MaxRetries:     sc.MaxRetries,
		RetryInterval:  sc.RetryInterval,
		JitterFraction: sc.Jitter,
		UserAgent:      sc.UserAgent,
	})
	if sc.APIToken == "" {
		log.Printf("warning: no API token configured, set SEPQ_API_TOKEN or service.api_token")
	}
	return mvsep.New(t, mvsep.Config{
		BaseURL:  sc.BaseURL,
		APIToken: sc.APIToken,
		Mirror:   sc.Mirror,
		Demo:     sc.Demo,
	})
}

func (a *app) newWorker(svc *domain.JobService, client *mvsep.Client) *worker.Worker {
	dl := download.New(&http.Client{Timeout: a.cfg.Service.ReadTimeout})
	return worker.New(svc, client, dl, a.cfg.Worker.PollInterval, worker.WithLease(a.cfg.Worker.Lease))
}

func (a *app) newCatalog(client *mvsep.Client) *catalog.Cache {
	return catalog.New(client.ListAlgorithms)
}
