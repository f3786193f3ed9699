// Command licco is the operator CLI for the device configuration service:
// project lifecycle, device imports/exports, diffs, and the approval
// workflow.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/slaclab/licco-sub000/internal/blob"
	"github.com/slaclab/licco-sub000/internal/core"
	"github.com/slaclab/licco-sub000/internal/infra/config"
)

type app struct {
	cfg *config.Config
	svc *core.Service
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	a := &app{}

	root := &cobra.Command{
		Use:           "licco",
		Short:         "Device configuration control for accelerator facilities",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := core.OpenPersistentStore(
				core.StorageDriver(cfg.Storage.Driver),
				cfg.Storage.SQLitePath,
				cfg.Storage.PostgresDSN,
			)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.svc = core.NewService(store, core.WithNotifier(core.NewRecordingNotifier()))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to licco.yaml")

	root.AddCommand(
		newProjectsCmd(a),
		newDevicesCmd(a),
		newDiffCmd(a),
		newImportCmd(a),
		newExportCmd(a),
	)
	root.AddCommand(newWorkflowCmds(a)...)
	return root
}

func (a *app) blobStore(ctx context.Context) (blob.Store, error) {
	switch blob.Driver(a.cfg.Blob.Driver) {
	case blob.DriverMemory:
		return blob.NewMemory(), nil
	case blob.DriverS3:
		return blob.NewS3(ctx, blob.S3Config{
			Bucket:    a.cfg.Blob.S3Bucket,
			Region:    a.cfg.Blob.S3Region,
			Endpoint:  a.cfg.Blob.S3Endpoint,
			PathStyle: a.cfg.Blob.S3PathStyle,
		})
	case blob.DriverFilesystem, "":
		return blob.NewFilesystem(a.cfg.Blob.Root)
	}
	return nil, fmt.Errorf("unknown blob driver %q", a.cfg.Blob.Driver)
}

func (a *app) projectByName(name string) (core.Project, error) {
	return a.svc.ProjectByName(name)
}
