// SPDX-License-Identifier: Apache-2.0
//
// Copyright (C) 2021 Renesas Electronics Corporation.
// Copyright (C) 2021 EPAM Systems, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aoscloud/aos_common/aoserrors"
	"github.com/spf13/cobra"
	log "github.com/sirupsen/logrus"

	"github.com/aoscloud/aos_otaclient/bootenv"
	"github.com/aoscloud/aos_otaclient/config"
	"github.com/aoscloud/aos_otaclient/database"
	"github.com/aoscloud/aos_otaclient/installer"
	"github.com/aoscloud/aos_otaclient/otadaemon"
	"github.com/aoscloud/aos_otaclient/rebooter"
	"github.com/aoscloud/aos_otaclient/statusserver"
	"github.com/aoscloud/aos_otaclient/updatesource"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const timeFormat = "2006-01-02 15:04:05"

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

// GitSummary provided by govvv at compile-time.
var GitSummary = "Unknown" //nolint:gochecknoglobals

var (
	configFile  string //nolint:gochecknoglobals
	strLogLevel string //nolint:gochecknoglobals
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

type otaClient struct {
	configFile string
	config     *config.Config
	db         *database.Database
	bootEnv    *bootenv.BootEnv
	daemon     *otadaemon.Daemon
}

/***********************************************************************************************************************
 * Init
 **********************************************************************************************************************/

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp: os.Getenv("JOURNAL_STREAM") != "",
		TimestampFormat:  "2006-01-02 15:04:05.000",
		FullTimestamp:    true,
	})
	log.SetOutput(os.Stdout)
}

/***********************************************************************************************************************
 * Main
 **********************************************************************************************************************/

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ota-client",
		Short:         "Over-the-air kernel update client",
		Version:       GitSummary,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logLevel, err := log.ParseLevel(strLogLevel)
			if err != nil {
				return aoserrors.Wrap(err)
			}

			log.SetLevel(logLevel)

			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultConfigFile, "path to config file")
	rootCmd.PersistentFlags().StringVarP(&strLogLevel, "verbose", "v", "info",
		`log level: "debug", "info", "warn", "error", "fatal", "panic"`)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "daemon",
			Short: "Run update service",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return runDaemon(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "check",
			Short: "Discover update server and check for update",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return runCheck(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "update",
			Short: "Perform update cycle",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return runUpdate(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show configuration, update history and server connectivity",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return runStatus(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "rollback",
			Short: "Restore kernel from backup",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return runRollback(cmd.Context()) },
		},
	)

	return rootCmd
}

func runDaemon(ctx context.Context) (err error) {
	log.WithFields(log.Fields{"configFile": configFile, "version": GitSummary}).Info("Start OTA client daemon")

	client, err := newClient(configFile)
	if err != nil {
		return err
	}
	defer client.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client.daemon.Control().ListenSignals(ctx)

	if client.config.StatusAddress != "" {
		server, err := statusserver.New(client.config.StatusAddress, client.daemon)
		if err != nil {
			return err
		}
		defer server.Close()
	}

	return aoserrors.Wrap(client.daemon.Run(ctx))
}

func runCheck(ctx context.Context) (err error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return aoserrors.Wrap(err)
	}

	bootEnv, err := bootenv.New(cfg.BootEnvFile)
	if err != nil {
		return aoserrors.Wrap(err)
	}

	source := updatesource.New(*cfg, &updatesource.MDNSBrowser{}, bootEnv)

	server, err := source.Discover(ctx)
	if err != nil {
		return aoserrors.Wrap(err)
	}

	fmt.Printf("Found OTA server: %s at %s\n", server.Name, server.Address)

	metadata, err := source.CheckForUpdate(ctx)
	if err != nil {
		return aoserrors.Wrap(err)
	}

	if metadata == nil {
		fmt.Println("No updates available, system is up to date")

		return nil
	}

	fmt.Println("Update available:")
	fmt.Printf("  Version:     %s\n", metadata.LatestVersion)
	fmt.Printf("  Size:        %d bytes\n", metadata.FileSize)
	fmt.Printf("  Released:    %s\n", metadata.ReleaseDate)
	fmt.Printf("  Description: %s\n", metadata.Description)

	return nil
}

func runUpdate(ctx context.Context) (err error) {
	client, err := newClient(configFile)
	if err != nil {
		return err
	}
	defer client.close()

	if err = client.daemon.PerformUpdateCycle(ctx); err != nil {
		return aoserrors.Wrap(err)
	}

	if last := client.daemon.GetStatus().LastUpdate; last != nil {
		fmt.Printf("Update cycle completed: %s (%s)\n", last.Version, last.Status)
	}

	return nil
}

func runStatus(ctx context.Context) (err error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return aoserrors.Wrap(err)
	}

	fmt.Println("=== OTA Client Status ===")
	fmt.Printf("Configuration file: %s\n", configFile)
	fmt.Printf("Check interval:     %s\n", cfg.CheckInterval.Duration)
	fmt.Printf("Download dir:       %s\n", cfg.DownloadDir)
	fmt.Printf("Kernel path:        %s\n", cfg.KernelPath)
	fmt.Printf("Backup path:        %s\n", cfg.BackupPath)
	fmt.Printf("Download timeout:   %s\n", cfg.DownloadTimeout.Duration)

	if bootEnv, err := bootenv.New(cfg.BootEnvFile); err != nil {
		log.Warnf("Can't read boot environment: %v", err)
	} else {
		info := bootEnv.Info()

		fmt.Printf("Installed kernel:   %s\n", valueOrUnknown(info.KernelVersion))
	}

	if db, err := database.New(cfg.DatabaseFile()); err != nil {
		log.Warnf("Can't open database: %v", err)
	} else {
		if lastCheck, err := db.GetLastCheck(); err == nil {
			fmt.Printf("Last check:         %s\n", lastCheck.Local().Format(timeFormat))
		}

		db.Close()
	}

	records, err := otadaemon.ReadHistory(cfg.HistoryFile())
	if err != nil {
		log.Warnf("Can't read update history: %v", err)
	}

	if len(records) == 0 {
		fmt.Println("No update history found")
	} else {
		last := records[len(records)-1]

		fmt.Printf("Update history:     %d records\n", len(records))
		fmt.Printf("Last update:        %s (%s) %s\n",
			last.Version, last.Timestamp.Local().Format(timeFormat), last.Status)
	}

	source := updatesource.New(*cfg, &updatesource.MDNSBrowser{}, nil)

	server, err := source.Discover(ctx)
	if err != nil {
		fmt.Printf("Server not reachable: %v\n", err)

		return nil
	}

	fmt.Printf("Server reachable:   %s at %s\n", server.Name, server.Address)

	return nil
}

func runRollback(ctx context.Context) (err error) {
	client, err := newClient(configFile)
	if err != nil {
		return err
	}
	defer client.close()

	if err = client.daemon.ManualRollback(ctx); err != nil {
		return aoserrors.Wrap(err)
	}

	fmt.Println("Rollback completed, reboot may be required to activate the previous kernel")

	return nil
}

func newClient(configFile string) (client *otaClient, err error) {
	client = &otaClient{configFile: configFile}

	defer func() {
		if err != nil {
			client.close()
		}
	}()

	if client.config, err = config.Load(configFile); err != nil {
		return client, aoserrors.Wrap(err)
	}

	if client.db, err = openDatabase(client.config.DatabaseFile()); err != nil {
		return client, err
	}

	if client.bootEnv, err = bootenv.New(client.config.BootEnvFile); err != nil {
		return client, aoserrors.Wrap(err)
	}

	client.daemon = otadaemon.New(configFile, *client.config, &otadaemon.Components{
		Browser:         &updatesource.MDNSBrowser{},
		VersionProvider: client.bootEnv,
		SystemChecker:   installer.NewHostChecker(),
	}, client.db, client.bootEnv, &rebooter.SystemdRebooter{}, otadaemon.NewControl())

	return client, nil
}

func (client *otaClient) close() {
	if client == nil {
		return
	}

	if client.daemon != nil {
		client.daemon.Close()
	}

	if client.db != nil {
		client.db.Close()
	}
}

func openDatabase(dbFile string) (db *database.Database, err error) {
	db, err = database.New(dbFile)
	if err != nil {
		if !errors.Is(err, database.ErrVersionMismatch) {
			return nil, aoserrors.Wrap(err)
		}

		log.Warning("Unsupported database version")

		log.WithField("file", dbFile).Debug("Delete DB file")

		if err = os.RemoveAll(dbFile); err != nil {
			return nil, aoserrors.Wrap(err)
		}

		if db, err = database.New(dbFile); err != nil {
			return nil, aoserrors.Wrap(err)
		}
	}

	return db, nil
}

func valueOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}

	return value
}
