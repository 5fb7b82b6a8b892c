package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/craftd"
	"github.com/spf13/cobra"
)

// version is stamped by the release workflow via -ldflags.
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command and attaches every subcommand
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createServersCommand(globalFlags),
		createBackupCommand(globalFlags),
		createVersionCommand(),
	)

	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "craftd",
		Short: "Minecraft server fleet manager",
		Long: `Craftd supervises a fleet of Minecraft Java edition servers on a
single host: process lifecycle, console capture, sandboxed file
operations and deduplicated backups.

Examples:
  craftd serve --config=config.toml        # Run the fleet daemon
  craftd servers --config=config.toml      # Show configured servers
  craftd backup create --server=lobby --config=config.toml
  craftd backup list --config=config.toml`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")

	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the craftd daemon",
		Long: `Run the fleet daemon. Servers from the config are registered and
supervised until a SIGINT or SIGTERM arrives, then stopped gracefully.

Examples:
  craftd serve --config=config.toml
  craftd serve config.toml                 # Config as positional argument
  craftd serve --config=config.toml --grace=10m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(serveFlags, args)
		},
	}

	cmd.Flags().DurationVar(&serveFlags.Grace, "grace", 5*time.Minute, "how long to wait for servers to stop on shutdown")

	return cmd
}

func runServe(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=config.toml or provide as argument")
	}

	cfg, err := craftd.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if err := craftd.RegisterMetricsDefault(); err != nil {
		fmt.Printf("Warning: failed to register metrics: %v\n", err)
	}

	f, err := craftd.New(cfg)
	if err != nil {
		return err
	}

	fmt.Printf("Managing %d server(s) under %s\n", len(cfg.Servers), cfg.DataDir)
	if cfg.Metrics.Addr != "" {
		fmt.Printf("Ops endpoints listening on %s\n", cfg.Metrics.Addr)
	}
	if cfg.Backup.Schedule != "" {
		fmt.Printf("Backup schedule: %s\n", cfg.Backup.Schedule)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), flags.Grace)
	defer cancel()
	return f.Shutdown(ctx)
}

// createServersCommand creates the servers subcommand
func createServersCommand(globalFlags *GlobalFlags) *cobra.Command {
	serversFlags := &ServersFlags{}

	return &cobra.Command{
		Use:   "servers",
		Short: "List configured servers",
		Long: `List every server the config defines, with the directory, launch
type and state each one resolves to.

Examples:
  craftd servers --config=config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serversFlags.ConfigPath = globalFlags.ConfigPath
			return runServers(*serversFlags)
		},
	}
}

// createBackupCommand creates the backup command with subcommands
func createBackupCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Backup management commands",
		Long: `Create, list, restore, verify and prune server backups.

Examples:
  craftd backup create --server=lobby --comment="pre-update"
  craftd backup list --server=lobby
  craftd backup restore --id=<backup-id>
  craftd backup prune`,
	}

	cmd.AddCommand(
		createBackupCreateCommand(globalFlags),
		createBackupListCommand(globalFlags),
		createBackupRestoreCommand(globalFlags),
		createBackupDeleteCommand(globalFlags),
		createBackupVerifyCommand(globalFlags),
		createBackupPruneCommand(globalFlags),
	)

	return cmd
}

// createBackupCreateCommand creates the backup create subcommand
func createBackupCreateCommand(globalFlags *GlobalFlags) *cobra.Command {
	createFlags := &BackupCreateFlags{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a backup of a server",
		Long: `Create a full backup of a server's directory. With --snapshot files
whose content the store already holds are recorded without storing
their bytes again, so unchanged worlds cost almost nothing.

Examples:
  craftd backup create --server=lobby
  craftd backup create --server=lobby --comment="before 1.21"
  craftd backup create --server=lobby --snapshot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			createFlags.ConfigPath = globalFlags.ConfigPath
			return runBackupCreate(*createFlags)
		},
	}

	cmd.Flags().StringVar(&createFlags.Server, "server", "", "server id (required)")
	cmd.Flags().StringVar(&createFlags.Comment, "comment", "", "comment stored with the backup")
	cmd.Flags().BoolVar(&createFlags.Snapshot, "snapshot", false, "capture only world data from a running server")
	cmd.Flags().DurationVar(&createFlags.Wait, "wait", 10*time.Minute, "how long to wait for the backup to finish")

	if err := cmd.MarkFlagRequired("server"); err != nil {
		panic(err)
	}

	return cmd
}

// createBackupListCommand creates the backup list subcommand
func createBackupListCommand(globalFlags *GlobalFlags) *cobra.Command {
	listFlags := &BackupListFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backups in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			listFlags.ConfigPath = globalFlags.ConfigPath
			return runBackupList(*listFlags)
		},
	}

	cmd.Flags().StringVar(&listFlags.Server, "server", "", "only list backups of this server")

	return cmd
}

// createBackupRestoreCommand creates the backup restore subcommand
func createBackupRestoreCommand(globalFlags *GlobalFlags) *cobra.Command {
	restoreFlags := &BackupIDFlags{}

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a server from a backup",
		Long: `Restore a server's directory from a backup. The server must be
stopped. The current directory contents are moved to the trash
directory before the backup is written back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			restoreFlags.ConfigPath = globalFlags.ConfigPath
			return runBackupRestore(*restoreFlags)
		},
	}

	cmd.Flags().StringVar(&restoreFlags.ID, "id", "", "backup id (required)")

	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}

	return cmd
}

// createBackupDeleteCommand creates the backup delete subcommand
func createBackupDeleteCommand(globalFlags *GlobalFlags) *cobra.Command {
	deleteFlags := &BackupIDFlags{}

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a backup from the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			deleteFlags.ConfigPath = globalFlags.ConfigPath
			return runBackupDelete(*deleteFlags)
		},
	}

	cmd.Flags().StringVar(&deleteFlags.ID, "id", "", "backup id (required)")

	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}

	return cmd
}

// createBackupVerifyCommand creates the backup verify subcommand
func createBackupVerifyCommand(globalFlags *GlobalFlags) *cobra.Command {
	verifyFlags := &BackupIDFlags{}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a backup's objects against its manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			verifyFlags.ConfigPath = globalFlags.ConfigPath
			return runBackupVerify(*verifyFlags)
		},
	}

	cmd.Flags().StringVar(&verifyFlags.ID, "id", "", "backup id (required)")

	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}

	return cmd
}

// createBackupPruneCommand creates the backup prune subcommand
func createBackupPruneCommand(globalFlags *GlobalFlags) *cobra.Command {
	pruneFlags := &BackupPruneFlags{}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy to stored backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			pruneFlags.ConfigPath = globalFlags.ConfigPath
			return runBackupPrune(*pruneFlags)
		},
	}

	cmd.Flags().StringVar(&pruneFlags.Server, "server", "", "only prune backups of this server")

	return cmd
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the craftd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("craftd " + version)
		},
	}
}
