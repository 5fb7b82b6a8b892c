package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loykin/craftd"
)

// withFleet loads the config, assembles a fleet around it, runs fn and
// tears the fleet down again. Offline commands share the daemon's data
// directory, catalog and journal, so they must not race a running serve:
// the ops listener and the backup schedule are disabled for the duration.
func withFleet(configPath string, fn func(*craftd.Fleet) error) error {
	if configPath == "" {
		return fmt.Errorf("config file required. Use --config=config.toml")
	}

	cfg, err := craftd.LoadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Metrics.Addr = ""
	cfg.Backup.Schedule = ""

	f, err := craftd.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return fn(f)
}

// runServers prints the status of every configured server. Without a
// running daemon the states report stopped; the listing still shows the
// ids, directories and launch types the config resolves to.
func runServers(flags ServersFlags) error {
	return withFleet(flags.ConfigPath, func(f *craftd.Fleet) error {
		printJSON(f.List())
		return nil
	})
}

// runBackupCreate starts a backup and waits for the engine to report the
// outcome on the event bus.
func runBackupCreate(flags BackupCreateFlags) error {
	if flags.Wait <= 0 {
		flags.Wait = 10 * time.Minute
	}

	return withFleet(flags.ConfigPath, func(f *craftd.Fleet) error {
		// Subscribe before submitting so the completion event cannot slip
		// past between the create call and the first Next.
		sub := f.Subscribe(
			craftd.WithServer(flags.Server),
			craftd.WithKinds(craftd.KindBackupCompleted, craftd.KindBackupFailed),
			craftd.WithBuffer(16),
		)
		defer sub.Unsubscribe()

		var (
			id  string
			err error
		)
		if flags.Snapshot {
			id, err = f.CreateSnapshot(flags.Server, flags.Comment)
		} else {
			id, err = f.CreateBackup(flags.Server, flags.Comment)
		}
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), flags.Wait)
		defer cancel()
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				return fmt.Errorf("backup %s did not finish within %v: %w", id, flags.Wait, err)
			}
			switch p := ev.Payload.(type) {
			case craftd.BackupCompletedPayload:
				if p.BackupID != id {
					continue
				}
				fmt.Printf("Backup %s completed (%d files, %d bytes)\n", id, p.Files, p.TotalBytes)
				return nil
			case craftd.BackupFailedPayload:
				if p.BackupID != id {
					continue
				}
				return fmt.Errorf("backup %s failed: %s", id, p.Error)
			}
		}
	})
}

// runBackupList prints catalog entries, newest first. An empty --server
// lists every server's backups.
func runBackupList(flags BackupListFlags) error {
	return withFleet(flags.ConfigPath, func(f *craftd.Fleet) error {
		infos, err := f.Backups(context.Background(), flags.Server)
		if err != nil {
			return err
		}
		printJSON(infos)
		return nil
	})
}

func runBackupRestore(flags BackupIDFlags) error {
	return withFleet(flags.ConfigPath, func(f *craftd.Fleet) error {
		if err := f.RestoreBackup(context.Background(), flags.ID); err != nil {
			return err
		}
		fmt.Printf("Restored backup %s\n", flags.ID)
		return nil
	})
}

func runBackupDelete(flags BackupIDFlags) error {
	return withFleet(flags.ConfigPath, func(f *craftd.Fleet) error {
		if err := f.DeleteBackup(context.Background(), flags.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted backup %s\n", flags.ID)
		return nil
	})
}

func runBackupVerify(flags BackupIDFlags) error {
	return withFleet(flags.ConfigPath, func(f *craftd.Fleet) error {
		problems, err := f.VerifyBackup(context.Background(), flags.ID)
		if err != nil {
			return err
		}
		if len(problems) > 0 {
			printJSON(problems)
			return fmt.Errorf("backup %s failed verification: %d problem(s)", flags.ID, len(problems))
		}
		fmt.Printf("Backup %s verified\n", flags.ID)
		return nil
	})
}

// runBackupPrune applies the retention policy. Without --server every
// server is pruned.
func runBackupPrune(flags BackupPruneFlags) error {
	return withFleet(flags.ConfigPath, func(f *craftd.Fleet) error {
		var (
			removed int
			err     error
		)
		if flags.Server == "" {
			removed, err = f.PruneAllBackups(context.Background())
		} else {
			removed, err = f.PruneBackups(context.Background(), flags.Server)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d backup(s)\n", removed)
		return nil
	})
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
