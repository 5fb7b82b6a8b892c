package backup

import (
	"errors"

	"github.com/loykin/craftd/internal/backup/content"
	"github.com/loykin/craftd/internal/backup/manifest"
)

var (
	// ErrBackupInProgress rejects an operation while another backup or
	// restore is running for the same server.
	ErrBackupInProgress = errors.New("backup already in progress")
	// ErrServerRunning rejects a restore while the target process may be
	// writing to its directory.
	ErrServerRunning = errors.New("server is running")
	// ErrUnknownBackup reports a backup ID the catalog does not hold.
	ErrUnknownBackup = errors.New("unknown backup")
	// ErrRestoreFailed reports a restore that touched the tree and could
	// not finish. The quarantined pre-restore tree is kept.
	ErrRestoreFailed = errors.New("restore failed")
	// ErrClosed rejects operations after Close.
	ErrClosed = errors.New("backup engine closed")

	// ErrManifestCorrupt and ErrContentMissing re-export the subpackage
	// sentinels so callers match them without extra imports.
	ErrManifestCorrupt = manifest.ErrCorrupt
	ErrContentMissing  = content.ErrMissing
)
