package models

import (
	"time"
)

type (
	Config struct {
		// Remote
		RemoteHost        string `toml:"RemoteHost"`
		RemotePort        int    `toml:"RemotePort"`
		RemoteUser        string `toml:"RemoteUser"`
		SSHKeyPath        string `toml:"SSHKeyPath"`
		KnownHostsPath    string `toml:"KnownHostsPath"` // Empty accepts any host key (logged)
		RemoteBasePath    string `toml:"RemoteBasePath"`
		ConnectTimeoutSec int    `toml:"ConnectTimeoutSec"`

		// Paths
		DataDir        string `toml:"DataDir"`
		DatabasePath   string `toml:"DatabasePath"`
		CachePath      string `toml:"CachePath"`
		BleveIndexPath string `toml:"BleveIndexPath"`
		DisableIndex   bool   `toml:"DisableIndex"`
		HistoryLogPath string `toml:"HistoryLogPath"`

		// Cache
		CacheMaxAgeSec  int  `toml:"CacheMaxAgeSec"`
		ShowFolderSizes bool `toml:"ShowFolderSizes"` // Walk sub-directories to show their total size

		// Destinations
		DefaultDestination string         `toml:"DefaultDestination"`
		DownloadPaths      []DownloadPath `toml:"DownloadPaths"`
		CreateDestinations bool           `toml:"CreateDestinations"`
		MinFreeSpaceMB     int64          `toml:"MinFreeSpaceMB"`

		// Store
		StoreMaxRetries   int `toml:"StoreMaxRetries"`
		StoreRetryDelayMs int `toml:"StoreRetryDelayMs"`

		// Dashboard
		ListenAddr string `toml:"ListenAddr"`
	}

	// DownloadPath is a named local destination offered when downloading interactively.
	DownloadPath struct {
		Name string `toml:"Name"`
		Path string `toml:"Path"`
	}

	// RemoteItem is one child of a remote directory as reported by the transfer agent.
	RemoteItem struct {
		Name       string    `json:"name"`
		Kind       Kind      `json:"kind"`
		Size       *int64    `json:"size,omitempty"` // nil for directories
		ModifiedAt time.Time `json:"modifiedAt"`
	}

	// Entry is a remote file or directory tracked by the catalog.
	Entry struct {
		ID         int64     `json:"id,omitempty"`
		Path       string    `json:"path"` // Full normalized remote path, unique
		Dir        string    `json:"dir"`
		Name       string    `json:"name"`
		Kind       Kind      `json:"kind"`
		Size       *int64    `json:"size,omitempty"`
		ModifiedAt time.Time `json:"modifiedAt"`
		FirstSeen  time.Time `json:"firstSeen,omitempty"`
		LastSeen   time.Time `json:"lastSeen,omitempty"`
		Note       string    `json:"note,omitempty"`
	}

	// CacheEntry is a snapshot of one directory listing.
	CacheEntry struct {
		Path       string    `json:"path"`
		Entries    []Entry   `json:"entries"`
		CapturedAt time.Time `json:"capturedAt"`
		// FolderSizes maps sub-directory names to their recursive size. Nil
		// until first requested.
		FolderSizes map[string]int64 `json:"folderSizes,omitempty"`
	}

	// QueueItem is a download task for one catalog entry.
	QueueItem struct {
		ID          int64       `json:"id"`
		EntryID     int64       `json:"entryId"`
		RemotePath  string      `json:"remotePath"`
		Name        string      `json:"name"`
		Size        *int64      `json:"size,omitempty"`
		Destination string      `json:"destination,omitempty"` // Empty resolves to the default destination
		Status      QueueStatus `json:"status"`
		Note        string      `json:"note,omitempty"`
		Reason      string      `json:"reason,omitempty"`
		FinalPath   string      `json:"finalPath,omitempty"`
		QueuedAt    time.Time   `json:"queuedAt"`
		FinishedAt  *time.Time  `json:"finishedAt,omitempty"`
	}

	// SourceLink records where a remote file came from locally. Not verified.
	SourceLink struct {
		EntryID    int64  `json:"entryId"`
		SourcePath string `json:"sourcePath"`
		Note       string `json:"note,omitempty"`
	}

	// SearchOptions narrows a catalog search or listing.
	SearchOptions struct {
		Pattern string // Glob (* ? [..]) or plain substring, case-insensitive on names
		Scope   string // Remote path prefix
		Kind    Kind
		Ext     string
		Limit   int
	}

	// StoreStats summarises the persistent store.
	StoreStats struct {
		TotalEntries int64 `json:"totalEntries"`
		TotalBytes   int64 `json:"totalBytes"`
		Queued       int64 `json:"queued"`
		Completed    int64 `json:"completed"`
		Failed       int64 `json:"failed"`
	}

	// TransferJob is one unit of work for the batch executor. QueueItemID is
	// zero for ad-hoc selections that are not tracked in the queue.
	TransferJob struct {
		QueueItemID int64  `json:"queueItemId,omitempty"`
		Entry       Entry  `json:"entry"`
		Destination string `json:"destination,omitempty"`
	}

	// TransferOutcome records what happened to one job.
	TransferOutcome struct {
		Job       TransferJob `json:"job"`
		FinalPath string      `json:"finalPath,omitempty"`
		Reason    string      `json:"reason,omitempty"`
		Err       error       `json:"-"`
	}

	// BatchResult is the aggregate of one executor run.
	BatchResult struct {
		ID          string            `json:"id"`
		Succeeded   []TransferOutcome `json:"succeeded"`
		Failed      []TransferOutcome `json:"failed"`
		Interrupted bool              `json:"interrupted"`
		Pending     []TransferJob     `json:"pending,omitempty"` // Not attempted, or in flight when interrupted
		Duration    time.Duration     `json:"duration"`
	}
)

// Kind distinguishes files from directories.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// QueueStatus is the lifecycle state of a QueueItem.
type QueueStatus string

const (
	StatusQueued    QueueStatus = "queued"
	StatusCompleted QueueStatus = "completed"
	StatusFailed    QueueStatus = "failed"
)

// Valid reports whether s is a known status.
func (s QueueStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Kind == KindDirectory
}

// SizeOrZero returns the size in bytes, or zero when unknown.
func (e Entry) SizeOrZero() int64 {
	if e.Size == nil {
		return 0
	}
	return *e.Size
}
