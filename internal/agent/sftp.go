package agent

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go-remote-download/internal/helpers"
	"go-remote-download/internal/models"

	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DialConfig holds what is needed to open an SFTP session.
type DialConfig struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	KnownHostsPath string // Empty accepts any host key
	Timeout        time.Duration
}

// DialConfigFrom extracts the remote settings from the application config.
func DialConfigFrom(cfg models.Config) DialConfig {
	return DialConfig{
		Host:           cfg.RemoteHost,
		Port:           cfg.RemotePort,
		User:           cfg.RemoteUser,
		KeyPath:        cfg.SSHKeyPath,
		KnownHostsPath: cfg.KnownHostsPath,
		Timeout:        time.Duration(cfg.ConnectTimeoutSec) * time.Second,
	}
}

// SFTPAgent is an Agent backed by one SSH connection and SFTP subsystem.
type SFTPAgent struct {
	mu     sync.Mutex
	ssh    *ssh.Client
	client *sftp.Client

	// Progress, if set, is called as bytes arrive during Copy.
	Progress ProgressFunc
}

// Dial connects and authenticates with the private key at KeyPath.
func Dial(ctx context.Context, dc DialConfig) (*SFTPAgent, error) {
	key, err := os.ReadFile(dc.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading SSH key %s: %w", dc.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing SSH key %s: %w", dc.KeyPath, err)
	}

	hostKeyCallback, err := hostKeyCallback(dc.KnownHostsPath)
	if err != nil {
		return nil, err
	}

	clientConfig := &ssh.ClientConfig{
		User:            dc.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         dc.Timeout,
	}

	addr := net.JoinHostPort(dc.Host, strconv.Itoa(dc.Port))
	dialer := net.Dialer{Timeout: dc.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient,
		sftp.UseConcurrentReads(true),
		sftp.MaxConcurrentRequestsPerFile(64),
	)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("starting SFTP session on %s: %w", addr, err)
	}

	log.WithFields(log.Fields{"host": dc.Host, "user": dc.User}).Info("Connected to remote host")
	return &SFTPAgent{ssh: sshClient, client: sftpClient}, nil
}

func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		log.Warn("KnownHostsPath not set, accepting any host key")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts %s: %w", knownHostsPath, err)
	}
	return cb, nil
}

func (a *SFTPAgent) sftpClient() (*sftp.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, ErrNotConnected
	}
	return a.client, nil
}

// List implements Agent. Entries come back newest first.
func (a *SFTPAgent) List(ctx context.Context, remotePath string) ([]models.RemoteItem, error) {
	client, err := a.sftpClient()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	remotePath = helpers.NormalizeRemotePath(remotePath)
	infos, err := client.ReadDir(remotePath)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", remotePath, err)
	}
	return itemsFromFileInfo(infos), nil
}

// itemsFromFileInfo keeps directories and regular files, newest first.
func itemsFromFileInfo(infos []os.FileInfo) []models.RemoteItem {
	items := make([]models.RemoteItem, 0, len(infos))
	for _, fi := range infos {
		name := fi.Name()
		if name == "." || name == ".." {
			continue
		}
		item := models.RemoteItem{Name: name, ModifiedAt: fi.ModTime()}
		switch {
		case fi.IsDir():
			item.Kind = models.KindDirectory
		case fi.Mode().IsRegular():
			item.Kind = models.KindFile
			size := fi.Size()
			item.Size = &size
		default:
			continue
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].ModifiedAt.Equal(items[j].ModifiedAt) {
			return items[i].ModifiedAt.After(items[j].ModifiedAt)
		}
		return items[i].Name < items[j].Name
	})
	return items
}

// Copy implements Agent. The file is written to a temporary name in localDir
// and renamed once complete; a failed or cancelled copy leaves nothing behind.
func (a *SFTPAgent) Copy(ctx context.Context, remotePath, localDir string) (string, error) {
	client, err := a.sftpClient()
	if err != nil {
		return "", err
	}
	remotePath = helpers.NormalizeRemotePath(remotePath)

	info, err := client.Stat(remotePath)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", remotePath, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotAFile, remotePath)
	}

	src, err := client.Open(remotePath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", remotePath, err)
	}
	defer src.Close()

	name := path.Base(remotePath)
	finalPath := filepath.Join(localDir, name)
	return finalPath, a.writeAtomically(ctx, src, remotePath, finalPath, info.Size(), info.ModTime())
}

func (a *SFTPAgent) writeAtomically(ctx context.Context, src io.WriterTo, remotePath, finalPath string, total int64, modTime time.Time) error {
	tempFile, err := os.CreateTemp(filepath.Dir(finalPath), filepath.Base(finalPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", finalPath, err)
	}
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			tempFile.Close()
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove temporary file %s", tempFile.Name())
			}
		}
	}()

	counter := &helpers.CounterWriter{Writer: &ctxWriter{ctx: ctx, w: tempFile}}
	if a.Progress != nil {
		counter.OnWrite = func(written uint64) { a.Progress(remotePath, int64(written), total) }
	}

	log.Debugf("Downloading %s to %s (%s)", remotePath, tempFile.Name(), helpers.BytesToSize(uint64(total)))
	if _, err := src.WriteTo(counter); err != nil {
		return fmt.Errorf("downloading %s: %w", remotePath, err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing temporary file %s: %w", tempFile.Name(), err)
	}
	if err := os.Rename(tempFile.Name(), finalPath); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tempFile.Name(), finalPath, err)
	}
	shouldCleanupTemp = false

	if !modTime.IsZero() {
		if err := os.Chtimes(finalPath, modTime, modTime); err != nil {
			log.WithError(err).Debugf("Could not set modification time on %s", finalPath)
		}
	}
	return nil
}

// Close ends the SFTP session and the SSH connection.
func (a *SFTPAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}
	errSFTP := a.client.Close()
	errSSH := a.ssh.Close()
	a.client, a.ssh = nil, nil
	if errSFTP != nil {
		return errSFTP
	}
	return errSSH
}

// ctxWriter stops a transfer at the next write once ctx is done.
type ctxWriter struct {
	ctx context.Context
	w   io.Writer
}

func (cw *ctxWriter) Write(p []byte) (int, error) {
	if err := cw.ctx.Err(); err != nil {
		return 0, err
	}
	return cw.w.Write(p)
}
