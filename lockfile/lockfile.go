// Package lockfile guards an app data dir against concurrent use by a
// second process.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// LockFile is a held exclusive lock. The lock is released by Close or by
// process death.
type LockFile struct {
	f *lockedfile.File
}

// Close releases the lock.
func (lf *LockFile) Close() error {
	if lf.f == nil {
		return fmt.Errorf("nil internal locked file")
	}
	return lf.f.Close()
}

// Create takes an exclusive lock on filePath, blocking while another
// process holds it until the context is canceled. The owner's pid, host
// and process name are written into the file to ease debugging stale
// locks; write errors there are ignored.
func Create(ctx context.Context, filePath string) (*LockFile, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o0700); err != nil {
		return nil, err
	}

	// lockedfile.Create blocks with no context support, so wait for it
	// on a goroutine.
	cf := make(chan *lockedfile.File)
	cerr := make(chan error)
	go func() {
		f, err := lockedfile.Create(filePath)
		if err != nil {
			cerr <- err
		} else {
			cf <- f
		}
	}()

	select {
	case f := <-cf:
		host, _ := os.Hostname()
		procName := ""
		if len(os.Args) > 0 {
			procName = filepath.Base(os.Args[0])
		}
		fmt.Fprintf(f, "PID=%d\nHost=%q\nProcess=%q\n",
			os.Getpid(), host, procName)
		return &LockFile{f: f}, nil

	case err := <-cerr:
		return nil, err

	case <-ctx.Done():
		// The blocked create may still (eventually) acquire the lock,
		// so make sure it gets released if it ever does.
		go func() {
			select {
			case <-cerr:
			case f := <-cf:
				f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
