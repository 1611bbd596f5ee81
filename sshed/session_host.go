package sshed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

// host side of a session: owns the authoritative file, sends the initial
// content, then applies full or differential updates until the peer closes
// the stream.
//
// states: Idle -> Connected -> AwaitingUpdate (self-loop on each applied
// update) -> Closed.

type HostSessionSettings struct {
	// mode for the target file if it cannot be statted before the session
	FileMode os.FileMode
}

func DefaultHostSessionSettings() *HostSessionSettings {
	return &HostSessionSettings{
		FileMode: 0644,
	}
}

type HostSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId ulid.ULID
	conn      io.ReadWriteCloser
	path      string

	// the last content both sides are known to agree on. every differential
	// update is applied against this, never against the original file.
	baseContent []byte

	settings *HostSessionSettings
}

func NewHostSessionWithDefaults(ctx context.Context, conn io.ReadWriteCloser, path string) *HostSession {
	return NewHostSession(ctx, conn, path, DefaultHostSessionSettings())
}

func NewHostSession(ctx context.Context, conn io.ReadWriteCloser, path string, settings *HostSessionSettings) *HostSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &HostSession{
		ctx:       cancelCtx,
		cancel:    cancel,
		sessionId: ulid.Make(),
		conn:      conn,
		path:      path,
		settings:  settings,
	}
}

func (self *HostSession) SessionId() ulid.ULID {
	return self.sessionId
}

// Run sends the initial frame and applies updates until the peer closes the
// stream. A malformed frame aborts the session; a rejected differential
// update does not.
func (self *HostSession) Run() error {
	defer self.cancel()
	defer self.conn.Close()

	content, err := os.ReadFile(self.path)
	if err != nil {
		return err
	}
	fileMode := self.settings.FileMode
	if info, err := os.Stat(self.path); err == nil {
		fileMode = info.Mode().Perm()
	}

	initial := NewFrame().
		Set(HeaderVersion, ProtocolVersion).
		Set(HeaderFilename, filepath.Base(self.path)).
		SetInt(HeaderFilesize, len(content))
	initial.Body = content
	if err := WriteFrame(self.conn, initial); err != nil {
		return err
	}
	self.baseContent = content
	glog.V(1).Infof("[h]%s sent %s (%d bytes)\n", self.sessionId, self.path, len(content))

	reader := NewFrameReader(self.conn)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if err == io.EOF {
				// clean disconnect at a frame boundary
				glog.V(1).Infof("[h]%s peer closed\n", self.sessionId)
				return nil
			}
			if errors.Is(err, ErrIncompleteFrame) {
				// partial frame is discarded entirely, never written
				glog.Infof("[h]%s stream closed mid-frame, discarding partial update\n", self.sessionId)
				return nil
			}
			return err
		}
		if err := self.applyUpdate(frame); err != nil {
			if errors.Is(err, ErrDiffApplication) || errors.Is(err, ErrChecksumMismatch) {
				// rejected update: keep the prior baseline and keep the
				// session alive awaiting the next update
				glog.Infof("[h]%s update rejected = %s\n", self.sessionId, err)
				continue
			}
			return err
		}
		if err := writeFileDurable(self.path, self.baseContent, fileMode); err != nil {
			return err
		}
		glog.V(1).Infof("[h]%s applied update (%d bytes)\n", self.sessionId, len(self.baseContent))
	}
}

func (self *HostSession) applyUpdate(frame *Frame) error {
	filesize, err := frame.Int(HeaderFilesize)
	if err != nil {
		return err
	}

	if !frame.Bool(HeaderDifferential) {
		// full content update. Size and Filesize must agree since the file
		// itself is the body.
		if len(frame.Body) != filesize {
			return fmt.Errorf("full update body is %d bytes but Filesize says %d: %w", len(frame.Body), filesize, ErrProtocol)
		}
		self.baseContent = frame.Body
		return nil
	}

	checksum, ok := frame.Get(HeaderChecksum)
	if !ok {
		return fmt.Errorf("differential update missing Checksum header: %w", ErrProtocol)
	}
	next, err := ApplyDiff(self.baseContent, frame.Body)
	if err != nil {
		return err
	}
	if len(next) != filesize {
		return fmt.Errorf("applied diff yields %d bytes but Filesize says %d: %w", len(next), filesize, ErrDiffApplication)
	}
	if !VerifyChecksum(next, checksum) {
		return fmt.Errorf("applied diff digest does not match Checksum header: %w", ErrChecksumMismatch)
	}
	self.baseContent = next
	return nil
}

func (self *HostSession) Close() {
	self.cancel()
	self.conn.Close()
}

// writeFileDurable replaces the target via a temp file and rename in the same
// directory, so a concurrent reader never observes a torn update.
func writeFileDurable(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(content); err != nil {
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	success = true
	return nil
}

// ServeHost accepts connections and runs one isolated host session per
// connection. One session's failure never affects the others.
func ServeHost(ctx context.Context, listener net.Listener, path string, settings *HostSessionSettings) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		session := NewHostSession(ctx, conn, path, settings)
		glog.V(1).Infof("[h]%s accepted connection\n", session.SessionId())
		go func() {
			if err := session.Run(); err != nil {
				glog.Infof("[h]%s session error = %s\n", session.SessionId(), err)
			}
		}()
	}
}
