package sshed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

// client side of a session: receives the initial file, hands it to an
// external editor, and sends an update back for every save that changed the
// content. the final save check happens when the editor exits.
//
// states: Idle -> Connected -> Editing -> (SendingUpdate <-> Editing) ->
// Exiting -> Closed. an abrupt host close while editing requests orderly
// editor termination and goes straight to Closed.

type ClientSessionSettings struct {
	// send differential updates. the full-content form is always accepted by
	// a host either way.
	PreferDiff bool
	// where the working copy is materialized. empty means a fresh private
	// temp directory.
	WorkDir string
	// how long to wait for the editor to exit before leaving a session-owned
	// temp directory in place rather than pulling the working copy out from
	// under a still-running process
	EditorExitTimeout time.Duration
}

func DefaultClientSessionSettings() *ClientSessionSettings {
	return &ClientSessionSettings{
		PreferDiff:        true,
		EditorExitTimeout: 1 * time.Second,
	}
}

type ClientSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId ulid.ULID
	conn      io.ReadWriteCloser
	editor    Editor

	settings *ClientSessionSettings

	filename string
	// the most recently sent content the host is known to have. every diff
	// is computed against this.
	baseContent []byte
}

func NewClientSessionWithDefaults(ctx context.Context, conn io.ReadWriteCloser, editor Editor) *ClientSession {
	return NewClientSession(ctx, conn, editor, DefaultClientSessionSettings())
}

func NewClientSession(ctx context.Context, conn io.ReadWriteCloser, editor Editor, settings *ClientSessionSettings) *ClientSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ClientSession{
		ctx:       cancelCtx,
		cancel:    cancel,
		sessionId: ulid.Make(),
		conn:      conn,
		editor:    editor,
		settings:  settings,
	}
}

func (self *ClientSession) SessionId() ulid.ULID {
	return self.sessionId
}

func (self *ClientSession) Filename() string {
	return self.filename
}

// Run receives the initial frame, drives the editor to completion, and sends
// updates back. It returns once the editor has exited and any final update
// has been flushed, or once the host goes away.
func (self *ClientSession) Run() error {
	defer self.cancel()
	defer self.conn.Close()

	reader := NewFrameReader(self.conn)
	initial, err := reader.ReadFrame()
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("host closed before sending the initial frame: %w", ErrIncompleteFrame)
		}
		return err
	}
	version, ok := initial.Get(HeaderVersion)
	if !ok || version != ProtocolVersion {
		// abort before any file is touched
		return fmt.Errorf("host speaks version %q: %w", version, ErrUnsupportedVersion)
	}
	filesize, err := initial.Int(HeaderFilesize)
	if err != nil {
		return err
	}
	if len(initial.Body) != filesize {
		return fmt.Errorf("initial frame body is %d bytes but Filesize says %d: %w", len(initial.Body), filesize, ErrProtocol)
	}
	filename, _ := initial.Get(HeaderFilename)
	if filename == "" {
		filename = "file"
	}
	self.filename = filepath.Base(filename)
	self.baseContent = initial.Body

	editorExited := make(chan struct{})

	workDir := self.settings.WorkDir
	if workDir == "" {
		tempDir, err := os.MkdirTemp("", "sshed-")
		if err != nil {
			return err
		}
		defer func() {
			// the editor may still hold the working copy open
			select {
			case <-editorExited:
				os.RemoveAll(tempDir)
			case <-time.After(self.settings.EditorExitTimeout):
				glog.Infof("[c]%s editor still running, leaving %s in place\n", self.sessionId, tempDir)
			}
		}()
		workDir = tempDir
	}
	workingCopy := filepath.Join(workDir, self.filename)
	if err := os.WriteFile(workingCopy, self.baseContent, 0600); err != nil {
		close(editorExited)
		return err
	}
	glog.V(1).Infof("[c]%s editing %s (%d bytes)\n", self.sessionId, workingCopy, len(self.baseContent))

	if err := self.editor.Start(workingCopy); err != nil {
		close(editorExited)
		return err
	}

	// the host sends nothing after the initial frame in version 1, so any
	// read completion here means the host went away
	hostClosed := make(chan struct{})
	go func() {
		defer close(hostClosed)
		for {
			if _, err := reader.ReadFrame(); err != nil {
				return
			}
			glog.Infof("[c]%s unexpected frame from host\n", self.sessionId)
		}
	}()

	editorDone := make(chan error, 1)
	go func() {
		err := self.editor.Wait()
		close(editorExited)
		editorDone <- err
	}()

	for {
		select {
		case <-self.ctx.Done():
			self.editor.Stop()
			return self.ctx.Err()
		case <-hostClosed:
			// no further frames may be sent. wind the editor down gracefully.
			glog.Infof("[c]%s host closed during edit, stopping editor\n", self.sessionId)
			self.editor.Stop()
			return nil
		case <-self.editor.SaveEvents():
			if err := self.sendUpdate(workingCopy); err != nil {
				// the stream is gone. wind the editor down the same way as a
				// read-side close.
				self.editor.Stop()
				return err
			}
		case err := <-editorDone:
			if err != nil {
				glog.Infof("[c]%s editor exited with error = %s\n", self.sessionId, err)
			}
			// one final comparison before closing
			if err := self.sendUpdate(workingCopy); err != nil {
				return err
			}
			glog.V(1).Infof("[c]%s done\n", self.sessionId)
			return nil
		}
	}
}

// sendUpdate compares the working copy against the baseline and sends one
// update frame if it changed. An unchanged copy sends nothing.
func (self *ClientSession) sendUpdate(workingCopy string) error {
	newContent, err := os.ReadFile(workingCopy)
	if err != nil {
		return err
	}
	if bytes.Equal(newContent, self.baseContent) {
		return nil
	}

	frame := NewFrame()
	if self.settings.PreferDiff {
		diff, err := ComputeDiff(self.baseContent, newContent)
		if err != nil {
			return err
		}
		frame.SetBool(HeaderDifferential, true).
			SetInt(HeaderFilesize, len(newContent)).
			Set(HeaderChecksum, Digest(newContent))
		frame.Body = diff
	} else {
		frame.SetBool(HeaderDifferential, false).
			SetInt(HeaderFilesize, len(newContent))
		frame.Body = newContent
	}
	if err := WriteFrame(self.conn, frame); err != nil {
		return err
	}
	// the baseline advances only once the frame is on the wire
	self.baseContent = newContent
	glog.V(1).Infof("[c]%s sent update (%d bytes, diff=%t)\n", self.sessionId, len(newContent), self.settings.PreferDiff)
	return nil
}

func (self *ClientSession) Close() {
	self.cancel()
	self.conn.Close()
}
