package sshed

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

const testTimeout = 5 * time.Second

// scriptedEditor stands in for the external editor: the test plays the user,
// writing the working copy and firing save events by hand.
type scriptedEditor struct {
	started chan struct{}
	saves   chan struct{}
	done    chan error
	stopped chan struct{}

	path string
}

func newScriptedEditor() *scriptedEditor {
	return &scriptedEditor{
		started: make(chan struct{}),
		saves:   make(chan struct{}),
		done:    make(chan error, 1),
		stopped: make(chan struct{}),
	}
}

func (self *scriptedEditor) Start(path string) error {
	self.path = path
	close(self.started)
	return nil
}

func (self *scriptedEditor) SaveEvents() <-chan struct{} {
	return self.saves
}

func (self *scriptedEditor) Wait() error {
	return <-self.done
}

func (self *scriptedEditor) Stop() {
	select {
	case <-self.stopped:
	default:
		close(self.stopped)
	}
}

func awaitStart(t *testing.T, editor *scriptedEditor) {
	select {
	case <-editor.started:
	case <-time.After(testTimeout):
		t.Fatal("editor never started")
	}
}

func awaitErr(t *testing.T, errs chan error) error {
	select {
	case err := <-errs:
		return err
	case <-time.After(testTimeout):
		t.Fatal("session did not finish")
		return nil
	}
}

func awaitFileContent(t *testing.T, path string, want []byte) {
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		content, err := os.ReadFile(path)
		if err == nil && bytes.Equal(content, want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	content, _ := os.ReadFile(path)
	t.Fatalf("file never reached expected content, have %q", content)
}

func hostFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func startSessions(t *testing.T, path string, clientSettings *ClientSessionSettings) (*scriptedEditor, chan error, chan error) {
	ctx := context.Background()
	hostConn, clientConn := net.Pipe()

	hostErrs := make(chan error, 1)
	host := NewHostSessionWithDefaults(ctx, hostConn, path)
	go func() {
		hostErrs <- host.Run()
	}()

	editor := newScriptedEditor()
	clientErrs := make(chan error, 1)
	client := NewClientSession(ctx, clientConn, editor, clientSettings)
	go func() {
		clientErrs <- client.Run()
	}()

	return editor, hostErrs, clientErrs
}

// scenario: the client edits "hello" into "hello!" and the host's file ends
// up as "hello!", via a differential update.
func TestSessionEditRoundTrip(t *testing.T) {
	path := hostFile(t, "hello")
	editor, hostErrs, clientErrs := startSessions(t, path, DefaultClientSessionSettings())

	awaitStart(t, editor)
	assert.Equal(t, "a.txt", filepath.Base(editor.path))
	received, err := os.ReadFile(editor.path)
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte("hello"), received)

	assert.Equal(t, nil, os.WriteFile(editor.path, []byte("hello!"), 0600))
	editor.saves <- struct{}{}
	awaitFileContent(t, path, []byte("hello!"))

	editor.done <- nil
	assert.Equal(t, nil, awaitErr(t, clientErrs))
	assert.Equal(t, nil, awaitErr(t, hostErrs))
}

// same scenario with full content updates instead of diffs
func TestSessionEditRoundTripFullContent(t *testing.T) {
	path := hostFile(t, "one\ntwo\n")
	settings := DefaultClientSessionSettings()
	settings.PreferDiff = false
	editor, hostErrs, clientErrs := startSessions(t, path, settings)

	awaitStart(t, editor)
	assert.Equal(t, nil, os.WriteFile(editor.path, []byte("one\ntwo\nthree\n"), 0600))
	editor.saves <- struct{}{}
	awaitFileContent(t, path, []byte("one\ntwo\nthree\n"))

	editor.done <- nil
	assert.Equal(t, nil, awaitErr(t, clientErrs))
	assert.Equal(t, nil, awaitErr(t, hostErrs))
}

// successive saves each diff against the most recently sent baseline
func TestSessionCumulativeSaves(t *testing.T) {
	path := hostFile(t, "alpha\nbeta\ngamma\n")
	editor, hostErrs, clientErrs := startSessions(t, path, DefaultClientSessionSettings())

	awaitStart(t, editor)

	assert.Equal(t, nil, os.WriteFile(editor.path, []byte("alpha\nbeta two\ngamma\n"), 0600))
	editor.saves <- struct{}{}
	awaitFileContent(t, path, []byte("alpha\nbeta two\ngamma\n"))

	assert.Equal(t, nil, os.WriteFile(editor.path, []byte("alpha\nbeta two\ngamma\ndelta\n"), 0600))
	editor.saves <- struct{}{}
	awaitFileContent(t, path, []byte("alpha\nbeta two\ngamma\ndelta\n"))

	editor.done <- nil
	assert.Equal(t, nil, awaitErr(t, clientErrs))
	assert.Equal(t, nil, awaitErr(t, hostErrs))
}

// a changed working copy at editor exit still goes out as one final update
func TestSessionFinalSaveOnExit(t *testing.T) {
	path := hostFile(t, "draft\n")
	editor, hostErrs, clientErrs := startSessions(t, path, DefaultClientSessionSettings())

	awaitStart(t, editor)
	assert.Equal(t, nil, os.WriteFile(editor.path, []byte("final\n"), 0600))
	editor.done <- nil

	assert.Equal(t, nil, awaitErr(t, clientErrs))
	assert.Equal(t, nil, awaitErr(t, hostErrs))
	content, err := os.ReadFile(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte("final\n"), content)
}

// scenario: no edits, no update frame, host file untouched
func TestSessionNoEdit(t *testing.T) {
	path := hostFile(t, "untouched\n")
	editor, hostErrs, clientErrs := startSessions(t, path, DefaultClientSessionSettings())

	awaitStart(t, editor)
	editor.done <- nil

	assert.Equal(t, nil, awaitErr(t, clientErrs))
	assert.Equal(t, nil, awaitErr(t, hostErrs))
	content, err := os.ReadFile(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte("untouched\n"), content)
}

// scenario: the host goes away mid-edit. the client must request graceful
// editor termination and send nothing further.
func TestSessionAbruptHostClose(t *testing.T) {
	ctx := context.Background()
	path := hostFile(t, "hello\n")
	hostConn, clientConn := net.Pipe()

	host := NewHostSessionWithDefaults(ctx, hostConn, path)
	hostErrs := make(chan error, 1)
	go func() {
		hostErrs <- host.Run()
	}()

	editor := newScriptedEditor()
	client := NewClientSessionWithDefaults(ctx, clientConn, editor)
	clientErrs := make(chan error, 1)
	go func() {
		clientErrs <- client.Run()
	}()

	awaitStart(t, editor)
	host.Close()

	select {
	case <-editor.stopped:
	case <-time.After(testTimeout):
		t.Fatal("editor was never asked to stop")
	}
	// the editor honors the stop request so the session can clean up
	editor.done <- nil
	assert.Equal(t, nil, awaitErr(t, clientErrs))
	awaitErr(t, hostErrs)
}

// scenario: the host goes away while an update frame is mid-write. the failed
// write must still wind the editor down gracefully.
func TestSessionHostCloseDuringUpdateStopsEditor(t *testing.T) {
	ctx := context.Background()
	hostConn, clientConn := net.Pipe()

	// a host that sends the initial frame and then never reads, so the
	// client's update write blocks until the close below
	go func() {
		frame := NewFrame().
			Set(HeaderVersion, ProtocolVersion).
			Set(HeaderFilename, "a.txt").
			SetInt(HeaderFilesize, 6)
		frame.Body = []byte("hello\n")
		WriteFrame(hostConn, frame)
	}()

	editor := newScriptedEditor()
	client := NewClientSessionWithDefaults(ctx, clientConn, editor)
	clientErrs := make(chan error, 1)
	go func() {
		clientErrs <- client.Run()
	}()

	awaitStart(t, editor)
	assert.Equal(t, nil, os.WriteFile(editor.path, []byte("hello!\n"), 0600))
	editor.saves <- struct{}{}
	time.Sleep(50 * time.Millisecond)
	hostConn.Close()

	select {
	case <-editor.stopped:
	case <-time.After(testTimeout):
		t.Fatal("editor was never asked to stop")
	}
	// the editor honors the stop request so the session can clean up
	editor.done <- nil
	assert.Equal(t, true, awaitErr(t, clientErrs) != nil)
}

// a session-owned working copy is not deleted while the editor still runs
func TestSessionWorkingCopyKeptWhileEditorRuns(t *testing.T) {
	ctx := context.Background()
	path := hostFile(t, "hello\n")
	hostConn, clientConn := net.Pipe()

	host := NewHostSessionWithDefaults(ctx, hostConn, path)
	hostErrs := make(chan error, 1)
	go func() {
		hostErrs <- host.Run()
	}()

	editor := newScriptedEditor()
	client := NewClientSessionWithDefaults(ctx, clientConn, editor)
	clientErrs := make(chan error, 1)
	go func() {
		clientErrs <- client.Run()
	}()

	awaitStart(t, editor)
	host.Close()

	assert.Equal(t, nil, awaitErr(t, clientErrs))
	// the editor never exited, so the working copy must survive the session
	_, err := os.Stat(editor.path)
	assert.Equal(t, nil, err)
	awaitErr(t, hostErrs)
	os.RemoveAll(filepath.Dir(editor.path))
}

// once the editor has exited, the session-owned temp directory is removed
func TestSessionWorkingCopyRemovedAfterEditorExit(t *testing.T) {
	path := hostFile(t, "hello\n")
	editor, hostErrs, clientErrs := startSessions(t, path, DefaultClientSessionSettings())

	awaitStart(t, editor)
	editor.done <- nil

	assert.Equal(t, nil, awaitErr(t, clientErrs))
	assert.Equal(t, nil, awaitErr(t, hostErrs))
	_, err := os.Stat(filepath.Dir(editor.path))
	assert.Equal(t, true, os.IsNotExist(err))
}

// the client rejects an initial frame with a version it does not implement,
// before any file is touched
func TestSessionUnsupportedVersion(t *testing.T) {
	ctx := context.Background()
	hostConn, clientConn := net.Pipe()

	go func() {
		frame := NewFrame().
			Set(HeaderVersion, "2").
			Set(HeaderFilename, "a.txt").
			SetInt(HeaderFilesize, 2)
		frame.Body = []byte("hi")
		WriteFrame(hostConn, frame)
	}()

	editor := newScriptedEditor()
	client := NewClientSessionWithDefaults(ctx, clientConn, editor)
	err := client.Run()
	assert.Equal(t, true, errors.Is(err, ErrUnsupportedVersion))
	select {
	case <-editor.started:
		t.Fatal("editor must not start on a version mismatch")
	default:
	}
}

// a frame announcing more body bytes than the stream delivers must never be
// partially written
func TestSessionTruncatedUpdateDiscarded(t *testing.T) {
	ctx := context.Background()
	path := hostFile(t, "keep me\n")
	hostConn, clientConn := net.Pipe()

	host := NewHostSessionWithDefaults(ctx, hostConn, path)
	hostErrs := make(chan error, 1)
	go func() {
		hostErrs <- host.Run()
	}()

	reader := NewFrameReader(clientConn)
	_, err := reader.ReadFrame()
	assert.Equal(t, nil, err)

	// announce 100 bytes, deliver 40, then vanish
	clientConn.Write([]byte("Differential: False\nFilesize: 100\nSize: 100\n\n"))
	clientConn.Write(bytes.Repeat([]byte("x"), 40))
	clientConn.Close()

	assert.Equal(t, nil, awaitErr(t, hostErrs))
	content, err := os.ReadFile(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte("keep me\n"), content)
}

// a differential update that fails verification is rejected without ending
// the session; a later good update still applies
func TestSessionRejectedDiffKeepsSessionAlive(t *testing.T) {
	ctx := context.Background()
	path := hostFile(t, "alpha\nbeta\ngamma\n")
	hostConn, clientConn := net.Pipe()

	host := NewHostSessionWithDefaults(ctx, hostConn, path)
	hostErrs := make(chan error, 1)
	go func() {
		hostErrs <- host.Run()
	}()

	reader := NewFrameReader(clientConn)
	initial, err := reader.ReadFrame()
	assert.Equal(t, nil, err)
	baseContent := initial.Body

	// a diff computed against content the host never agreed to
	wrongBase := []byte("alpha\nbeta two\ngamma\n")
	target := []byte("alpha\nbeta two\ngamma two\n")
	diff, err := ComputeDiff(wrongBase, target)
	assert.Equal(t, nil, err)
	bad := NewFrame().
		SetBool(HeaderDifferential, true).
		SetInt(HeaderFilesize, len(target)).
		Set(HeaderChecksum, Digest(target))
	bad.Body = diff
	assert.Equal(t, nil, WriteFrame(clientConn, bad))

	// the session must survive the rejection and accept a good update
	fixed := []byte("alpha\nbeta\ngamma\ndelta\n")
	goodDiff, err := ComputeDiff(baseContent, fixed)
	assert.Equal(t, nil, err)
	good := NewFrame().
		SetBool(HeaderDifferential, true).
		SetInt(HeaderFilesize, len(fixed)).
		Set(HeaderChecksum, Digest(fixed))
	good.Body = goodDiff
	assert.Equal(t, nil, WriteFrame(clientConn, good))

	awaitFileContent(t, path, fixed)
	clientConn.Close()
	assert.Equal(t, nil, awaitErr(t, hostErrs))
}

// a checksum mismatch on an otherwise applicable diff is rejected
func TestSessionChecksumMismatchRejected(t *testing.T) {
	ctx := context.Background()
	path := hostFile(t, "alpha\nbeta\n")
	hostConn, clientConn := net.Pipe()

	host := NewHostSessionWithDefaults(ctx, hostConn, path)
	hostErrs := make(chan error, 1)
	go func() {
		hostErrs <- host.Run()
	}()

	reader := NewFrameReader(clientConn)
	initial, err := reader.ReadFrame()
	assert.Equal(t, nil, err)

	target := []byte("alpha\nbeta two\n")
	diff, err := ComputeDiff(initial.Body, target)
	assert.Equal(t, nil, err)
	frame := NewFrame().
		SetBool(HeaderDifferential, true).
		SetInt(HeaderFilesize, len(target)).
		Set(HeaderChecksum, Digest([]byte("something else entirely")))
	frame.Body = diff
	assert.Equal(t, nil, WriteFrame(clientConn, frame))
	clientConn.Close()

	assert.Equal(t, nil, awaitErr(t, hostErrs))
	content, err := os.ReadFile(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte("alpha\nbeta\n"), content)
}
