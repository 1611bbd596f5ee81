package sshed

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"golang.org/x/term"
)

// Editor drives one external edit of a file. Start spawns the editor on a
// path, SaveEvents fires once per observed save, Wait blocks until the editor
// exits, and Stop requests orderly termination without forcing a kill.
type Editor interface {
	Start(path string) error
	SaveEvents() <-chan struct{}
	Wait() error
	Stop()
}

// ChooseEditor picks the editor argv from the environment: EDITOR, VISUAL,
// then SUDO_EDITOR. A value mentioning sshed is skipped so a forwarded edit
// never recurses into itself. With nothing usable in the environment the
// fallback chain is sensible-editor, xdg-open, nano, ed; xdg-open is only
// sensible when there is a graphical session to open into.
func ChooseEditor() ([]string, error) {
	for _, name := range []string{"EDITOR", "VISUAL", "SUDO_EDITOR"} {
		editor := os.Getenv(name)
		if editor == "" || strings.Contains(editor, "sshed") {
			continue
		}
		glog.V(1).Infof("[ed]editor from %s = %s\n", name, editor)
		return strings.Fields(editor), nil
	}
	fallbacks := []string{"sensible-editor", "xdg-open", "nano", "ed"}
	for _, name := range fallbacks {
		switch name {
		case "xdg-open":
			if !GraphicalSession() {
				continue
			}
		case "nano", "ed":
			// terminal editors need a terminal to run in
			if !InteractiveTerminal() {
				continue
			}
		}
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		glog.V(1).Infof("[ed]fallback editor = %s\n", path)
		return []string{path}, nil
	}
	return nil, fmt.Errorf("no editor found in environment or fallback chain")
}

// GraphicalSession reports whether the current session can host a graphical
// editor.
func GraphicalSession() bool {
	graphicalVariables := []string{
		"DISPLAY",         // X11
		"WAYLAND_DISPLAY", // Wayland
		"TERM_PROGRAM",    // OS X
	}
	for _, name := range graphicalVariables {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}

// InteractiveTerminal reports whether stdin is attached to a terminal. A
// terminal editor can only run in one.
func InteractiveTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

type ExecEditorSettings struct {
	// how often the working copy is polled for saves
	PollInterval time.Duration
	// how long Stop waits after the termination request before giving up
	StopTimeout time.Duration
}

func DefaultExecEditorSettings() *ExecEditorSettings {
	return &ExecEditorSettings{
		PollInterval: 250 * time.Millisecond,
		StopTimeout:  5 * time.Second,
	}
}

// ExecEditor runs an external editor process on a working copy and watches
// the copy's modification time for save events.
type ExecEditor struct {
	ctx    context.Context
	cancel context.CancelFunc

	argv     []string
	settings *ExecEditorSettings

	cmd        *exec.Cmd
	saveEvents chan struct{}

	waitOnce sync.Once
	waitErr  error
}

func NewExecEditorWithDefaults(ctx context.Context, argv []string) *ExecEditor {
	return NewExecEditor(ctx, argv, DefaultExecEditorSettings())
}

func NewExecEditor(ctx context.Context, argv []string, settings *ExecEditorSettings) *ExecEditor {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ExecEditor{
		ctx:        cancelCtx,
		cancel:     cancel,
		argv:       argv,
		settings:   settings,
		saveEvents: make(chan struct{}, 1),
	}
}

func (self *ExecEditor) Start(path string) error {
	if len(self.argv) == 0 {
		return fmt.Errorf("empty editor argv")
	}
	cmd := exec.Command(self.argv[0], append(self.argv[1:], path)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	self.cmd = cmd
	go self.watch(path)
	return nil
}

// watch polls the working copy and fires a save event whenever its mtime
// advances. Events are coalesced: a slow consumer sees at most one pending
// event.
func (self *ExecEditor) watch(path string) {
	var lastModTime time.Time
	if info, err := os.Stat(path); err == nil {
		lastModTime = info.ModTime()
	}
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PollInterval):
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(lastModTime) {
			lastModTime = info.ModTime()
			select {
			case self.saveEvents <- struct{}{}:
			default:
			}
		}
	}
}

func (self *ExecEditor) SaveEvents() <-chan struct{} {
	return self.saveEvents
}

func (self *ExecEditor) Wait() error {
	self.waitOnce.Do(func() {
		self.waitErr = self.cmd.Wait()
		self.cancel()
	})
	return self.waitErr
}

// Stop requests orderly termination of the editor process. The process gets
// a SIGTERM and StopTimeout to wind down; it is never force killed here.
func (self *ExecEditor) Stop() {
	defer self.cancel()
	if self.cmd == nil || self.cmd.Process == nil {
		return
	}
	if err := self.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		glog.Infof("[ed]stop signal error = %s\n", err)
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		self.Wait()
	}()
	select {
	case <-done:
	case <-time.After(self.settings.StopTimeout):
		glog.Infof("[ed]editor did not exit within %s of termination request\n", self.settings.StopTimeout)
	}
}
