// Package tui implements the terminal user interface: the conversation
// thread, the composer and the status bar, driven by bus events.
package tui

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"github.com/matheus3301/tripchat/internal/bus"
	"github.com/matheus3301/tripchat/internal/identity"
	"github.com/matheus3301/tripchat/internal/live"
	"github.com/matheus3301/tripchat/internal/session"
	"github.com/matheus3301/tripchat/internal/timeline"
	"github.com/matheus3301/tripchat/internal/tui/views"
)

// ControllerFactory builds a fresh session controller. The TUI invokes it
// once at startup and again on retry after a failed session.
type ControllerFactory func() *session.Controller

// App is the terminal application shell.
type App struct {
	app       *tview.Application
	thread    *views.Thread
	statusBar *views.StatusBar
	flash     Flash

	bus     *bus.Bus
	logger  *zap.Logger
	profile string
	build   ControllerFactory

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	ctrl *session.Controller
}

// New creates the application shell. build must not be nil.
func New(profile string, b *bus.Bus, build ControllerFactory, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{
		app:       tview.NewApplication(),
		thread:    views.NewThread(),
		statusBar: views.NewStatusBar(),
		bus:       b,
		logger:    logger,
		profile:   profile,
		build:     build,
	}

	a.statusBar.SetProfile(profile)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.thread, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)
	a.app.SetFocus(a.thread.Composer())

	a.thread.SetOnSend(func(text string) {
		go a.send(text)
	})

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlR:
			go a.retry()
			return nil
		case tcell.KeyEscape:
			a.app.Stop()
			return nil
		}
		return event
	})

	return a
}

// Run starts the session and blocks until the UI exits.
func (a *App) Run() error {
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.startSession()
	go a.eventLoop()
	go a.refreshLoop()

	err := a.app.Run()

	a.cancel()
	a.disposeSession()
	return err
}

// Stop terminates the UI event loop.
func (a *App) Stop() {
	a.app.Stop()
}

func (a *App) startSession() {
	ctrl := a.build()

	a.mu.Lock()
	a.ctrl = ctrl
	a.mu.Unlock()

	a.thread.SetTitleLabel(ctrl.Conversation().CounterpartLabel)
	a.statusBar.SetState(string(ctrl.State()))

	go func() {
		if err := ctrl.Start(a.ctx); err != nil {
			a.logger.Warn("session start returned", zap.Error(err))
		}
	}()
}

func (a *App) controller() *session.Controller {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctrl
}

func (a *App) disposeSession() {
	if ctrl := a.controller(); ctrl != nil {
		ctrl.Dispose()
	}
}

func (a *App) send(text string) {
	ctrl := a.controller()
	if ctrl == nil {
		return
	}
	err := ctrl.Send(text)
	switch {
	case errors.Is(err, timeline.ErrEmptyMessage):
		a.setFlash("message is empty", 3*time.Second)
	case err != nil:
		a.setFlash(fmt.Sprintf("cannot send: %v", err), 5*time.Second)
	}
}

// retry tears down a failed session and brings up a fresh one for the same
// conversation. No-op unless the current session is in FAILED.
func (a *App) retry() {
	ctrl := a.controller()
	if ctrl == nil || ctrl.State() != session.Failed {
		return
	}
	ctrl.Dispose()
	a.logger.Info("retrying session")

	a.app.QueueUpdateDraw(func() {
		a.thread.Update(nil, a.counterpartLabel())
	})
	a.startSession()
}

func (a *App) eventLoop() {
	sub := a.bus.Subscribe("", 64)
	defer sub.Cancel()

	for {
		select {
		case <-a.ctx.Done():
			return
		case evt := <-sub.C:
			a.handleEvent(evt)
		}
	}
}

func (a *App) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindTimelineChanged:
		a.app.QueueUpdateDraw(a.redrawThread)

	case bus.KindSessionStateChanged:
		change, ok := evt.Payload.(session.StateChange)
		if !ok {
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.statusBar.SetState(string(change.To))
		})

	case bus.KindSessionFailed:
		err, _ := evt.Payload.(error)
		msg := fmt.Sprintf("session failed: %v (Ctrl+R to retry)", err)
		if errors.Is(err, identity.ErrMalformed) {
			msg = "not logged in or credential invalid: run tripchat -login <token>"
		}
		a.setFlash(msg, 15*time.Second)

	case bus.KindSessionSendFailed:
		err, _ := evt.Payload.(error)
		a.setFlash(fmt.Sprintf("delivery failed: %v", err), 5*time.Second)

	case bus.KindLiveStateChanged:
		change, ok := evt.Payload.(live.StateChange)
		if !ok {
			return
		}
		a.app.QueueUpdateDraw(func() {
			switch change.To {
			case live.StateOpen:
				a.statusBar.SetConnection("")
			case live.StateClosed, live.StateConnecting:
				a.statusBar.SetConnection("reconnecting")
			case live.StateError:
				a.statusBar.SetConnection("offline")
			}
		})
	}
}

func (a *App) redrawThread() {
	ctrl := a.controller()
	if ctrl == nil {
		return
	}
	a.thread.Update(ctrl.Timeline(), a.counterpartLabel())
}

func (a *App) counterpartLabel() string {
	if ctrl := a.controller(); ctrl != nil {
		return ctrl.Conversation().CounterpartLabel
	}
	return ""
}

func (a *App) setFlash(msg string, d time.Duration) {
	a.flash.Set(msg, d)
	a.app.QueueUpdateDraw(func() {
		a.statusBar.SetFlash(a.flash.Get())
	})
}

// refreshLoop keeps the clock current and clears expired flash messages.
func (a *App) refreshLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.app.QueueUpdateDraw(func() {
				a.statusBar.SetFlash(a.flash.Get())
			})
		}
	}
}
