// Package browsermgr owns one headless Chromium used for HTML rendering.
package browsermgr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playwright-community/playwright-go"
)

var ErrUnavailable = errors.New("browser unavailable")

// Launcher starts playwright and a browser. It is swapped out in tests.
type Launcher func(opts playwright.BrowserTypeLaunchOptions) (*playwright.Playwright, playwright.Browser, error)

func defaultLauncher(opts playwright.BrowserTypeLaunchOptions) (*playwright.Playwright, playwright.Browser, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, nil, err
	}
	br, err := pw.Chromium.Launch(opts)
	if err != nil {
		pw.Stop()
		return nil, nil, err
	}
	return pw, br, nil
}

// Manager starts the browser lazily, restarts it on disconnect and caps the
// number of concurrently open pages.
type Manager struct {
	mu         sync.RWMutex
	pw         *playwright.Playwright
	browser    playwright.Browser
	launchOpts playwright.BrowserTypeLaunchOptions
	launch     Launcher
	restarting bool
	unhealthy  atomic.Bool
	pages      chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	logger     *slog.Logger
}

// DefaultLaunchOptions are the Chromium flags used for rendering documents.
func DefaultLaunchOptions() playwright.BrowserTypeLaunchOptions {
	return playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--no-sandbox",
			"--disable-setuid-sandbox",
			"--disable-dev-shm-usage",
			"--disable-extensions",
			"--disable-plugins",
			"--disable-background-timer-throttling",
			"--disable-backgrounding-occluded-windows",
			"--disable-renderer-backgrounding",
		},
	}
}

func New(launchOpts playwright.BrowserTypeLaunchOptions, maxPages int, logger *slog.Logger) *Manager {
	if maxPages < 1 {
		maxPages = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		launchOpts: launchOpts,
		launch:     defaultLauncher,
		pages:      make(chan struct{}, maxPages),
		stop:       make(chan struct{}),
		logger:     logger.With("component", "browser"),
	}
}

// WithLauncher replaces how the browser is started.
func (m *Manager) WithLauncher(l Launcher) *Manager {
	m.launch = l
	return m
}

// Start launches the browser and the heartbeat loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	err := m.startLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}
	go m.heartbeat()
	return nil
}

func (m *Manager) startLocked() error {
	if m.browser != nil {
		m.browser.Close()
	}
	if m.pw != nil {
		m.pw.Stop()
	}
	pw, br, err := m.launch(m.launchOpts)
	if err != nil {
		return err
	}
	br.On("disconnected", func() {
		m.logger.Warn("disconnected event received, scheduling restart")
		go m.restart()
	})
	m.pw, m.browser = pw, br
	m.unhealthy.Store(false)
	m.logger.Info("started")
	return nil
}

func (m *Manager) restart() {
	m.mu.Lock()
	if m.restarting {
		m.mu.Unlock()
		return
	}
	m.restarting = true
	defer func() {
		m.restarting = false
		m.mu.Unlock()
	}()

	backoff := []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	for i, d := range backoff {
		if i != 0 {
			select {
			case <-time.After(d):
			case <-m.stop:
				return
			}
		}
		if err := m.startLocked(); err == nil {
			m.logger.Info("restart successful", "attempt", i+1)
			return
		} else {
			m.logger.Warn("restart attempt failed", "attempt", i+1, "error", err)
		}
	}
	m.logger.Error("unrecoverable, manager marked unhealthy")
	m.unhealthy.Store(true)
}

func (m *Manager) current() playwright.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.browser != nil && m.browser.IsConnected() {
		return m.browser
	}
	return nil
}

// Page opens a page, waiting for a free slot. The returned release func closes
// the page and frees the slot; it is safe to call more than once.
func (m *Manager) Page(ctx context.Context) (playwright.Page, func(), error) {
	select {
	case m.pages <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	freeSlot := func() { <-m.pages }

	br := m.current()
	if br == nil {
		go m.restart()
		freeSlot()
		return nil, nil, ErrUnavailable
	}
	page, err := br.NewPage()
	if err != nil {
		freeSlot()
		return nil, nil, err
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := page.Close(); err != nil {
				m.logger.Debug("page close failed", "error", err)
			}
			freeSlot()
		})
	}
	return page, release, nil
}

func (m *Manager) heartbeat() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if m.current() == nil {
				m.logger.Warn("heartbeat found browser disconnected")
				go m.restart()
			}
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) Healthy() bool {
	return !m.unhealthy.Load() && m.current() != nil
}

// InFlight is the number of pages currently open.
func (m *Manager) InFlight() int {
	return len(m.pages)
}

func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.pw != nil {
		m.pw.Stop()
		m.pw = nil
	}
	m.logger.Info("closed")
}
