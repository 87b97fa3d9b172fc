package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ndsokol/periscope/internal/core"
	"github.com/ndsokol/periscope/internal/domain"
)

const (
	maxRecentClicks = 5
	maxRecentKeys   = 10

	defaultFrameInterval = 60 * time.Millisecond

	demoWidth  = 800
	demoHeight = 600
)

type recentClick struct {
	X  int   `json:"x"`
	Y  int   `json:"y"`
	At int64 `json:"at"`
}

type recentKey struct {
	Key string `json:"key"`
	At  int64  `json:"at"`
}

type demoWindow struct {
	Title  string `json:"title"`
	Active bool   `json:"active"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

// demoFrame is the synthetic desktop description, serialized as the
// opaque frame blob. Everything in it derives from the wall clock and
// the recent-input buffers, so the same inputs at the same instant
// yield the same frame.
type demoFrame struct {
	DemoMode  bool          `json:"demoMode"`
	Timestamp int64         `json:"timestamp"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Hue       int           `json:"hue"`
	Cursor    recentClick   `json:"cursor"`
	Clicks    []recentClick `json:"recentClicks,omitempty"`
	Keys      []recentKey   `json:"recentKeys,omitempty"`
	Windows   []demoWindow  `json:"windows"`
}

// Generator produces a lazy, infinite, restartable stream of synthetic
// frame updates so the viewer never dead-ends without a real transport.
// It accepts the same input-event calls as the real channels.
type Generator struct {
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	cursorX int
	cursorY int
	clicks  []recentClick
	keys    []recentKey
	now     func() time.Time
}

func NewGenerator(interval time.Duration) *Generator {
	if interval <= 0 {
		interval = defaultFrameInterval
	}
	return &Generator{interval: interval, now: time.Now}
}

// Start begins the update loop, delivering one frame per period to
// onFrame. Starting a running generator is a no-op.
func (g *Generator) Start(onFrame func(core.Frame)) {
	g.mu.Lock()
	if g.stop != nil {
		g.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	g.stop = stop
	g.mu.Unlock()

	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				onFrame(g.renderFrame())
			}
		}
	}()
}

// Stop clears the generator's own timer and wipes the input buffers so
// nothing leaks into the next session. Restartable afterwards.
func (g *Generator) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stop == nil {
		return
	}
	close(g.stop)
	g.stop = nil
	g.cursorX, g.cursorY = 0, 0
	g.clicks = nil
	g.keys = nil
}

func (g *Generator) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stop != nil
}

// SendMouseEvent records the event into the local simulated state.
func (g *Generator) SendMouseEvent(ev domain.MouseEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch ev.Type {
	case "move":
		g.cursorX, g.cursorY = ev.X, ev.Y
	case "down":
		g.clicks = append(g.clicks, recentClick{X: ev.X, Y: ev.Y, At: g.now().UnixMilli()})
		if len(g.clicks) > maxRecentClicks {
			g.clicks = g.clicks[len(g.clicks)-maxRecentClicks:]
		}
	}
}

// SendKeyboardEvent records a key press into the bounded history.
func (g *Generator) SendKeyboardEvent(ev domain.KeyboardEvent) {
	if ev.Type != "down" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys = append(g.keys, recentKey{Key: ev.Key, At: g.now().UnixMilli()})
	if len(g.keys) > maxRecentKeys {
		g.keys = g.keys[len(g.keys)-maxRecentKeys:]
	}
}

func (g *Generator) renderFrame() core.Frame {
	g.mu.Lock()
	now := g.now()
	frame := demoFrame{
		DemoMode:  true,
		Timestamp: now.UnixMilli(),
		Width:     demoWidth,
		Height:    demoHeight,
		Hue:       int(now.UnixMilli()/50) % 360,
		Cursor:    recentClick{X: g.cursorX, Y: g.cursorY},
		Clicks:    append([]recentClick(nil), g.clicks...),
		Keys:      append([]recentKey(nil), g.keys...),
	}
	g.mu.Unlock()

	titles := []string{"File Explorer", "Web Browser", "Terminal"}
	sec := now.Unix()
	for i, title := range titles {
		frame.Windows = append(frame.Windows, demoWindow{
			Title:  title,
			Active: sec%int64(len(titles)) == int64(i),
			X:      100 + i*100,
			Y:      100 + i*50,
		})
	}

	b, _ := json.Marshal(frame)
	return b
}
