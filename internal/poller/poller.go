// Package poller tails buffered admin and pre-spawn messages for one
// session and feeds them into the conversation. Messages arrive over
// NATS when a connection is configured; otherwise they land as JSON
// files in a spool directory which is watched and swept.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/niahq/nia/pkg/models"
)

// SweepInterval is the fallback cadence for the spool directory. The
// fsnotify watcher makes delivery immediate; the ticker guarantees
// progress when watch events are lost.
const SweepInterval = 1 * time.Second

// AdminSubject is the NATS subject carrying admin messages for a room,
// keyed by its canonical hash.
func AdminSubject(roomHash string) string { return "admin.bot." + roomHash }

// PreSpawnSubject carries messages buffered before the bot was up.
func PreSpawnSubject(roomHash string) string { return "prespawn.bot." + roomHash }

// AdminSink receives normalized admin instructions. Satisfied by the
// flow manager.
type AdminSink interface {
	EnqueueAdmin(ctx context.Context, instr *models.AdminInstruction) string
}

// PreSpawnFunc handles one buffered pre-spawn payload, typically by
// applying note/identity context and emitting the corresponding event.
type PreSpawnFunc func(payload map[string]interface{})

// Poller drains admin and pre-spawn messages for a single session.
type Poller struct {
	pid      int
	roomHash string
	spoolDir string
	nc       *nats.Conn

	admins   AdminSink
	preSpawn PreSpawnFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a poller. nc may be nil, in which case only the spool
// directory is used. spoolDir may be empty, in which case only NATS is
// used; both empty yields a poller that never delivers.
func New(roomHash, spoolDir string, nc *nats.Conn, admins AdminSink, preSpawn PreSpawnFunc) *Poller {
	return &Poller{
		pid:      os.Getpid(),
		roomHash: roomHash,
		spoolDir: spoolDir,
		nc:       nc,
		admins:   admins,
		preSpawn: preSpawn,
		done:     make(chan struct{}),
	}
}

// Start drains any backlog, then begins tailing until Stop or ctx
// cancellation. Pre-spawn backlog is delivered before new traffic so
// context written before launch lands first.
func (p *Poller) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	var subs []*nats.Subscription
	if p.nc != nil && p.nc.IsConnected() {
		adminSub, err := p.nc.Subscribe(AdminSubject(p.roomHash), func(msg *nats.Msg) {
			p.deliverAdminBytes(msg.Data)
		})
		if err != nil {
			return fmt.Errorf("poller: subscribe %s: %w", AdminSubject(p.roomHash), err)
		}
		preSub, err := p.nc.Subscribe(PreSpawnSubject(p.roomHash), func(msg *nats.Msg) {
			p.deliverPreSpawnBytes(msg.Data)
		})
		if err != nil {
			adminSub.Unsubscribe()
			return fmt.Errorf("poller: subscribe %s: %w", PreSpawnSubject(p.roomHash), err)
		}
		subs = append(subs, adminSub, preSub)
		log.Printf("poller: tailing NATS subjects for room %s", p.roomHash)
	}

	var watcher *fsnotify.Watcher
	if p.spoolDir != "" {
		p.sweep()

		w, err := fsnotify.NewWatcher()
		if err != nil {
			log.Printf("poller: fsnotify unavailable, ticker only: %v", err)
		} else if err := w.Add(p.spoolDir); err != nil {
			log.Printf("poller: cannot watch %s, ticker only: %v", p.spoolDir, err)
			w.Close()
		} else {
			watcher = w
		}
	}

	go p.run(ctx, subs, watcher)
	return nil
}

// Stop halts tailing and waits for the run loop to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *Poller) run(ctx context.Context, subs []*nats.Subscription, watcher *fsnotify.Watcher) {
	defer close(p.done)
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
		if watcher != nil {
			watcher.Close()
		}
	}()

	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				p.sweep()
			}
		}
	}
}

// sweep processes spool files addressed to this process or room, in
// filename order, removing each after delivery.
func (p *Poller) sweep() {
	if p.spoolDir == "" {
		return
	}
	entries, err := os.ReadDir(p.spoolDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("poller: read spool dir: %v", err)
		}
		return
	}

	adminPrefix := fmt.Sprintf("admin-%d-", p.pid)
	prePrefix := fmt.Sprintf("pre-spawn-%s-", p.roomHash)

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if strings.HasPrefix(name, adminPrefix) || strings.HasPrefix(name, prePrefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(p.spoolDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("poller: read %s: %v", name, err)
			continue
		}
		if strings.HasPrefix(name, adminPrefix) {
			p.deliverAdminBytes(data)
		} else {
			p.deliverPreSpawnBytes(data)
		}
		if err := os.Remove(path); err != nil {
			log.Printf("poller: remove %s: %v", name, err)
		}
	}
}

func (p *Poller) deliverAdminBytes(data []byte) {
	instr, err := NormalizeAdmin(data)
	if err != nil {
		log.Printf("poller: bad admin message: %v", err)
		return
	}
	if p.admins == nil {
		return
	}
	status := p.admins.EnqueueAdmin(context.Background(), &instr)
	log.Printf("poller: admin %s delivered (%s)", instr.ID, status)
}

func (p *Poller) deliverPreSpawnBytes(data []byte) {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("poller: bad pre-spawn message: %v", err)
		return
	}
	if p.preSpawn != nil {
		p.preSpawn(payload)
	}
}

// NormalizeAdmin maps a raw admin envelope onto an AdminInstruction.
// Both "message" and "prompt" carry the text depending on producer;
// mode defaults to queued and ids are minted when absent.
func NormalizeAdmin(data []byte) (models.AdminInstruction, error) {
	var raw struct {
		ID        string `json:"id"`
		Message   string `json:"message"`
		Prompt    string `json:"prompt"`
		Mode      string `json:"mode"`
		Sender    string `json:"sender"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.AdminInstruction{}, fmt.Errorf("poller: decode admin: %w", err)
	}

	prompt := raw.Message
	if prompt == "" {
		prompt = raw.Prompt
	}
	if strings.TrimSpace(prompt) == "" {
		return models.AdminInstruction{}, fmt.Errorf("poller: admin message has no prompt")
	}

	mode := models.AdminModeQueued
	if raw.Mode == string(models.AdminModeImmediate) {
		mode = models.AdminModeImmediate
	}

	id := raw.ID
	if id == "" {
		id = uuid.NewString()
	}

	ts := time.Now()
	if raw.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, raw.Timestamp); err == nil {
			ts = parsed
		}
	}

	return models.AdminInstruction{
		ID:        id,
		Prompt:    prompt,
		Mode:      mode,
		Sender:    raw.Sender,
		Timestamp: ts,
	}, nil
}

// SpoolAdminFilename names an admin file addressed to a process.
func SpoolAdminFilename(pid int, id string) string {
	return fmt.Sprintf("admin-%d-%s.json", pid, id)
}

// SpoolPreSpawnFilename names a pre-spawn file addressed to a room.
func SpoolPreSpawnFilename(roomHash, id string) string {
	return fmt.Sprintf("pre-spawn-%s-%s.json", roomHash, id)
}

// WriteSpool writes a message into the spool directory atomically via
// a temp-file rename so the watcher never sees a partial write.
func WriteSpool(dir, filename string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("poller: marshal spool message: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("poller: create spool dir: %w", err)
	}
	tmp := filepath.Join(dir, "."+filename+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("poller: write spool message: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, filename)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("poller: publish spool message: %w", err)
	}
	return nil
}
