package guestchannel

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// socketNamePatterns recognizes the two accepted channel socket naming
// conventions, both capturing the instance UUID.
var socketNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^cgcs\.heartbeat\.([0-9a-fA-F-]{36})\.sock$`),
	regexp.MustCompile(`^wrs\.heartbeat\.agent\.0\.([0-9a-fA-F-]{36})\.sock$`),
}

func uuidFromSocketName(name string) (string, bool) {
	for _, re := range socketNamePatterns {
		if m := re.FindStringSubmatch(name); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// DiscoveryEvent reports a channel socket appearing, changing, or
// disappearing.
type DiscoveryEvent struct {
	UUID   string
	Path   string
	Action string // added | modified | removed
}

// Discovery watches ChannelDir for socket files, merging inotify
// events with a periodic audit scan to recover from missed inotify
// events.
type Discovery struct {
	dir           string
	auditInterval time.Duration
	watcher       *fsnotify.Watcher

	mu    sync.Mutex
	known map[string]string // uuid -> path
}

// NewDiscovery creates a Discovery watching dir.
func NewDiscovery(dir string, auditInterval time.Duration) (*Discovery, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &Discovery{
		dir:           dir,
		auditInterval: auditInterval,
		watcher:       w,
		known:         make(map[string]string),
	}, nil
}

// Run emits DiscoveryEvents on out until ctx's done channel (passed as
// stop) closes. It performs an initial full scan before watching.
func (d *Discovery) Run(stop <-chan struct{}, out chan<- DiscoveryEvent) {
	defer d.watcher.Close()

	d.scan(out)

	ticker := time.NewTicker(d.auditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handleFSEvent(ev, out)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("guestchannel: discovery watch error", "err", err)
		case <-ticker.C:
			d.scan(out)
		}
	}
}

func (d *Discovery) handleFSEvent(ev fsnotify.Event, out chan<- DiscoveryEvent) {
	name := filepath.Base(ev.Name)
	uuid, ok := uuidFromSocketName(name)
	if !ok {
		return
	}

	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		d.mu.Lock()
		_, existed := d.known[uuid]
		d.known[uuid] = ev.Name
		d.mu.Unlock()
		action := "added"
		if existed {
			action = "modified"
		}
		out <- DiscoveryEvent{UUID: uuid, Path: ev.Name, Action: action}
	case ev.Op&fsnotify.Remove != 0:
		d.mu.Lock()
		delete(d.known, uuid)
		d.mu.Unlock()
		out <- DiscoveryEvent{UUID: uuid, Path: ev.Name, Action: "removed"}
	}
}

// scan re-reads the directory and reconciles it against d.known,
// catching anything an inotify event was missed for.
func (d *Discovery) scan(out chan<- DiscoveryEvent) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		slog.Warn("guestchannel: discovery audit scan failed", "dir", d.dir, "err", err)
		return
	}

	seen := make(map[string]string, len(entries))
	for _, e := range entries {
		uuid, ok := uuidFromSocketName(e.Name())
		if !ok {
			continue
		}
		seen[uuid] = filepath.Join(d.dir, e.Name())
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for uuid, path := range seen {
		if _, ok := d.known[uuid]; !ok {
			d.known[uuid] = path
			out <- DiscoveryEvent{UUID: uuid, Path: path, Action: "added"}
		}
	}
	for uuid, path := range d.known {
		if _, ok := seen[uuid]; !ok {
			delete(d.known, uuid)
			out <- DiscoveryEvent{UUID: uuid, Path: path, Action: "removed"}
		}
	}
}
