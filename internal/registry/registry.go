// Package registry owns the set of controllable entities: display naming,
// ordered iteration, TTL-cached volume/mute state, and failure-tolerant
// access to the server. It is mutated only by the UI goroutine.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/joegoldin/pamix/internal/pulse"
)

const DefaultCacheTTL = 2 * time.Second

// Options configures a Registry.
type Options struct {
	MaxLevel     int    // raw level treated as 1.0
	UseMediaName bool   // prefer media.name for stream display names
	Encoding     string // charset for remote property text
	CacheTTL     time.Duration

	// Reacquire pokes the monitor after a hard refresh so it re-establishes
	// its own connection too.
	Reacquire func()
	// FailHook runs when a remote call fails even after refresh-and-retry,
	// just before ErrFatal surfaces.
	FailHook func()
}

type cachedLevels struct {
	levels []float64
	at     time.Time
}

type cachedMute struct {
	muted bool
	at    time.Time
}

// Entity is one controllable stream or device. The registry holds a lookup
// relation to the endpoint, not ownership of its lifetime.
type Entity struct {
	name string
	kind pulse.Kind
	ep   pulse.Endpoint
	vol  cachedLevels
	mute cachedMute
}

func (e *Entity) Name() string     { return e.name }
func (e *Entity) Kind() pulse.Kind { return e.kind }

// Registry is the entity set plus the pending topology-event queue.
type Registry struct {
	opts    Options
	connect pulse.Connector
	bus     pulse.Bus

	entities   map[string]*Entity
	maxNameLen int
	pending    []pulse.Event
	namer      *namer

	now func() time.Time
	log *slog.Logger
}

// New connects to the server and populates the registry with a hard
// refresh. A failure here is fatal to the caller.
func New(connect pulse.Connector, opts Options, log *slog.Logger) (*Registry, error) {
	if opts.MaxLevel <= 0 {
		opts.MaxLevel = 1 << 16
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	namer, err := newNamer(opts.Encoding, opts.UseMediaName)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		opts:     opts,
		connect:  connect,
		entities: map[string]*Entity{},
		namer:    namer,
		now:      time.Now,
		log:      log,
	}
	if err := r.Refresh(false); err != nil {
		return nil, err
	}
	return r, nil
}

// Close releases the bus connection.
func (r *Registry) Close() {
	if r.bus != nil {
		r.bus.Close()
	}
}

func (r *Registry) Len() int { return len(r.entities) }

// MaxNameLen is the length of the longest current display name, used by
// the layout.
func (r *Registry) MaxNameLen() int { return r.maxNameLen }

// Names returns the display names sorted by (kind, name): devices first,
// then streams, each alphabetically. Never by insertion order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entities))
	for name := range r.entities {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := r.entities[names[i]], r.entities[names[j]]
		if a.kind != b.kind {
			return a.kind < b.kind
		}
		return a.name < b.name
	})
	return names
}

// NextKey returns the name after the given one in sorted order, wrapping
// at the end. Empty string on an empty registry.
func (r *Registry) NextKey(name string) string {
	names := r.Names()
	if len(names) == 0 {
		return ""
	}
	for i, n := range names {
		if n == name {
			return names[(i+1)%len(names)]
		}
	}
	return names[0]
}

// PrevKey is NextKey's inverse, wrapping at the start.
func (r *Registry) PrevKey(name string) string {
	names := r.Names()
	if len(names) == 0 {
		return ""
	}
	for i, n := range names {
		if n == name {
			return names[(i-1+len(names))%len(names)]
		}
	}
	return names[0]
}

// Enqueue appends one topology event to the pending queue. Events are
// applied strictly in arrival order, never coalesced.
func (r *Registry) Enqueue(ev pulse.Event) {
	r.pending = append(r.pending, ev)
}

func (r *Registry) HasPending() bool { return len(r.pending) > 0 }

// DrainPending applies every queued event as a registry mutation.
func (r *Registry) DrainPending() error {
	for len(r.pending) > 0 {
		ev := r.pending[0]
		r.pending = r.pending[1:]
		r.log.Debug("applying topology event", "op", ev.Op.String(), "path", string(ev.Path))
		var err error
		switch ev.Op {
		case pulse.StreamAdded:
			_, err = r.Add(ev.Path, pulse.KindStream)
		case pulse.DeviceAdded:
			_, err = r.Add(ev.Path, pulse.KindDevice)
		case pulse.StreamRemoved, pulse.DeviceRemoved:
			r.Remove(ev.Path)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// failsafe wraps a remote call with the refresh-then-retry-once policy: on
// failure, one hard refresh and one retry; if the retry fails too, the
// fail hook runs and ErrFatal surfaces. ErrStale passes through untouched.
func (r *Registry) failsafe(call func() error) error {
	err := call()
	if err == nil || errors.Is(err, ErrStale) {
		return err
	}
	r.log.Debug("remote call failed, hard refresh and retry", "error", err)
	if rerr := r.Refresh(false); rerr != nil {
		return r.fatal(rerr)
	}
	err = call()
	if err == nil || errors.Is(err, ErrStale) {
		return err
	}
	return r.fatal(err)
}

func (r *Registry) fatal(err error) error {
	r.log.Debug("fatal remote failure", "error", err)
	if r.opts.FailHook != nil {
		r.opts.FailHook()
	}
	return ErrFatal
}

// Add resolves the object at path into a named entity. Adding a path that
// is already registered returns the existing name.
func (r *Registry) Add(path dbus.ObjectPath, kind pulse.Kind) (string, error) {
	var name string
	err := r.failsafe(func() error {
		var err error
		name, err = r.addEntity(path, kind)
		return err
	})
	return name, err
}

func (r *Registry) addEntity(path dbus.ObjectPath, kind pulse.Kind) (string, error) {
	if e := r.byPath(path); e != nil {
		return e.name, nil
	}
	ep := r.bus.Endpoint(path, kind)
	props, err := ep.Properties()
	if err != nil {
		return "", err
	}
	name := r.namer.name(kind, props)
	return r.insert(name, &Entity{kind: kind, ep: ep}), nil
}

// insert places the entity under name, resolving a collision by renaming
// the existing entry with the next counter value and suffixing the new one
// with the value after that, so both end up unique.
func (r *Registry) insert(name string, e *Entity) string {
	if old, ok := r.entities[name]; ok {
		renamed := r.namer.unique(name)
		delete(r.entities, name)
		old.name = renamed
		r.entities[renamed] = old
		if len(renamed) > r.maxNameLen {
			r.maxNameLen = len(renamed)
		}
		name = r.namer.unique(name)
	}
	e.name = name
	r.entities[name] = e
	if len(name) > r.maxNameLen {
		r.maxNameLen = len(name)
	}
	return name
}

// Remove drops the entity whose endpoint path matches. Unknown paths are
// ignored; the remove event may race a refresh that already pruned it.
func (r *Registry) Remove(path dbus.ObjectPath) {
	e := r.byPath(path)
	if e == nil {
		return
	}
	delete(r.entities, e.name)
	if len(e.name) == r.maxNameLen {
		r.recomputeMaxNameLen()
	}
}

func (r *Registry) byPath(path dbus.ObjectPath) *Entity {
	for _, e := range r.entities {
		if e.ep.Path() == path {
			return e
		}
	}
	return nil
}

func (r *Registry) recomputeMaxNameLen() {
	r.maxNameLen = 0
	for name := range r.entities {
		if len(name) > r.maxNameLen {
			r.maxNameLen = len(name)
		}
	}
}

// Refresh reconciles with the server. Soft keeps existing entities and
// their caches, adding what appeared and dropping what vanished; a bus
// failure during soft escalates to hard. Hard clears everything,
// reconnects, rebuilds from a fresh snapshot, and pokes the monitor to
// reacquire its own connection. A hard failure propagates as fatal.
func (r *Registry) Refresh(soft bool) error {
	r.log.Debug("refresh", "soft", soft)
	if soft {
		if err := r.reconcile(); err != nil {
			r.log.Debug("soft refresh failed, escalating", "error", err)
			return r.hardRefresh()
		}
		return nil
	}
	return r.hardRefresh()
}

func (r *Registry) hardRefresh() error {
	if r.bus != nil {
		r.bus.Close()
	}
	bus, err := r.connect()
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	r.bus = bus
	r.entities = map[string]*Entity{}
	r.maxNameLen = 0
	if err := r.populate(); err != nil {
		return err
	}
	if r.opts.Reacquire != nil {
		r.opts.Reacquire()
	}
	return nil
}

func (r *Registry) populate() error {
	streams, err := r.bus.PlaybackStreams()
	if err != nil {
		return err
	}
	sinks, err := r.bus.Sinks()
	if err != nil {
		return err
	}
	for _, path := range streams {
		if _, err := r.addEntity(path, pulse.KindStream); err != nil {
			return err
		}
	}
	for _, path := range sinks {
		if _, err := r.addEntity(path, pulse.KindDevice); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) reconcile() error {
	streams, err := r.bus.PlaybackStreams()
	if err != nil {
		return err
	}
	sinks, err := r.bus.Sinks()
	if err != nil {
		return err
	}
	live := map[dbus.ObjectPath]pulse.Kind{}
	for _, path := range streams {
		live[path] = pulse.KindStream
	}
	for _, path := range sinks {
		live[path] = pulse.KindDevice
	}
	for path, kind := range live {
		if r.byPath(path) == nil {
			if _, err := r.addEntity(path, kind); err != nil {
				return err
			}
		}
	}
	for _, e := range r.entitiesByName() {
		if _, ok := live[e.ep.Path()]; !ok {
			r.Remove(e.ep.Path())
		}
	}
	return nil
}

// entitiesByName snapshots the entities in sorted order so reconcile can
// delete while iterating.
func (r *Registry) entitiesByName() []*Entity {
	names := r.Names()
	out := make([]*Entity, 0, len(names))
	for _, name := range names {
		out = append(out, r.entities[name])
	}
	return out
}

// ChannelVolumes returns per-channel levels in [0, 1], from cache when
// younger than the TTL, otherwise from exactly one remote fetch.
func (r *Registry) ChannelVolumes(name string) ([]float64, error) {
	e, ok := r.entities[name]
	if !ok {
		return nil, ErrStale
	}
	if e.vol.levels != nil && r.now().Sub(e.vol.at) < r.opts.CacheTTL {
		return e.vol.levels, nil
	}
	var raw []uint32
	err := r.failsafe(func() error {
		e, ok := r.entities[name]
		if !ok {
			return ErrStale
		}
		var err error
		raw, err = e.ep.Volume()
		return err
	})
	if err != nil {
		return nil, err
	}
	levels := make([]float64, len(raw))
	for i, v := range raw {
		levels[i] = math.Min(float64(v)/float64(r.opts.MaxLevel), 1.0)
	}
	r.cacheVolume(name, levels)
	return levels, nil
}

// Volume is the arithmetic mean across channels.
func (r *Registry) Volume(name string) (float64, error) {
	levels, err := r.ChannelVolumes(name)
	if err != nil {
		return 0, err
	}
	if len(levels) == 0 {
		return 0, nil
	}
	var sum float64
	for _, v := range levels {
		sum += v
	}
	return sum / float64(len(levels)), nil
}

// SetVolume clamps level to [0, 1] and applies it to every channel
// uniformly, then updates the cache optimistically.
func (r *Registry) SetVolume(name string, level float64) error {
	channels, err := r.ChannelVolumes(name)
	if err != nil {
		return err
	}
	level = math.Max(0, math.Min(1, level))
	raw := make([]uint32, len(channels))
	for i := range raw {
		raw[i] = uint32(math.Round(level * float64(r.opts.MaxLevel)))
	}
	err = r.failsafe(func() error {
		e, ok := r.entities[name]
		if !ok {
			return ErrStale
		}
		return e.ep.SetVolume(raw)
	})
	if err != nil {
		return err
	}
	levels := make([]float64, len(channels))
	for i := range levels {
		levels[i] = level
	}
	r.cacheVolume(name, levels)
	return nil
}

// Muted follows the same TTL-cache-then-fetch pattern as volume, with an
// independent cache.
func (r *Registry) Muted(name string) (bool, error) {
	e, ok := r.entities[name]
	if !ok {
		return false, ErrStale
	}
	if !e.mute.at.IsZero() && r.now().Sub(e.mute.at) < r.opts.CacheTTL {
		return e.mute.muted, nil
	}
	var muted bool
	err := r.failsafe(func() error {
		e, ok := r.entities[name]
		if !ok {
			return ErrStale
		}
		var err error
		muted, err = e.ep.Mute()
		return err
	})
	if err != nil {
		return false, err
	}
	r.cacheMute(name, muted)
	return muted, nil
}

func (r *Registry) SetMute(name string, muted bool) error {
	err := r.failsafe(func() error {
		e, ok := r.entities[name]
		if !ok {
			return ErrStale
		}
		return e.ep.SetMute(muted)
	})
	if err != nil {
		return err
	}
	r.cacheMute(name, muted)
	return nil
}

// cacheVolume re-looks the entity up: a failsafe refresh may have rebuilt
// the set since the caller fetched it.
func (r *Registry) cacheVolume(name string, levels []float64) {
	if e, ok := r.entities[name]; ok {
		e.vol = cachedLevels{levels: levels, at: r.now()}
	}
}

func (r *Registry) cacheMute(name string, muted bool) {
	if e, ok := r.entities[name]; ok {
		e.mute = cachedMute{muted: muted, at: r.now()}
	}
}
