package registry

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/joegoldin/pamix/internal/pulse"
)

type fakeEndpoint struct {
	path  dbus.ObjectPath
	props map[string][]byte

	volume []uint32
	muted  bool

	volCalls  int
	muteCalls int
	setCalls  int

	err      error // returned by every remote call while set
	failOnce bool  // clear err after the first failure
}

func (f *fakeEndpoint) remoteErr() error {
	if f.err == nil {
		return nil
	}
	err := f.err
	if f.failOnce {
		f.err = nil
	}
	return err
}

func (f *fakeEndpoint) Path() dbus.ObjectPath { return f.path }

func (f *fakeEndpoint) Properties() (map[string][]byte, error) {
	if err := f.remoteErr(); err != nil {
		return nil, err
	}
	return f.props, nil
}

func (f *fakeEndpoint) Volume() ([]uint32, error) {
	f.volCalls++
	if err := f.remoteErr(); err != nil {
		return nil, err
	}
	return f.volume, nil
}

func (f *fakeEndpoint) SetVolume(levels []uint32) error {
	f.setCalls++
	if err := f.remoteErr(); err != nil {
		return err
	}
	f.volume = levels
	return nil
}

func (f *fakeEndpoint) Mute() (bool, error) {
	f.muteCalls++
	if err := f.remoteErr(); err != nil {
		return false, err
	}
	return f.muted, nil
}

func (f *fakeEndpoint) SetMute(muted bool) error {
	if err := f.remoteErr(); err != nil {
		return err
	}
	f.muted = muted
	return nil
}

type fakeBus struct {
	streams []dbus.ObjectPath
	sinks   []dbus.ObjectPath
	eps     map[dbus.ObjectPath]*fakeEndpoint
	err     error
	closed  int
}

func (b *fakeBus) PlaybackStreams() ([]dbus.ObjectPath, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.streams, nil
}

func (b *fakeBus) Sinks() ([]dbus.ObjectPath, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.sinks, nil
}

func (b *fakeBus) Endpoint(path dbus.ObjectPath, kind pulse.Kind) pulse.Endpoint {
	if ep, ok := b.eps[path]; ok {
		return ep
	}
	return &fakeEndpoint{path: path, err: errors.New("no such object")}
}

func (b *fakeBus) Close() error {
	b.closed++
	return nil
}

func (b *fakeBus) addStream(path string, props map[string][]byte) *fakeEndpoint {
	ep := &fakeEndpoint{path: dbus.ObjectPath(path), props: props, volume: []uint32{32768, 32768}}
	if b.eps == nil {
		b.eps = map[dbus.ObjectPath]*fakeEndpoint{}
	}
	b.eps[ep.path] = ep
	b.streams = append(b.streams, ep.path)
	return ep
}

func (b *fakeBus) addSink(path string, props map[string][]byte) *fakeEndpoint {
	ep := &fakeEndpoint{path: dbus.ObjectPath(path), props: props, volume: []uint32{32768, 32768}}
	if b.eps == nil {
		b.eps = map[dbus.ObjectPath]*fakeEndpoint{}
	}
	b.eps[ep.path] = ep
	b.sinks = append(b.sinks, ep.path)
	return ep
}

func streamProps(app string) map[string][]byte {
	return map[string][]byte{"application.name": []byte(app)}
}

func sinkProps(id string) map[string][]byte {
	return map[string][]byte{"alsa.id": []byte(id)}
}

func newTestRegistry(t *testing.T, bus *fakeBus, opts Options) *Registry {
	t.Helper()
	r, err := New(func() (pulse.Bus, error) { return bus, nil }, opts, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestNamesSortedDevicesFirst(t *testing.T) {
	bus := &fakeBus{}
	bus.addStream("/s1", streamProps("Zebra"))
	bus.addStream("/s2", streamProps("Alpha"))
	bus.addSink("/d1", sinkProps("Speakers"))
	r := newTestRegistry(t, bus, Options{})

	names := r.Names()
	want := []string{"Speakers", "Alpha", "Zebra"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %v", len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestDisplayNamesUnique(t *testing.T) {
	bus := &fakeBus{}
	bus.addStream("/s1", streamProps("App"))
	bus.addStream("/s2", streamProps("App"))
	bus.addStream("/s3", streamProps("App"))
	r := newTestRegistry(t, bus, Options{})

	names := r.Names()
	seen := map[string]bool{}
	for _, n := range names {
		if seen[n] {
			t.Fatalf("duplicate display name %q in %v", n, names)
		}
		seen[n] = true
	}
	if len(names) != 3 {
		t.Errorf("expected 3 entities, got %v", names)
	}
}

func TestNextPrevKeyWraparound(t *testing.T) {
	bus := &fakeBus{}
	bus.addStream("/s1", streamProps("B"))
	bus.addStream("/s2", streamProps("C"))
	bus.addSink("/d1", sinkProps("A"))
	r := newTestRegistry(t, bus, Options{})

	// Sorted: A (device), B, C.
	if got := r.NextKey("A"); got != "B" {
		t.Errorf("NextKey(A) = %q, want B", got)
	}
	if got := r.NextKey("C"); got != "A" {
		t.Errorf("NextKey(C) = %q, want A", got)
	}
	if got := r.PrevKey("A"); got != "C" {
		t.Errorf("PrevKey(A) = %q, want C", got)
	}
	for _, name := range r.Names() {
		if got := r.PrevKey(r.NextKey(name)); got != name {
			t.Errorf("PrevKey(NextKey(%q)) = %q", name, got)
		}
	}
}

func TestNextKeyEmptyRegistry(t *testing.T) {
	r := newTestRegistry(t, &fakeBus{}, Options{})
	if got := r.NextKey("anything"); got != "" {
		t.Errorf("NextKey on empty registry = %q, want empty", got)
	}
	if got := r.PrevKey("anything"); got != "" {
		t.Errorf("PrevKey on empty registry = %q, want empty", got)
	}
}

func TestVolumeClamp(t *testing.T) {
	bus := &fakeBus{}
	ep := bus.addSink("/d1", sinkProps("Speakers"))
	r := newTestRegistry(t, bus, Options{})

	if err := r.SetVolume("Speakers", 1.5); err != nil {
		t.Fatal(err)
	}
	for _, v := range ep.volume {
		if v != 1<<16 {
			t.Errorf("expected clamped max %d, got %d", 1<<16, v)
		}
	}

	if err := r.SetVolume("Speakers", -0.3); err != nil {
		t.Fatal(err)
	}
	for _, v := range ep.volume {
		if v != 0 {
			t.Errorf("expected clamped min 0, got %d", v)
		}
	}
}

func TestSetVolumeUniformChannels(t *testing.T) {
	bus := &fakeBus{}
	ep := bus.addSink("/d1", sinkProps("Speakers"))
	ep.volume = []uint32{100, 60000}
	r := newTestRegistry(t, bus, Options{MaxLevel: 1 << 16})

	if err := r.SetVolume("Speakers", 0.5); err != nil {
		t.Fatal(err)
	}
	if len(ep.volume) != 2 || ep.volume[0] != 32768 || ep.volume[1] != 32768 {
		t.Fatalf("expected [32768 32768], got %v", ep.volume)
	}

	// Within the TTL the cached optimistic value is served with no
	// further remote fetch.
	fetches := ep.volCalls
	vol, err := r.Volume("Speakers")
	if err != nil {
		t.Fatal(err)
	}
	if vol != 0.5 {
		t.Errorf("expected cached 0.5, got %f", vol)
	}
	if ep.volCalls != fetches {
		t.Errorf("expected no remote fetch, got %d extra", ep.volCalls-fetches)
	}
}

func TestVolumeCacheTTL(t *testing.T) {
	bus := &fakeBus{}
	ep := bus.addSink("/d1", sinkProps("Speakers"))
	r := newTestRegistry(t, bus, Options{})

	now := time.Now()
	r.now = func() time.Time { return now }

	if _, err := r.Volume("Speakers"); err != nil {
		t.Fatal(err)
	}
	if ep.volCalls != 1 {
		t.Fatalf("expected 1 fetch, got %d", ep.volCalls)
	}

	now = now.Add(time.Second)
	if _, err := r.Volume("Speakers"); err != nil {
		t.Fatal(err)
	}
	if ep.volCalls != 1 {
		t.Errorf("expected cache hit before TTL, got %d fetches", ep.volCalls)
	}

	now = now.Add(3 * time.Second)
	if _, err := r.Volume("Speakers"); err != nil {
		t.Fatal(err)
	}
	if ep.volCalls != 2 {
		t.Errorf("expected exactly one new fetch after expiry, got %d total", ep.volCalls)
	}
}

func TestMuteCacheIndependentOfVolume(t *testing.T) {
	bus := &fakeBus{}
	ep := bus.addSink("/d1", sinkProps("Speakers"))
	ep.muted = true
	r := newTestRegistry(t, bus, Options{})

	muted, err := r.Muted("Speakers")
	if err != nil {
		t.Fatal(err)
	}
	if !muted {
		t.Error("expected muted")
	}
	if ep.volCalls != 0 {
		t.Errorf("mute fetch should not touch volume, got %d calls", ep.volCalls)
	}
	if _, err := r.Muted("Speakers"); err != nil {
		t.Fatal(err)
	}
	if ep.muteCalls != 1 {
		t.Errorf("expected cached mute, got %d fetches", ep.muteCalls)
	}
}

func TestVolumeNormalization(t *testing.T) {
	bus := &fakeBus{}
	ep := bus.addSink("/d1", sinkProps("Speakers"))
	ep.volume = []uint32{1 << 15, 1 << 17} // half scale and over scale
	r := newTestRegistry(t, bus, Options{MaxLevel: 1 << 16})

	levels, err := r.ChannelVolumes("Speakers")
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 2 || levels[0] != 0.5 || levels[1] != 1.0 {
		t.Errorf("expected [0.5 1.0], got %v", levels)
	}
}

func TestSoftRefreshIdempotent(t *testing.T) {
	bus := &fakeBus{}
	bus.addStream("/s1", streamProps("App"))
	bus.addSink("/d1", sinkProps("Speakers"))
	r := newTestRegistry(t, bus, Options{})

	first := r.Names()
	if err := r.Refresh(true); err != nil {
		t.Fatal(err)
	}
	second := r.Names()
	if err := r.Refresh(true); err != nil {
		t.Fatal(err)
	}
	third := r.Names()

	if strings.Join(first, "|") != strings.Join(second, "|") ||
		strings.Join(second, "|") != strings.Join(third, "|") {
		t.Errorf("soft refresh not idempotent: %v / %v / %v", first, second, third)
	}
}

func TestSoftRefreshReconciles(t *testing.T) {
	bus := &fakeBus{}
	bus.addStream("/s1", streamProps("App"))
	r := newTestRegistry(t, bus, Options{})

	bus.addStream("/s2", streamProps("Later"))
	bus.streams = bus.streams[1:] // /s1 vanished remotely

	if err := r.Refresh(true); err != nil {
		t.Fatal(err)
	}
	names := r.Names()
	if len(names) != 1 || names[0] != "Later" {
		t.Errorf("expected [Later], got %v", names)
	}
}

func TestSoftRefreshEscalatesToHard(t *testing.T) {
	bus := &fakeBus{}
	bus.addStream("/s1", streamProps("App"))
	connects := 0
	r, err := New(func() (pulse.Bus, error) {
		connects++
		return bus, nil
	}, Options{}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}

	bus.err = errors.New("connection is closed")
	// Escalation reconnects; the new bus works again.
	bus2 := &fakeBus{}
	bus2.addStream("/s1", streamProps("App"))
	r.connect = func() (pulse.Bus, error) {
		connects++
		return bus2, nil
	}

	if err := r.Refresh(true); err != nil {
		t.Fatal(err)
	}
	if connects != 2 {
		t.Errorf("expected a reconnect during escalation, got %d connects", connects)
	}
	if len(r.Names()) != 1 {
		t.Errorf("expected rebuilt registry, got %v", r.Names())
	}
}

func TestHardRefreshPokesMonitor(t *testing.T) {
	bus := &fakeBus{}
	bus.addSink("/d1", sinkProps("Speakers"))
	pokes := 0
	newTestRegistry(t, bus, Options{Reacquire: func() { pokes++ }})
	if pokes != 1 {
		t.Errorf("expected 1 reacquire poke from initial hard refresh, got %d", pokes)
	}
}

func TestSyntheticStreamGetsCounterSuffix(t *testing.T) {
	bus := &fakeBus{}
	bus.addStream("/s1", streamProps("App"))
	bus.addSink("/d1", sinkProps("Speakers"))
	r := newTestRegistry(t, bus, Options{})

	bus.addStream("/s2", map[string][]byte{"media.name": []byte("audio stream")})
	r.Enqueue(pulse.Event{Op: pulse.StreamAdded, Path: "/s2"})
	if err := r.DrainPending(); err != nil {
		t.Fatal(err)
	}
	if r.HasPending() {
		t.Error("queue should be empty after one drain")
	}

	found := ""
	for _, n := range r.Names() {
		if strings.HasPrefix(n, "audio stream #") {
			found = n
		}
	}
	if found == "" {
		t.Errorf("expected a counter-suffixed synthetic name, got %v", r.Names())
	}
}

func TestCollisionRenamesBothEntries(t *testing.T) {
	bus := &fakeBus{}
	bus.addStream("/s1", map[string][]byte{
		"application.name": []byte("App"),
		"media.name":       []byte("Music"),
	})
	r := newTestRegistry(t, bus, Options{UseMediaName: true})

	bus.addStream("/s2", map[string][]byte{
		"application.name": []byte("Other"),
		"media.name":       []byte("Music"),
	})
	r.Enqueue(pulse.Event{Op: pulse.StreamAdded, Path: "/s2"})
	if err := r.DrainPending(); err != nil {
		t.Fatal(err)
	}

	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 entities, got %v", names)
	}
	for _, n := range names {
		if !strings.HasPrefix(n, "Music #") {
			t.Errorf("expected both entries suffixed, got %v", names)
		}
	}
	if names[0] == names[1] {
		t.Errorf("collision left duplicate names: %v", names)
	}
}

func TestAddThenRemoveEventLeavesNoEntity(t *testing.T) {
	bus := &fakeBus{}
	bus.addSink("/d1", sinkProps("Speakers"))
	r := newTestRegistry(t, bus, Options{})

	bus.addStream("/p1", streamProps("Transient"))
	r.Enqueue(pulse.Event{Op: pulse.StreamAdded, Path: "/p1"})
	r.Enqueue(pulse.Event{Op: pulse.StreamRemoved, Path: "/p1"})
	if err := r.DrainPending(); err != nil {
		t.Fatal(err)
	}
	for _, n := range r.Names() {
		if n == "Transient" {
			t.Errorf("entity for /p1 should be gone, got %v", r.Names())
		}
	}
	if len(r.Names()) != 1 {
		t.Errorf("expected only the sink, got %v", r.Names())
	}
}

func TestRemoveRecomputesMaxNameLen(t *testing.T) {
	bus := &fakeBus{}
	bus.addSink("/d1", sinkProps("Speakers"))
	bus.addStream("/s1", streamProps("A Very Long Application Name"))
	r := newTestRegistry(t, bus, Options{})

	long := len("A Very Long Application Name")
	if r.MaxNameLen() != long {
		t.Fatalf("expected max len %d, got %d", long, r.MaxNameLen())
	}
	r.Remove("/s1")
	if r.MaxNameLen() != len("Speakers") {
		t.Errorf("expected max len %d after remove, got %d", len("Speakers"), r.MaxNameLen())
	}
}

func TestStaleEntity(t *testing.T) {
	bus := &fakeBus{}
	bus.addSink("/d1", sinkProps("Speakers"))
	r := newTestRegistry(t, bus, Options{})

	if _, err := r.Volume("gone"); !errors.Is(err, ErrStale) {
		t.Errorf("expected ErrStale, got %v", err)
	}
	if err := r.SetMute("gone", true); !errors.Is(err, ErrStale) {
		t.Errorf("expected ErrStale, got %v", err)
	}
}

func TestFailsafeRecoversAfterRefresh(t *testing.T) {
	bus := &fakeBus{}
	ep := bus.addSink("/d1", sinkProps("Speakers"))
	ep.err = errors.New("stale proxy")
	ep.failOnce = true
	r := newTestRegistry(t, bus, Options{})

	vol, err := r.Volume("Speakers")
	if err != nil {
		t.Fatalf("expected failsafe recovery, got %v", err)
	}
	if vol != 0.5 {
		t.Errorf("expected 0.5 after retry, got %f", vol)
	}
	if ep.volCalls != 2 {
		t.Errorf("expected original call plus one retry, got %d", ep.volCalls)
	}
}

func TestFailsafeGivesUpAfterRetry(t *testing.T) {
	bus := &fakeBus{}
	ep := bus.addSink("/d1", sinkProps("Speakers"))
	hooks := 0
	r := newTestRegistry(t, bus, Options{FailHook: func() { hooks++ }})

	ep.err = errors.New("server went away")
	_, err := r.Volume("Speakers")
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("expected ErrFatal, got %v", err)
	}
	if hooks != 1 {
		t.Errorf("expected fail hook to run once, got %d", hooks)
	}
}
