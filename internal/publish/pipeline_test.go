package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"game-config/internal/channel"
	"game-config/internal/docstore"
	"game-config/internal/geo"
	"game-config/internal/jsontree"
	"game-config/internal/logger"
	"game-config/internal/objstore"
	"game-config/internal/snapshot"
	"game-config/internal/versionindex"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 11, 1, 12, 0, 0, 0, time.UTC)

func newPipeline(b objstore.Bucket, opts ...Option) *Pipeline {
	n := 0
	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("v%d", n) }),
		WithLogger(logger.Discard()),
	}
	return New(b, append(base, opts...)...)
}

func readJSON(t *testing.T, b objstore.Bucket, key string, out any) {
	t.Helper()
	_, err := docstore.New(b).Get(context.Background(), key, out)
	require.NoError(t, err, key)
}

func TestSaveDraftWritesVersionCurrentAndIndex(t *testing.T) {
	ctx := context.Background()
	b := objstore.NewMemory()
	p := newPipeline(b)

	res, err := p.Save(ctx, SaveRequest{
		Slug:     " Demo ",
		Title:    "Demo Game",
		Settings: map[string]any{"map": map[string]any{"center": map[string]any{"lat": 44.0, "lng": -94.0}}},
		Missions: []any{map[string]any{"id": "m1", "icon": "draft/mediapool/a.png"}},
		Devices:  "not an array",
	})
	require.NoError(t, err)
	assert.Equal(t, "demo", res.Slug)
	assert.Equal(t, channel.Draft, res.Channel)
	assert.Equal(t, "v1", res.VersionID)
	assert.Equal(t, Paths{Index: "demo/index.json", Version: "demo/versions/v1.json", Current: "demo/draft/current.json"}, res.Paths)
	assert.ElementsMatch(t, []string{"demo/index.json", "demo/versions/v1.json", "demo/draft/current.json"}, b.Keys())

	var ver snapshot.Snapshot
	readJSON(t, b, "demo/versions/v1.json", &ver)
	assert.Equal(t, "Demo Game", ver.Title)
	assert.Equal(t, channel.Draft, ver.Channel)
	assert.Equal(t, []any{}, ver.Devices)
	assert.Equal(t, fixedNow, ver.UpdatedAt)
	assert.Equal(t, "draft/mediapool/a.png", ver.Missions[0].(map[string]any)["icon"], "drafts are not rewritten")

	var cur snapshot.ChannelCurrent
	readJSON(t, b, "demo/draft/current.json", &cur)
	assert.Equal(t, "v1", cur.VersionID)
	assert.Equal(t, "demo/versions/v1.json", cur.Path)

	var ix versionindex.Index
	readJSON(t, b, "demo/index.json", &ix)
	assert.Equal(t, channel.Draft, ix.LiveChannel)
	assert.Equal(t, versionindex.Pointer{CurrentVersionID: "v1", Path: "draft/current.json"}, ix.Channels[channel.Draft])
}

func TestEndToEndDraftPublishLive(t *testing.T) {
	ctx := context.Background()
	b := objstore.NewMemory()
	p := newPipeline(b)

	_, err := p.Save(ctx, SaveRequest{Slug: "demo", Channel: "draft"})
	require.NoError(t, err)
	_, err = p.Save(ctx, SaveRequest{Slug: "demo", Channel: []any{"PUBLISHED", "x"}})
	require.NoError(t, err)
	live, err := p.MakeLive(ctx, "demo", nil)
	require.NoError(t, err)
	assert.Equal(t, channel.Published, live)

	ix, err := p.Index(ctx, "demo")
	require.NoError(t, err)
	assert.Len(t, ix.Channels, 2)
	assert.Equal(t, channel.Published, ix.LiveChannel)

	res, err := p.Publish(ctx, SaveRequest{
		Slug:     "demo",
		Channel:  "draft",
		Flags:    snapshot.Flags{Enabled: true},
		Settings: map[string]any{"cover": "draft/mediapool/x.png"},
		Media:    map[string]any{"pool": []any{"https://h/media/mediapool/draft/y.jpg"}},
	})
	require.NoError(t, err)
	assert.Equal(t, channel.Published, res.Channel)
	assert.Equal(t, 2, res.Rewritten)
	require.NotNil(t, res.Paths.Live)
	assert.Equal(t, "demo/live/current.json", *res.Paths.Live)

	cur, err := p.Load(ctx, "demo", "published")
	require.NoError(t, err)
	assert.Equal(t, "published/mediapool/x.png", cur.Snapshot.Settings["cover"])
	assert.Equal(t, []any{"https://h/media/published/mediapool/y.jpg"}, cur.Snapshot.Media.(map[string]any)["pool"])

	var mirror snapshot.LiveMirror
	readJSON(t, b, "demo/live/current.json", &mirror)
	assert.Equal(t, channel.Published, mirror.MirroredFrom)
	assert.Equal(t, res.VersionID, mirror.VersionID)
	assert.Equal(t, "published/mediapool/x.png", mirror.Snapshot.Settings["cover"])

	ix, err = p.Index(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, res.VersionID, ix.Channels[channel.Published].CurrentVersionID)
	assert.True(t, ix.Flags.Enabled)
}

func TestLiveMirrorOnlyWhenEnabledAndPublished(t *testing.T) {
	ctx := context.Background()
	b := objstore.NewMemory()
	p := newPipeline(b)

	res, err := p.Save(ctx, SaveRequest{Slug: "demo", Flags: snapshot.Flags{Enabled: true}})
	require.NoError(t, err)
	assert.Nil(t, res.Paths.Live, "draft never mirrors")

	res, err = p.Publish(ctx, SaveRequest{Slug: "demo"})
	require.NoError(t, err)
	assert.Nil(t, res.Paths.Live, "disabled never mirrors")

	_, err = b.Get(ctx, "demo/live/current.json")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestDefaultChannelDrivesChannelAndLive(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(objstore.NewMemory())

	res, err := p.Save(ctx, SaveRequest{Slug: "demo", DefaultChannel: "published"})
	require.NoError(t, err)
	assert.Equal(t, channel.Published, res.Channel, "channel falls back to defaultChannel")

	ix, err := p.Index(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, channel.Published, ix.LiveChannel)
}

func TestSaveValidation(t *testing.T) {
	ctx := context.Background()
	b := objstore.NewMemory()
	p := newPipeline(b)

	cases := []struct {
		req   SaveRequest
		field string
	}{
		{SaveRequest{Slug: ""}, "slug"},
		{SaveRequest{Slug: "../etc"}, "slug"},
		{SaveRequest{Slug: "demo", VersionID: "a/b"}, "versionId"},
		{SaveRequest{Slug: "demo", Settings: "x"}, "settings"},
	}
	for _, c := range cases {
		_, err := p.Save(ctx, c.req)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, c.field, ve.Field)
	}
	assert.Empty(t, b.Keys(), "nothing written on invalid input")
}

func TestSaveWithSameVersionIDConverges(t *testing.T) {
	ctx := context.Background()
	b := objstore.NewMemory()
	p := newPipeline(b)

	req := SaveRequest{Slug: "demo", VersionID: "fixed-1", Title: "A"}
	_, err := p.Save(ctx, req)
	require.NoError(t, err)
	_, err = p.Save(ctx, req)
	require.NoError(t, err)

	assert.Len(t, b.Keys(), 3)
	ix, err := p.Index(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "fixed-1", ix.Channels[channel.Draft].CurrentVersionID)
}

// failAt：对第 n 次写入（从 1 开始）返回存储错误
type failAt struct {
	*objstore.MemoryBucket
	mu    sync.Mutex
	n     int
	calls int
	keys  []string
}

func (f *failAt) Put(ctx context.Context, key string, body []byte, opts ...objstore.PutOption) (string, error) {
	f.mu.Lock()
	f.calls++
	f.keys = append(f.keys, key)
	fail := f.calls == f.n
	f.mu.Unlock()
	if fail {
		return "", &objstore.StorageError{Op: "put", Key: key, Err: errors.New("disk full")}
	}
	return f.MemoryBucket.Put(ctx, key, body, opts...)
}

func TestWriteOrderAndNoRollback(t *testing.T) {
	ctx := context.Background()
	req := SaveRequest{Slug: "demo", Flags: snapshot.Flags{Enabled: true}, Channel: "published"}

	ok := &failAt{MemoryBucket: objstore.NewMemory()}
	_, err := newPipeline(ok).Save(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"demo/versions/v1.json",
		"demo/published/current.json",
		"demo/index.json",
		"demo/live/current.json",
	}, ok.keys)

	for step := 1; step <= 4; step++ {
		f := &failAt{MemoryBucket: objstore.NewMemory(), n: step}
		_, err := newPipeline(f).Save(ctx, req)
		var se *objstore.StorageError
		require.ErrorAs(t, err, &se, "step %d", step)
		assert.Len(t, f.Keys(), step-1, "earlier steps stay written at step %d", step)
	}
}

type conflictingBucket struct {
	*objstore.MemoryBucket
}

func (c conflictingBucket) Put(ctx context.Context, key string, body []byte, opts ...objstore.PutOption) (string, error) {
	if strings.HasSuffix(key, "/index.json") {
		return "", objstore.ErrConflict
	}
	return c.MemoryBucket.Put(ctx, key, body, opts...)
}

func TestIndexConflictSurfacesAfterRetries(t *testing.T) {
	p := newPipeline(conflictingBucket{objstore.NewMemory()}, WithIndexRetries(1))
	_, err := p.Save(context.Background(), SaveRequest{Slug: "demo"})
	assert.ErrorIs(t, err, objstore.ErrConflict)
}

func TestConcurrentSavesKeepBothChannels(t *testing.T) {
	ctx := context.Background()
	b := objstore.NewMemory()
	p := New(b, WithLogger(logger.Discard()), WithIndexRetries(50))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Save(ctx, SaveRequest{Slug: "demo", Channel: channel.All[i%2]})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	ix, err := p.Index(ctx, "demo")
	require.NoError(t, err)
	assert.Len(t, ix.Channels, 2)
}

func TestMakeLiveOnMissingIndex(t *testing.T) {
	ctx := context.Background()
	b := objstore.NewMemory()
	p := newPipeline(b)

	live, err := p.MakeLive(ctx, "fresh", "draft")
	require.NoError(t, err)
	assert.Equal(t, channel.Published, live)
	assert.Equal(t, []string{"fresh/index.json"}, b.Keys(), "no snapshot written")

	ix, err := p.Index(ctx, "fresh")
	require.NoError(t, err)
	assert.Empty(t, ix.Channels)
	assert.Equal(t, "fresh", ix.Title)
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()
	b := objstore.NewMemory()
	p := newPipeline(b)

	_, err := p.Load(ctx, "demo", "draft")
	assert.ErrorIs(t, err, objstore.ErrNotFound)

	_, err = b.Put(ctx, "demo/draft/current.json", []byte("{oops"))
	require.NoError(t, err)
	_, err = p.Load(ctx, "demo", "draft")
	assert.ErrorIs(t, err, docstore.ErrCorrupt)

	_, err = b.Put(ctx, "demo/draft/current.json", []byte(`{"versionId":"v1"}`))
	require.NoError(t, err)
	_, err = p.Load(ctx, "demo", "draft")
	assert.ErrorIs(t, err, docstore.ErrCorrupt)
}

func TestRecenterRelative(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(objstore.NewMemory())
	_, err := p.Save(ctx, SaveRequest{
		Slug:     "demo",
		Settings: map[string]any{"map": map[string]any{"center": map[string]any{"lat": 44.0, "lng": -94.0}}},
		Devices: []any{
			map[string]any{"id": "a", "lat": 44.0, "lng": -94.0},
			map[string]any{"id": "b", "lat": 43.0, "lng": -95.0},
		},
	})
	require.NoError(t, err)

	res, err := p.Recenter(ctx, RecenterRequest{Slug: "demo", Center: &geo.LatLng{Lat: 45, Lng: -93}, Mode: "relative"})
	require.NoError(t, err)
	assert.True(t, res.Moved)
	assert.Equal(t, 3, res.Shifted)
	assert.Equal(t, "v2", res.Save.VersionID)

	cur, err := p.Load(ctx, "demo", nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", cur.VersionID)
	devs := cur.Snapshot.Devices
	a := devs[0].(map[string]any)
	lat, _ := jsontree.Number(a["lat"])
	lng, _ := jsontree.Number(a["lng"])
	assert.Equal(t, 45.0, lat)
	assert.Equal(t, -93.0, lng)
	bLat, ok := jsontree.Number(devs[1].(map[string]any)["lat"])
	require.True(t, ok)
	assert.NotEqual(t, 45.0, bLat)

	ix, err := p.Index(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "v2", ix.Channels[channel.Draft].CurrentVersionID)
}

func TestRecenterValidationAndMissing(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(objstore.NewMemory())
	c := &geo.LatLng{Lat: 1, Lng: 1}

	_, err := p.Recenter(ctx, RecenterRequest{Slug: "demo", Center: c})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "mode", ve.Field)

	_, err = p.Recenter(ctx, RecenterRequest{Slug: "demo", Mode: "absolute"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "newCenter", ve.Field)

	_, err = p.Recenter(ctx, RecenterRequest{Slug: "demo", Center: &geo.LatLng{Lat: 90}, Mode: "absolute"})
	require.ErrorAs(t, err, &ve)

	_, err = p.Recenter(ctx, RecenterRequest{Slug: "demo", Center: c, Mode: "absolute"})
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestRecenterAbsoluteOnPublishedKeepsLiveMirror(t *testing.T) {
	ctx := context.Background()
	b := objstore.NewMemory()
	p := newPipeline(b)
	_, err := p.Publish(ctx, SaveRequest{
		Slug:     "demo",
		Flags:    snapshot.Flags{Enabled: true},
		Missions: []any{map[string]any{"lat": 1.0, "lng": 1.0}, map[string]any{"lat": 2.0, "lng": 2.0}},
	})
	require.NoError(t, err)

	res, err := p.Recenter(ctx, RecenterRequest{Slug: "demo", Channel: "published", Center: &geo.LatLng{Lat: 5, Lng: 6}, Mode: "absolute"})
	require.NoError(t, err)
	require.NotNil(t, res.Save.Paths.Live)

	pins, err := p.Pins(ctx, "demo", "published")
	require.NoError(t, err)
	assert.Equal(t, []geo.LatLng{{Lat: 5, Lng: 6}}, pins)
}

func TestSavePinsAndQuery(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(objstore.NewMemory())

	_, err := p.SavePins(ctx, "demo", "draft", nil)
	assert.True(t, IsValidation(err))

	pins := []any{
		map[string]any{"lat": 44.9778, "lng": -93.2650},
		map[string]any{"lat": 44.9778001, "lng": -93.2650002},
		map[string]any{"lat": 46.7867, "lng": -92.1005},
	}
	res, err := p.SavePins(ctx, "demo", "draft", pins)
	require.NoError(t, err)
	assert.Equal(t, "v1", res.VersionID)

	got, err := p.Pins(ctx, "demo", "draft")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	near, err := p.PinsNear(ctx, "demo", "draft", geo.LatLng{Lat: 44.98, Lng: -93.27}, 10)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.InDelta(t, 44.9778, near[0].Lat, 1e-9)

	_, err = p.PinsNear(ctx, "demo", "draft", geo.LatLng{Lat: 44.98, Lng: -93.27}, 0)
	assert.True(t, IsValidation(err))

	// pins replace the previous list on the existing snapshot
	_, err = p.SavePins(ctx, "demo", "draft", []any{})
	require.NoError(t, err)
	got, err = p.Pins(ctx, "demo", "draft")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSelftest(t *testing.T) {
	ctx := context.Background()
	b := objstore.NewMemory()
	rep, err := newPipeline(b).Selftest(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Write)
	assert.True(t, rep.Read)
	assert.Equal(t, "_health/ok.json", rep.Key)
	assert.Contains(t, b.Keys(), "_health/ok.json")

	_, err = newPipeline(&failAt{MemoryBucket: objstore.NewMemory(), n: 1}).Selftest(ctx)
	var se *objstore.StorageError
	assert.ErrorAs(t, err, &se)
}

func TestSeedCenterOnlyWhenMissing(t *testing.T) {
	ctx := context.Background()
	b := objstore.NewMemory()
	p := newPipeline(b)
	seed := &geo.LatLng{Lat: 31.23, Lng: 121.47}

	_, err := p.Save(ctx, SaveRequest{Slug: "seeded", SeedCenter: seed})
	require.NoError(t, err)
	cur, err := p.Load(ctx, "seeded", channel.Draft)
	require.NoError(t, err)
	c, found, err := snapshot.Center(cur.Snapshot)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, jsontree.LatLng{Lat: 31.23, Lng: 121.47}, c)

	_, err = p.Save(ctx, SaveRequest{
		Slug:       "kept",
		Settings:   map[string]any{"map": map[string]any{"center": map[string]any{"lat": 1.0, "lng": 2.0}}},
		SeedCenter: seed,
	})
	require.NoError(t, err)
	cur, err = p.Load(ctx, "kept", channel.Draft)
	require.NoError(t, err)
	c, _, err = snapshot.Center(cur.Snapshot)
	require.NoError(t, err)
	assert.Equal(t, jsontree.LatLng{Lat: 1, Lng: 2}, c)
}

func TestSaveDoesNotMutateCallerMaps(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(objstore.NewMemory())

	settings := map[string]any{"theme": "dark"}
	missions := []any{map[string]any{"icon": "draft/mediapool/a.png"}}
	_, err := p.Publish(ctx, SaveRequest{
		Slug:       "demo",
		Settings:   settings,
		Missions:   missions,
		SeedCenter: &geo.LatLng{Lat: 31.23, Lng: 121.47},
	})
	require.NoError(t, err)

	assert.NotContains(t, settings, "map")
	assert.Equal(t, "draft/mediapool/a.png", missions[0].(map[string]any)["icon"])

	cur, err := p.Load(ctx, "demo", channel.Published)
	require.NoError(t, err)
	assert.Contains(t, cur.Snapshot.Settings, "map")
}

func TestSameVersionIDWithDifferentContentIsRejected(t *testing.T) {
	ctx := context.Background()
	b := objstore.NewMemory()
	p := newPipeline(b)

	_, err := p.Save(ctx, SaveRequest{Slug: "demo", VersionID: "fixed-1", Title: "A"})
	require.NoError(t, err)
	before, err := b.Get(ctx, "demo/versions/fixed-1.json")
	require.NoError(t, err)

	_, err = p.Save(ctx, SaveRequest{Slug: "demo", VersionID: "fixed-1", Title: "B"})
	assert.ErrorIs(t, err, objstore.ErrConflict)

	after, err := b.Get(ctx, "demo/versions/fixed-1.json")
	require.NoError(t, err)
	assert.Equal(t, before.ETag, after.ETag)
	var cur snapshot.ChannelCurrent
	readJSON(t, b, "demo/draft/current.json", &cur)
	assert.Equal(t, "A", cur.Snapshot.Title)
}

func TestSameVersionIDRetryKeepsFirstTimestamp(t *testing.T) {
	ctx := context.Background()
	b := objstore.NewMemory()
	now := fixedNow
	p := New(b, WithClock(func() time.Time { return now }), WithLogger(logger.Discard()))

	req := SaveRequest{Slug: "demo", VersionID: "fixed-1", Title: "A"}
	_, err := p.Save(ctx, req)
	require.NoError(t, err)

	now = fixedNow.Add(time.Minute)
	_, err = p.Save(ctx, req)
	require.NoError(t, err)

	cur, err := p.Load(ctx, "demo", channel.Draft)
	require.NoError(t, err)
	assert.True(t, fixedNow.Equal(cur.Snapshot.UpdatedAt))
}

func TestTitleAcceptsScalars(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"  Demo ", "Demo"},
		{json.Number("42"), "42"},
		{json.Number("0"), ""},
		{1.5, "1.5"},
		{0.0, ""},
		{true, "true"},
		{false, ""},
	}
	for _, c := range cases {
		got, err := titleOf(c.in)
		require.NoError(t, err, "%v", c.in)
		assert.Equal(t, c.want, got, "%v", c.in)
	}

	_, err := titleOf(map[string]any{"x": 1})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "title", ve.Field)

	p := newPipeline(objstore.NewMemory())
	_, err = p.Save(context.Background(), SaveRequest{Slug: "demo", Title: json.Number("0")})
	require.NoError(t, err)
	ix, err := p.Index(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", ix.Title)
}

func TestPinsNearest(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(objstore.NewMemory())

	_, err := p.SavePins(ctx, "demo", "draft", []any{
		map[string]any{"lat": 44.9778, "lng": -93.2650},
		map[string]any{"lat": 46.7867, "lng": -92.1005},
		map[string]any{"lat": 40.7128, "lng": -74.0060},
	})
	require.NoError(t, err)

	hits, err := p.PinsNearest(ctx, "demo", "draft", geo.LatLng{Lat: 45, Lng: -93.3}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.InDelta(t, 44.9778, hits[0].Lat, 1e-9)
	assert.InDelta(t, 46.7867, hits[1].Lat, 1e-9)
	assert.LessOrEqual(t, hits[0].DistanceKm, hits[1].DistanceKm)

	hits, err = p.PinsNearest(ctx, "demo", "draft", geo.LatLng{Lat: 45, Lng: -93.3}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	_, err = p.PinsNearest(ctx, "demo", "draft", geo.LatLng{Lat: 45, Lng: -93.3}, 0)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "nearest", ve.Field)

	_, err = p.PinsNearest(ctx, "demo", "draft", geo.LatLng{Lat: 95, Lng: 0}, 1)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "center", ve.Field)
}
