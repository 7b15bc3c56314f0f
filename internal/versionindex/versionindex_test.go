package versionindex

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"game-config/internal/channel"
	"game-config/internal/docstore"
	"game-config/internal/objstore"
	"game-config/internal/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)

func defFor(slug string) func() *Index {
	return func() *Index {
		return Default(slug, slug, channel.Draft, snapshot.Flags{}, t0)
	}
}

func TestLoadMissingReturnsDefault(t *testing.T) {
	s := NewStore(docstore.New(objstore.NewMemory()))
	ix, etag, err := s.Load(context.Background(), "demo", defFor("demo"))
	require.NoError(t, err)
	assert.Equal(t, "", etag)
	assert.Equal(t, channel.Draft, ix.LiveChannel)
	assert.Empty(t, ix.Channels)
	assert.Equal(t, snapshot.SchemaVersion, ix.SchemaVersion)
}

func TestSaveIsConditional(t *testing.T) {
	ctx := context.Background()
	s := NewStore(docstore.New(objstore.NewMemory()))
	ix := defFor("demo")()

	etag, err := s.Save(ctx, ix, "")
	require.NoError(t, err)

	_, err = s.Save(ctx, ix, "")
	assert.ErrorIs(t, err, objstore.ErrConflict, "second create must not overwrite")

	ix.SetLiveChannel(channel.Published, t0)
	_, err = s.Save(ctx, ix, etag)
	require.NoError(t, err)

	_, err = s.Save(ctx, ix, etag)
	assert.ErrorIs(t, err, objstore.ErrConflict, "stale etag")
}

func TestLoadDropsUnknownChannels(t *testing.T) {
	ctx := context.Background()
	b := objstore.NewMemory()
	_, err := b.Put(ctx, "demo/index.json", []byte(`{
		"schemaVersion": 1, "slug": "demo", "title": "Demo",
		"channels": {
			"draft": {"currentVersionId": "v1", "path": "draft/current.json"},
			"Published": {"currentVersionId": "v0", "path": "x"},
			"staging": {"currentVersionId": "v2", "path": "staging/current.json"}
		},
		"liveChannel": "PUBLISHED",
		"flags": {"GAME_ENABLED": true}
	}`))
	require.NoError(t, err)

	ix, etag, err := NewStore(docstore.New(b)).Load(ctx, "demo", defFor("demo"))
	require.NoError(t, err)
	assert.NotEmpty(t, etag)
	assert.Equal(t, map[channel.Channel]Pointer{
		channel.Draft: {CurrentVersionID: "v1", Path: "draft/current.json"},
	}, ix.Channels)
	assert.Equal(t, channel.Published, ix.LiveChannel)
	assert.True(t, ix.Flags.Enabled)
}

func TestLoadCorruptKeepsEtag(t *testing.T) {
	ctx := context.Background()
	b := objstore.NewMemory()
	corruptTag, err := b.Put(ctx, "demo/index.json", []byte(`{not json`))
	require.NoError(t, err)

	s := NewStore(docstore.New(b))
	ix, etag, err := s.Load(ctx, "demo", defFor("demo"))
	require.NoError(t, err)
	assert.Equal(t, corruptTag, etag)
	assert.Empty(t, ix.Channels)

	_, err = s.Save(ctx, ix, etag)
	require.NoError(t, err, "repair write is conditional on the corrupt object's etag")
}

func TestLoadStorageErrorPropagates(t *testing.T) {
	s := NewStore(docstore.New(brokenBucket{}))
	_, _, err := s.Load(context.Background(), "demo", defFor("demo"))
	var se *objstore.StorageError
	assert.ErrorAs(t, err, &se)
}

type brokenBucket struct{ objstore.Bucket }

func (brokenBucket) Get(context.Context, string) (*objstore.Object, error) {
	return nil, &objstore.StorageError{Op: "get", Err: fmt.Errorf("connection reset")}
}

// racingBucket：在每次索引条件写入之前插入一次竞争写入
type racingBucket struct {
	*objstore.MemoryBucket
	races int
}

func (r *racingBucket) Put(ctx context.Context, key string, body []byte, opts ...objstore.PutOption) (string, error) {
	if r.races > 0 && len(opts) > 0 {
		r.races--
		var ix Index
		o, err := r.MemoryBucket.Get(ctx, key)
		if err == nil {
			_ = docstore.Unmarshal(o.Body, &ix)
		} else {
			ix = *Default("demo", "demo", channel.Draft, snapshot.Flags{}, t0)
		}
		ix.SetChannelPointer(channel.Published, fmt.Sprintf("rival-%d", r.races), "published/current.json", t0)
		raw, _ := docstore.Marshal(&ix)
		_, _ = r.MemoryBucket.Put(ctx, key, raw)
	}
	return r.MemoryBucket.Put(ctx, key, body, opts...)
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	b := &racingBucket{MemoryBucket: objstore.NewMemory(), races: 2}
	s := NewStore(docstore.New(b))

	ix, err := s.Update(ctx, "demo", defFor("demo"), func(ix *Index) {
		ix.SetChannelPointer(channel.Draft, "mine", "draft/current.json", t0)
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, "mine", ix.Channels[channel.Draft].CurrentVersionID)
	assert.Equal(t, "rival-0", ix.Channels[channel.Published].CurrentVersionID, "rival write preserved")

	stored, err := s.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, ix.Channels, stored.Channels)
}

func TestUpdateGivesUpAfterRetries(t *testing.T) {
	b := &racingBucket{MemoryBucket: objstore.NewMemory(), races: 10}
	s := NewStore(docstore.New(b))
	_, err := s.Update(context.Background(), "demo", defFor("demo"), func(*Index) {}, 2)
	assert.ErrorIs(t, err, objstore.ErrConflict)
	assert.Equal(t, 7, b.races, "one initial attempt plus two retries")
}

func TestConcurrentUpdatesLoseNothing(t *testing.T) {
	ctx := context.Background()
	s := NewStore(docstore.New(objstore.NewMemory()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := channel.All[i%2]
			_, err := s.Update(ctx, "demo", defFor("demo"), func(ix *Index) {
				ix.SetChannelPointer(ch, fmt.Sprintf("v%d", i), snapshot.CurrentRelPath(ch), t0)
			}, 100)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	ix, err := s.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Len(t, ix.Channels, 2)
}
