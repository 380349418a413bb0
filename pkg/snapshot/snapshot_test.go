package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrmesh/pkg/kv"
	"github.com/ryandielhenn/zephyrmesh/pkg/resource"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "mesh.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	snap := openTemp(t)

	src := resource.NewStore(resource.StoreConfig{})
	inst := resource.NewInstance("n1", "/data/readme")
	inst.ContentHash = "h1"
	inst.Version = 3
	r, err := src.Create(resource.NewResource{
		Path:      resource.MustParsePath("docs/readme@alice/main/"),
		Type:      resource.TypeOf(resource.KindKnowledge),
		Grants:    []resource.Grant{{Principal: "bob", Permission: resource.PermWrite}},
		Instances: []resource.ResourceInstance{inst},
	})
	require.NoError(t, err)
	content := kv.NewStore(0)
	content.Put("content/"+r.ID, []byte("hello"), 0)

	require.NoError(t, snap.Save(ctx, src, content))
	at, ok := snap.SavedAt()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), at, time.Minute)

	dst := resource.NewStore(resource.StoreConfig{})
	restored := kv.NewStore(0)
	n, err := snap.Load(ctx, dst, restored)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := dst.Get(r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Path, got.Path)
	require.Len(t, got.Instances, 1)
	assert.Equal(t, "h1", got.Instances[0].ContentHash)
	assert.Equal(t, uint64(3), got.Instances[0].Version)
	require.Len(t, got.AccessControl.Grants, 1)
	assert.Equal(t, "bob", got.AccessControl.Grants[0].Principal)

	v, ok := restored.Get("content/" + r.ID)
	require.True(t, ok)
	assert.Equal(t, "hello", string(v))
}

func TestSaveReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	snap := openTemp(t)
	src := resource.NewStore(resource.StoreConfig{})
	r, err := src.Create(resource.NewResource{Path: resource.MustParsePath("a/one@alice/main/")})
	require.NoError(t, err)
	require.NoError(t, snap.Save(ctx, src, nil))

	require.NoError(t, src.Delete(r.ID))
	_, err = src.Create(resource.NewResource{Path: resource.MustParsePath("b/two@alice/main/")})
	require.NoError(t, err)
	require.NoError(t, snap.Save(ctx, src, nil))

	dst := resource.NewStore(resource.StoreConfig{})
	n, err := snap.Load(ctx, dst, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = dst.GetByPath("b/two@alice/main/")
	assert.NoError(t, err)
}

func TestConflictsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	snap := openTemp(t)
	src := resource.NewStore(resource.StoreConfig{})
	a := resource.NewInstance("a", "/a")
	a.ContentHash, a.BaseHash = "h1", "h0"
	b := resource.NewInstance("b", "/b")
	b.ContentHash, b.BaseHash = "h2", "h0"
	r, err := src.Create(resource.NewResource{
		Path:      resource.MustParsePath("docs/readme@alice/main/"),
		Instances: []resource.ResourceInstance{a, b},
	})
	require.NoError(t, err)
	require.Len(t, r.Conflicts(), 1)
	require.NoError(t, snap.Save(ctx, src, nil))

	dst := resource.NewStore(resource.StoreConfig{})
	_, err = snap.Load(ctx, dst, nil)
	require.NoError(t, err)
	got, err := dst.Get(r.ID)
	require.NoError(t, err)
	require.Len(t, got.Conflicts(), 1)
	assert.Equal(t, resource.SeverityMedium, got.Conflicts()[0].Details.Severity)
	assert.Equal(t, resource.StateConflicted, got.State.Kind)
}

func TestClosed(t *testing.T) {
	snap := openTemp(t)
	require.NoError(t, snap.Close())
	err := snap.Save(context.Background(), resource.NewStore(resource.StoreConfig{}), nil)
	assert.ErrorIs(t, err, ErrClosed)
}
