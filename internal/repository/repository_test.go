package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jmylchreest/relayarr/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Channel{}, &models.PlaylistSource{}))
	return db
}

func TestChannelCRUD(t *testing.T) {
	repo := NewChannelRepository(testDB(t))
	ctx := context.Background()

	ch := &models.Channel{
		Name:       "News One",
		StreamURL:  "http://example.com/news.ts",
		GroupTitle: "News",
		Headers:    models.HeaderMap{"Referer": "http://example.com"},
		Enabled:    true,
	}
	require.NoError(t, repo.Create(ctx, ch))
	require.False(t, ch.ID.IsZero())

	got, err := repo.GetByID(ctx, ch.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "News One", got.Name)
	assert.Equal(t, "http://example.com", got.Headers["Referer"])

	got.Name = "News Two"
	require.NoError(t, repo.Update(ctx, got))
	got, err = repo.GetByID(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "News Two", got.Name)

	require.NoError(t, repo.Delete(ctx, ch.ID))
	got, err = repo.GetByID(ctx, ch.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestChannelGetByIDNotFound(t *testing.T) {
	repo := NewChannelRepository(testDB(t))

	got, err := repo.GetByID(context.Background(), models.NewULID())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestChannelListFiltersByGroup(t *testing.T) {
	repo := NewChannelRepository(testDB(t))
	ctx := context.Background()

	for _, c := range []*models.Channel{
		{Name: "B Sports", StreamURL: "http://example.com/b", GroupTitle: "Sports", ChannelNumber: 2},
		{Name: "A Sports", StreamURL: "http://example.com/a", GroupTitle: "Sports", ChannelNumber: 1},
		{Name: "News", StreamURL: "http://example.com/n", GroupTitle: "News", ChannelNumber: 3},
	} {
		require.NoError(t, repo.Create(ctx, c))
	}

	sports, err := repo.List(ctx, "Sports")
	require.NoError(t, err)
	require.Len(t, sports, 2)
	assert.Equal(t, "A Sports", sports[0].Name)
	assert.Equal(t, "B Sports", sports[1].Name)

	all, err := repo.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	groups, err := repo.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"News", "Sports"}, groups)
}

func TestReplaceForSource(t *testing.T) {
	db := testDB(t)
	channels := NewChannelRepository(db)
	sources := NewPlaylistSourceRepository(db)
	ctx := context.Background()

	src := &models.PlaylistSource{Name: "provider", URL: "http://example.com/list.m3u", Enabled: true}
	require.NoError(t, sources.Create(ctx, src))

	first := []*models.Channel{
		{Name: "One", StreamURL: "http://example.com/1"},
		{Name: "Two", StreamURL: "http://example.com/2"},
	}
	require.NoError(t, channels.ReplaceForSource(ctx, src.ID, first))

	n, err := channels.CountBySource(ctx, src.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	second := []*models.Channel{
		{Name: "Three", StreamURL: "http://example.com/3"},
	}
	require.NoError(t, channels.ReplaceForSource(ctx, src.ID, second))

	n, err = channels.CountBySource(ctx, src.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	list, err := channels.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Three", list[0].Name)
	require.NotNil(t, list[0].SourceID)
	assert.Equal(t, src.ID, *list[0].SourceID)
}

func TestReplaceForSourceEmptySetClears(t *testing.T) {
	db := testDB(t)
	channels := NewChannelRepository(db)
	sources := NewPlaylistSourceRepository(db)
	ctx := context.Background()

	src := &models.PlaylistSource{Name: "provider", URL: "http://example.com/list.m3u", Enabled: true}
	require.NoError(t, sources.Create(ctx, src))
	require.NoError(t, channels.ReplaceForSource(ctx, src.ID, []*models.Channel{
		{Name: "One", StreamURL: "http://example.com/1"},
	}))

	require.NoError(t, channels.ReplaceForSource(ctx, src.ID, nil))
	n, err := channels.CountBySource(ctx, src.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPlaylistSourceLifecycle(t *testing.T) {
	db := testDB(t)
	repo := NewPlaylistSourceRepository(db)
	ctx := context.Background()

	src := &models.PlaylistSource{Name: "provider", URL: "http://example.com/list.m3u", Enabled: true}
	require.NoError(t, repo.Create(ctx, src))

	disabled := &models.PlaylistSource{Name: "off", URL: "http://example.com/off.m3u", Enabled: true}
	require.NoError(t, repo.Create(ctx, disabled))
	require.NoError(t, db.Model(disabled).Update("enabled", false).Error)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := repo.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "provider", enabled[0].Name)

	require.NoError(t, repo.MarkRefreshed(ctx, src.ID, 42))
	got, err := repo.GetByID(ctx, src.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRefreshedAt)
	assert.Equal(t, 42, got.ChannelCount)
	assert.Empty(t, got.LastError)

	require.NoError(t, repo.MarkFailed(ctx, src.ID, errors.New("upstream gone")))
	got, err = repo.GetByID(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "upstream gone", got.LastError)
	// The last successful refresh time is preserved.
	require.NotNil(t, got.LastRefreshedAt)

	require.NoError(t, repo.Delete(ctx, src.ID))
	got, err = repo.GetByID(ctx, src.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
