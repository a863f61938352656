package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jmylchreest/relayarr/internal/httpclient"
	"github.com/jmylchreest/relayarr/internal/models"
	"github.com/jmylchreest/relayarr/internal/repository"
)

const samplePlaylist = `#EXTM3U
#EXTINF:-1 tvg-id="news.1" tvg-name="News One" group-title="News",News One
#EXTVLCOPT:http-referrer=http://portal.example.com
http://upstream.example.com/news/1.ts
#EXTINF:-1 tvg-id="sports.1" group-title="Sports",Sports One
http://upstream.example.com/sports/1.ts
`

func newTestService(t *testing.T) (*Service, *repository.ChannelRepository, *repository.PlaylistSourceRepository) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Channel{}, &models.PlaylistSource{}))

	channels := repository.NewChannelRepository(db)
	sources := repository.NewPlaylistSourceRepository(db)

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 5 * time.Second
	cfg.RetryAttempts = 1
	svc := NewService(channels, sources, httpclient.New(cfg), nil)
	return svc, channels, sources
}

func TestAddSourceIngestsChannels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(samplePlaylist))
	}))
	defer srv.Close()

	svc, channels, sources := newTestService(t)
	ctx := context.Background()

	src, err := svc.AddSource(ctx, "provider", srv.URL)
	require.NoError(t, err)
	require.NotNil(t, src)

	got, err := sources.GetByID(ctx, src.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRefreshedAt)
	assert.Equal(t, 2, got.ChannelCount)
	assert.Empty(t, got.LastError)

	list, err := channels.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 2)

	news := list[0]
	if news.Name != "News One" {
		news = list[1]
	}
	assert.Equal(t, "news.1", news.TvgID)
	assert.Equal(t, "http://upstream.example.com/news/1.ts", news.StreamURL)
	assert.Equal(t, "http://portal.example.com", news.Headers["Referer"])
}

func TestAddSourceFetchFailureIsRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	svc, _, sources := newTestService(t)
	ctx := context.Background()

	src, err := svc.AddSource(ctx, "broken", srv.URL)
	require.Error(t, err)
	// The source survives its failed first ingest so the scheduler retries.
	require.NotNil(t, src)

	got, err := sources.GetByID(ctx, src.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.NotEmpty(t, got.LastError)
	assert.Nil(t, got.LastRefreshedAt)
}

func TestRefreshSourceReplacesStaleChannels(t *testing.T) {
	playlist := samplePlaylist
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(playlist))
	}))
	defer srv.Close()

	svc, channels, _ := newTestService(t)
	ctx := context.Background()

	src, err := svc.AddSource(ctx, "provider", srv.URL)
	require.NoError(t, err)

	playlist = "#EXTM3U\n#EXTINF:-1,Only One\nhttp://upstream.example.com/only.ts\n"
	require.NoError(t, svc.RefreshSource(ctx, src))

	list, err := channels.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Only One", list[0].Name)
}

func TestRefreshAllContinuesPastFailures(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(samplePlaylist))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	svc, _, sources := newTestService(t)
	ctx := context.Background()

	require.NoError(t, sources.Create(ctx, &models.PlaylistSource{Name: "good", URL: good.URL, Enabled: true}))
	require.NoError(t, sources.Create(ctx, &models.PlaylistSource{Name: "bad", URL: bad.URL, Enabled: true}))

	refreshed, err := svc.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed)
}
