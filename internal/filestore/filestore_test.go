package filestore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory file-store collaborator.
type fakeStore struct {
	mu        sync.Mutex
	core      map[string]string
	workspace map[string][]byte
	text      map[string]string // decoded /text responses
	diffs     []applyDiffRequest
	writes    map[string]writeCoreRequest
	failDiff  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		core:      map[string]string{"diary.txt": "day one\n", "calendar.txt": "monday\n"},
		workspace: map[string][]byte{},
		text:      map[string]string{},
		writes:    map[string]writeCoreRequest{},
	}
}

func (f *fakeStore) router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api")
	api.GET("/core/:file", func(c *gin.Context) {
		f.mu.Lock()
		defer f.mu.Unlock()
		text, ok := f.core[c.Param("file")]
		if !ok {
			c.String(http.StatusNotFound, "no such core file")
			return
		}
		c.String(http.StatusOK, text)
	})
	api.POST("/core/:file", func(c *gin.Context) {
		var req writeCoreRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		f.mu.Lock()
		f.core[c.Param("file")] = req.Content
		f.writes[c.Param("file")] = req
		f.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	api.POST("/diff/apply", func(c *gin.Context) {
		var req applyDiffRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failDiff {
			c.String(http.StatusConflict, "hunk 1 failed")
			return
		}
		f.diffs = append(f.diffs, req)
		f.core[req.File] += "patched\n"
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	api.GET("/files", func(c *gin.Context) {
		f.mu.Lock()
		defer f.mu.Unlock()
		files := []FileInfo{}
		for name, data := range f.workspace {
			files = append(files, FileInfo{Name: name, Size: int64(len(data))})
		}
		c.JSON(http.StatusOK, gin.H{"files": files})
	})
	api.POST("/files", func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, fh := range form.File["files"] {
			rc, err := fh.Open()
			if err != nil {
				c.String(http.StatusInternalServerError, err.Error())
				return
			}
			data, _ := io.ReadAll(rc)
			rc.Close()
			f.workspace[fh.Filename] = data
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	api.GET("/files/:name", func(c *gin.Context) {
		f.mu.Lock()
		defer f.mu.Unlock()
		data, ok := f.workspace[c.Param("name")]
		if !ok {
			c.String(http.StatusNotFound, "not found")
			return
		}
		c.Data(http.StatusOK, "application/octet-stream", data)
	})
	api.GET("/files/:name/text", func(c *gin.Context) {
		f.mu.Lock()
		defer f.mu.Unlock()
		text, ok := f.text[c.Param("name")]
		if !ok {
			c.String(http.StatusUnsupportedMediaType, "cannot decode")
			return
		}
		c.JSON(http.StatusOK, TextFile{Text: text, Kind: "pdf"})
	})
	return r
}

func newTestClient(t *testing.T, f *fakeStore) *Client {
	t.Helper()
	srv := httptest.NewServer(f.router())
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientOpts{BaseURL: srv.URL + "/api/"})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(ClientOpts{})
	assert.Error(t, err)
}

func TestClient_CoreReadWrite(t *testing.T) {
	f := newFakeStore()
	c := newTestClient(t, f)
	ctx := context.Background()

	text, err := c.ReadCore(ctx, "diary.txt")
	require.NoError(t, err)
	assert.Equal(t, "day one\n", text)

	require.NoError(t, c.WriteCore(ctx, "diary.txt", "day two\n", Commit{}))
	assert.Equal(t, "day two\n", f.core["diary.txt"])
	assert.Empty(t, f.writes["diary.txt"].CommitMessage)

	require.NoError(t, c.WriteCore(ctx, "diary.txt", "day three\n", Commit{Enabled: true}))
	assert.Equal(t, "Update diary.txt", f.writes["diary.txt"].CommitMessage)

	require.NoError(t, c.WriteCore(ctx, "diary.txt", "day four\n", Commit{Enabled: true, Message: "diary: day four"}))
	assert.Equal(t, "diary: day four", f.writes["diary.txt"].CommitMessage)
}

func TestClient_StatusError(t *testing.T) {
	f := newFakeStore()
	c := newTestClient(t, f)

	_, err := c.ReadCore(context.Background(), "missing.txt")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.Equal(t, "no such core file", se.Body)
	assert.Contains(t, err.Error(), "status 404")
}

func TestClient_ApplyDiff(t *testing.T) {
	f := newFakeStore()
	c := newTestClient(t, f)

	require.NoError(t, c.ApplyDiff(context.Background(), "calendar.txt", "@@ -1 +1,2 @@", Commit{Enabled: true}))
	require.Len(t, f.diffs, 1)
	assert.Equal(t, applyDiffRequest{File: "calendar.txt", Diff: "@@ -1 +1,2 @@", CommitMessage: "Update calendar.txt"}, f.diffs[0])

	f.failDiff = true
	err := c.ApplyDiff(context.Background(), "calendar.txt", "@@", Commit{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Status)
}

func TestClient_Workspace(t *testing.T) {
	f := newFakeStore()
	c := newTestClient(t, f)
	ctx := context.Background()

	require.NoError(t, c.Upload(ctx, "notes.txt", strings.NewReader("World")))
	files, err := c.ListFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, []FileInfo{{Name: "notes.txt", Size: 5}}, files)

	raw, err := c.ReadRaw(ctx, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "World", string(raw))

	tf, err := c.ReadText(ctx, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, TextFile{Text: "World", Kind: "text"}, tf)

	f.text["report.pdf"] = "decoded pdf text"
	f.workspace["report.pdf"] = []byte("%PDF\x00\x01")
	tf, err = c.ReadText(ctx, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, TextFile{Text: "decoded pdf text", Kind: "pdf"}, tf)

	f.workspace["image.png"] = []byte("\x89PNG\x00\x00")
	_, err = c.ReadText(ctx, "image.png")
	assert.ErrorIs(t, err, ErrBinary)
}

// stubReader serves core files from a map.
type stubReader struct {
	mu    sync.Mutex
	files map[string]string
	fail  map[string]bool
	calls int
}

func (s *stubReader) ReadCore(_ context.Context, file string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail[file] {
		return "", errors.New("unavailable")
	}
	return s.files[file], nil
}

func TestCache_RefreshAll(t *testing.T) {
	r := &stubReader{files: map[string]string{"diary.txt": "d", "calendar.txt": "c", "griffes.txt": "g"}}
	cache := NewCache(CacheOpts{Reader: r, Files: []string{"diary.txt", "calendar.txt", "griffes.txt"}})

	var changes int
	var mu sync.Mutex
	cache.OnChange(func() { mu.Lock(); changes++; mu.Unlock() })

	require.NoError(t, cache.RefreshAll(context.Background()))
	assert.Equal(t, map[string]string{"diary.txt": "d", "calendar.txt": "c", "griffes.txt": "g"}, cache.Snapshot())
	assert.Equal(t, 3, changes)
}

func TestCache_RefreshAllKeepsStaleOnError(t *testing.T) {
	r := &stubReader{files: map[string]string{"diary.txt": "new"}, fail: map[string]bool{"calendar.txt": true}}
	cache := NewCache(CacheOpts{Reader: r, Files: []string{"diary.txt", "calendar.txt"}})
	cache.Load(map[string]string{"calendar.txt": "stale"})

	err := cache.RefreshAll(context.Background())
	assert.Error(t, err)
	got, ok := cache.Get("calendar.txt")
	assert.True(t, ok)
	assert.Equal(t, "stale", got)
}

func TestCache_SnapshotIsCopy(t *testing.T) {
	cache := NewCache(CacheOpts{})
	cache.Set("a", "1")
	snap := cache.Snapshot()
	snap["a"] = "changed"
	got, _ := cache.Get("a")
	assert.Equal(t, "1", got)

	cache.Load(nil)
	assert.Empty(t, cache.Snapshot())
	assert.Error(t, cache.Refresh(context.Background(), "a"))
}

func TestParseSchedule(t *testing.T) {
	_, err := ParseSchedule("*/10 * * * *")
	assert.NoError(t, err)
	_, err = ParseSchedule("not a cron expr")
	assert.Error(t, err)
}

func TestNextCronDuration(t *testing.T) {
	sched, err := ParseSchedule("*/10 * * * *")
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 9, 3, 0, 0, time.UTC)
	assert.Equal(t, 7*time.Minute, nextCronDuration(sched, now))
}

func TestRefresher_RunsImmediatelyAndStops(t *testing.T) {
	r := &stubReader{files: map[string]string{"diary.txt": "d"}}
	cache := NewCache(CacheOpts{Reader: r, Files: []string{"diary.txt"}})
	ref, err := NewRefresher(cache, "0 0 1 1 *", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ref.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := cache.Get("diary.txt")
		return ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop")
	}

	_, err = NewRefresher(nil, "* * * * *", nil)
	assert.Error(t, err)
	_, err = NewRefresher(cache, "bogus", nil)
	assert.Error(t, err)
}
