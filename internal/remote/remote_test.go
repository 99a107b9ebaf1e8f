package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/platemate/platemate/internal/store/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)

func foodRecord(t *testing.T, id string, at time.Time, calories int) schema.Record {
	t.Helper()
	e := &schema.FoodLogEntry{ID: id, UserID: "u1", FoodName: "rice", Calories: calories, LoggedAt: t0}
	e.LastModified = at
	rec, err := schema.FoodLogRecord(e)
	require.NoError(t, err)
	return rec
}

// remotes runs fn against a Memory authority directly and through the HTTP
// client and handler.
func remotes(t *testing.T, fn func(t *testing.T, r Remote, mem *Memory)) {
	t.Run("memory", func(t *testing.T) {
		mem := NewMemory()
		fn(t, mem, mem)
	})
	t.Run("http", func(t *testing.T) {
		mem := NewMemory()
		srv := httptest.NewServer(NewHandler(mem, "secret"))
		defer srv.Close()
		fn(t, NewHTTPClient(srv.URL, WithToken("secret"), WithTimeout(2*time.Second)), mem)
	})
}

func TestRemote_CreateUpdateList(t *testing.T) {
	remotes(t, func(t *testing.T, r Remote, mem *Memory) {
		ctx := context.Background()
		require.NoError(t, r.Ping(ctx))

		require.NoError(t, r.Create(ctx, foodRecord(t, "a", t0, 100)))
		require.NoError(t, r.Create(ctx, foodRecord(t, "b", t0.Add(time.Minute), 200)))
		require.NoError(t, r.Update(ctx, foodRecord(t, "a", t0.Add(2*time.Minute), 150)))

		recs, err := r.ListSince(ctx, schema.KindFoodLog, time.Time{})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "b", recs[0].ID, "oldest first")
		assert.Equal(t, "a", recs[1].ID)

		e, err := recs[1].FoodLog()
		require.NoError(t, err)
		assert.Equal(t, 150, e.Calories)

		// since is inclusive.
		recs, err = r.ListSince(ctx, schema.KindFoodLog, t0.Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "a", recs[0].ID)

		recs, err = r.ListSince(ctx, schema.KindWeight, time.Time{})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

func TestRemote_StaleWriteIgnored(t *testing.T) {
	remotes(t, func(t *testing.T, r Remote, mem *Memory) {
		ctx := context.Background()
		require.NoError(t, r.Create(ctx, foodRecord(t, "a", t0.Add(time.Hour), 500)))
		require.NoError(t, r.Update(ctx, foodRecord(t, "a", t0, 100)))

		rec, ok := mem.Get(schema.KindFoodLog, "a")
		require.True(t, ok)
		e, err := rec.FoodLog()
		require.NoError(t, err)
		assert.Equal(t, 500, e.Calories)
	})
}

func TestRemote_CreateIsIdempotent(t *testing.T) {
	remotes(t, func(t *testing.T, r Remote, mem *Memory) {
		ctx := context.Background()
		rec := foodRecord(t, "a", t0, 100)
		require.NoError(t, r.Create(ctx, rec))
		require.NoError(t, r.Create(ctx, rec))
		assert.Equal(t, 1, mem.Len(schema.KindFoodLog))
	})
}

func TestRemote_DeleteKeepsTombstone(t *testing.T) {
	remotes(t, func(t *testing.T, r Remote, mem *Memory) {
		ctx := context.Background()
		require.NoError(t, r.Create(ctx, foodRecord(t, "a", t0, 100)))
		require.NoError(t, r.Delete(ctx, schema.Tombstone(schema.KindFoodLog, "a", "u1", t0.Add(time.Minute))))
		// Unknown ids delete fine.
		require.NoError(t, r.Delete(ctx, schema.Tombstone(schema.KindFoodLog, "zzz", "u1", t0)))

		assert.Equal(t, 0, mem.Len(schema.KindFoodLog))
		recs, err := r.ListSince(ctx, schema.KindFoodLog, t0.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.True(t, recs[0].Deleted)
		assert.Equal(t, "a", recs[0].ID)
	})
}

func TestRemote_Offline(t *testing.T) {
	remotes(t, func(t *testing.T, r Remote, mem *Memory) {
		ctx := context.Background()
		mem.SetOnline(false)

		assert.True(t, IsUnavailable(r.Ping(ctx)))
		assert.True(t, IsUnavailable(r.Create(ctx, foodRecord(t, "a", t0, 100))))
		_, err := r.ListSince(ctx, schema.KindFoodLog, time.Time{})
		assert.True(t, IsUnavailable(err))

		mem.SetOnline(true)
		require.NoError(t, r.Ping(ctx))
	})
}

func TestRemote_InvalidRecordRejected(t *testing.T) {
	remotes(t, func(t *testing.T, r Remote, mem *Memory) {
		rec := foodRecord(t, "a", t0, 100)
		rec.LastModified = time.Time{}
		err := r.Create(context.Background(), rec)
		require.Error(t, err)
		assert.False(t, IsUnavailable(err))
	})
}

func TestHTTPClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(url, WithTimeout(time.Second))
	assert.True(t, IsUnavailable(c.Ping(context.Background())))
}

func TestHTTPClient_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPClient(srv.URL).Create(context.Background(), foodRecord(t, "a", t0, 1))
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Contains(t, err.Error(), "database down")
}

func TestHandler_RejectsBadToken(t *testing.T) {
	srv := httptest.NewServer(NewHandler(NewMemory(), "secret"))
	defer srv.Close()

	err := NewHTTPClient(srv.URL, WithToken("wrong")).Ping(context.Background())
	require.Error(t, err)
	assert.False(t, IsUnavailable(err))
	assert.Contains(t, err.Error(), "401")
}

func TestHandler_RouteMismatch(t *testing.T) {
	mem := NewMemory()
	srv := httptest.NewServer(NewHandler(mem, ""))
	defer srv.Close()

	body, err := json.Marshal(foodRecord(t, "a", t0, 1))
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/records/weight/a", bytes.NewReader(body))
	require.NoError(t, err)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, mem.Calls().Update)
}
