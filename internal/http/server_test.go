package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/expreplay/internal/checkpoint"
	"github.com/cartridge/expreplay/internal/metrics"
	"github.com/cartridge/expreplay/internal/service"
	"github.com/cartridge/expreplay/internal/storage"
)

func newTestHandler(t *testing.T, memory storage.Memory, withCheckpoints bool) http.Handler {
	t.Helper()
	logger := zerolog.New(io.Discard)
	collector := metrics.NewCollector(logger)
	replay := service.NewReplayService(memory, collector, &logger)
	if withCheckpoints {
		store, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoints.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		replay.WithCheckpoints(store)
	}
	return NewServer(replay, collector, &logger).Routes()
}

func plainMemory(t *testing.T, limit int, allowDuplicates bool) storage.Memory {
	t.Helper()
	m, err := storage.NewExperienceReplay(storage.Transitions(limit), allowDuplicates)
	require.NoError(t, err)
	return m
}

func do(t *testing.T, h http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func decode[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
	return out
}

func storeRewards(t *testing.T, h http.Handler, rewards ...float64) service.StoreResult {
	t.Helper()
	transitions := make([]map[string]any, len(rewards))
	for i, r := range rewards {
		transitions[i] = map[string]any{"state": []byte{byte(i)}, "action": []byte{1}, "reward": r}
	}
	res := do(t, h, http.MethodPost, "/api/v1/transitions", map[string]any{"transitions": transitions})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	return decode[service.StoreResult](t, res)
}

func TestServer_StoreGetRemove(t *testing.T) {
	h := newTestHandler(t, plainMemory(t, 3, true), false)

	stored := storeRewards(t, h, 1, 2, 3, 4)
	assert.Len(t, stored.IDs, 4)
	assert.Equal(t, 3, stored.Length)

	res := do(t, h, http.MethodGet, "/api/v1/transitions/0", nil)
	require.Equal(t, http.StatusOK, res.Code)
	got := decode[storage.Transition](t, res)
	assert.Equal(t, stored.IDs[1], got.ID)
	assert.Equal(t, 2.0, got.Reward)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/transitions/3", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/transitions/abc", nil).Code)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/v1/transitions/10", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/v1/transitions/0", nil).Code)

	stats := decode[service.Stats](t, do(t, h, http.MethodGet, "/api/v1/stats", nil))
	assert.Equal(t, 2, stats.Length)
	assert.Equal(t, uint64(4), stats.TotalStored)
	require.NotNil(t, stats.MeanReward)
	assert.InDelta(t, 3.5, *stats.MeanReward, 1e-9)
}

func TestServer_StoreRejectsBadInput(t *testing.T) {
	h := newTestHandler(t, plainMemory(t, 0, true), false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transitions", bytes.NewBufferString("{not json"))
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, "/api/v1/transitions", map[string]any{"transitions": []any{}}).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/transitions", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "text/plain")
	res = httptest.NewRecorder()
	h.ServeHTTP(res, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, res.Code)
}

func TestServer_Sample(t *testing.T) {
	h := newTestHandler(t, plainMemory(t, 0, false), false)

	res := do(t, h, http.MethodPost, "/api/v1/sample", map[string]any{"batch_size": 2})
	assert.Equal(t, http.StatusConflict, res.Code)

	storeRewards(t, h, 1, 2, 3)

	res = do(t, h, http.MethodPost, "/api/v1/sample", map[string]any{"batch_size": 4})
	assert.Equal(t, http.StatusConflict, res.Code)

	res = do(t, h, http.MethodPost, "/api/v1/sample", map[string]any{"batch_size": -1})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = do(t, h, http.MethodPost, "/api/v1/sample", map[string]any{"batch_size": 3})
	require.Equal(t, http.StatusOK, res.Code)
	result := decode[service.SampleResult](t, res)
	assert.Len(t, result.Transitions, 3)
	assert.Equal(t, []float64{1, 1, 1}, result.Weights)
}

func TestServer_Priorities(t *testing.T) {
	h := newTestHandler(t, plainMemory(t, 0, true), false)
	res := do(t, h, http.MethodPost, "/api/v1/priorities", map[string]any{"indices": []int{0}, "priorities": []float64{1}})
	assert.Equal(t, http.StatusNotImplemented, res.Code)

	memory, err := storage.NewPrioritizedReplay(storage.DefaultPrioritizedConfig(storage.Transitions(0)))
	require.NoError(t, err)
	h = newTestHandler(t, memory, false)
	storeRewards(t, h, 1, 2)

	res = do(t, h, http.MethodPost, "/api/v1/sample", map[string]any{"batch_size": 2, "beta": 0.5})
	require.Equal(t, http.StatusOK, res.Code)
	result := decode[service.SampleResult](t, res)
	assert.Len(t, result.Indices, 2)

	res = do(t, h, http.MethodPost, "/api/v1/priorities", map[string]any{"indices": []int{0, 1, 5}, "priorities": []float64{2, 3, 4}})
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, map[string]int{"updated_count": 2}, decode[map[string]int](t, res))

	res = do(t, h, http.MethodPost, "/api/v1/priorities", map[string]any{"indices": []int{0}, "priorities": []float64{}})
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestServer_UpdateLastInfoAndClean(t *testing.T) {
	h := newTestHandler(t, plainMemory(t, 0, true), false)

	res := do(t, h, http.MethodPatch, "/api/v1/transitions/last/info", map[string]any{"td_error": 0.5})
	assert.Equal(t, http.StatusConflict, res.Code)

	storeRewards(t, h, 1, 2)
	res = do(t, h, http.MethodPatch, "/api/v1/transitions/last/info", map[string]any{"td_error": 0.5})
	require.Equal(t, http.StatusOK, res.Code)

	got := decode[storage.Transition](t, do(t, h, http.MethodGet, "/api/v1/transitions/1", nil))
	assert.Equal(t, 0.5, got.Info["td_error"])

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/api/v1/clean", nil).Code)
	stats := decode[service.Stats](t, do(t, h, http.MethodGet, "/api/v1/stats", nil))
	assert.Equal(t, 0, stats.Length)
	assert.Nil(t, stats.MeanReward)
}

func TestServer_Checkpoints(t *testing.T) {
	h := newTestHandler(t, plainMemory(t, 0, true), false)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/api/v1/checkpoints", nil).Code)

	h = newTestHandler(t, plainMemory(t, 0, true), true)
	storeRewards(t, h, 1, 2, 3)

	res := do(t, h, http.MethodPost, "/api/v1/checkpoints/snap", nil)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	record := decode[checkpoint.Record](t, res)
	assert.Equal(t, "snap", record.Name)
	assert.Equal(t, 3, record.Transitions)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodPost, "/api/v1/clean", nil).Code)

	res = do(t, h, http.MethodPost, "/api/v1/checkpoints/snap/restore", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, 3, decode[service.Stats](t, res).Length)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/checkpoints/missing/restore", nil).Code)

	list := decode[map[string][]checkpoint.Record](t, do(t, h, http.MethodGet, "/api/v1/checkpoints", nil))
	require.Len(t, list["checkpoints"], 1)
	assert.Equal(t, "snap", list["checkpoints"][0].Name)
}

func TestServer_Healthz(t *testing.T) {
	h := newTestHandler(t, plainMemory(t, 0, true), false)

	res := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.NotEmpty(t, res.Header().Get("X-Correlation-ID"))
}
