package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-terminal/internal/common"
	"github.com/noah-isme/pos-terminal/internal/events"
	"github.com/noah-isme/pos-terminal/internal/finalize"
	"github.com/noah-isme/pos-terminal/internal/payment"
)

type apiError struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func newAPI(t *testing.T, f *fixture) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	bus := &events.Bus{Store: events.RedisJournal{R: rdb}}
	h := &payment.Handler{
		Ctrl:       f.ctrl,
		Validate:   common.NewValidator(),
		Events:     events.RedisJournal{R: rdb},
		Logger:     zerolog.Nop(),
		Idempotent: common.Idem{R: rdb}.Middleware,
	}
	_, err := bus.Emit(context.Background(), events.TopicSessionStarted, "sess-0", map[string]string{"orderId": "ord-0"})
	require.NoError(t, err)

	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestHandlersCashFlow(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)

	rec := do(t, api, http.MethodGet, "/session", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NO_SESSION", decodeErr(t, rec).Error.Code)

	rec = do(t, api, http.MethodPost, "/session", `{"orderId":"ord-20","subtotal":"20"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, api, http.MethodPost, "/session/navigate", `{"view":"Cash"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap payment.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.True(t, snap.CurrentStepAmount.Equal(dec("22")))

	rec = do(t, api, http.MethodPost, "/session/cash", `{"tendered":"21"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, common.CodeValidation, decodeErr(t, rec).Error.Code)

	rec = do(t, api, http.MethodPost, "/session/cash", `{"tendered":"25"}`, "Idempotency-Key", "tap-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out payment.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out.Completed)
	require.True(t, out.Change.Equal(dec("3")))

	rec = do(t, api, http.MethodPost, "/session/cash", `{"tendered":"25"}`, "Idempotency-Key", "tap-1")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "IDEMPOTENT_REPLAY", decodeErr(t, rec).Error.Code)
	require.Len(t, f.fin.calls(), 1)
}

func TestHandlersValidation(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)

	rec := do(t, api, http.MethodPost, "/session", `{"orderId":"ord-1","subtotal":"0"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	e := decodeErr(t, rec)
	require.Equal(t, common.CodeValidation, e.Error.Code)
	require.Contains(t, string(e.Error.Details), "subtotal")

	rec = do(t, api, http.MethodPost, "/session", `{"orderId":"ord-1","subtotal":"10","extra":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, api, http.MethodPost, "/session", `{"orderId":"ord-1","subtotal":"10"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, api, http.MethodPost, "/session/navigate", `{"view":"Rewards"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, api, http.MethodPost, "/session/navigate", `{"view":"Split"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, api, http.MethodPost, "/session/split", `{"mode":"custom","customAmount":"0"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, api, http.MethodPost, "/session/card/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "INVALID_TRANSITION", decodeErr(t, rec).Error.Code)

	rec = do(t, api, http.MethodPost, "/session/finalize", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlersFinalizationErrors(t *testing.T) {
	f := newFixture(t)
	f.fin.errs = []error{
		&finalize.Error{Kind: finalize.KindTransient, Message: "upstream 503"},
		&finalize.Error{Kind: finalize.KindRejected, Message: "order not found"},
	}
	api := newAPI(t, f)
	require.Equal(t, http.StatusCreated, do(t, api, http.MethodPost, "/session", `{"orderId":"ord-20","subtotal":"20"}`).Code)
	require.Equal(t, http.StatusOK, do(t, api, http.MethodPost, "/session/navigate", `{"view":"Cash"}`).Code)

	rec := do(t, api, http.MethodPost, "/session/cash", `{"tendered":"22"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	e := decodeErr(t, rec)
	require.Equal(t, "FINALIZATION_RETRY", e.Error.Code)
	require.Contains(t, string(e.Error.Details), "transaction")

	rec = do(t, api, http.MethodPost, "/session/finalize", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "FINALIZATION_REJECTED", decodeErr(t, rec).Error.Code)

	rec = do(t, api, http.MethodPost, "/session/finalize", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, api, http.MethodDelete, "/session", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlersRecentEvents(t *testing.T) {
	f := newFixture(t)
	api := newAPI(t, f)

	rec := do(t, api, http.MethodGet, "/session/events?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data  []events.Event `json:"data"`
		Count int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	require.Equal(t, events.TopicSessionStarted, body.Data[0].Topic)

	rec = do(t, api, http.MethodGet, "/session/events?limit=0", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
