package common_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-terminal/internal/common"
)

type errEnvelope struct {
	Error common.ErrorBody `json:"error"`
}

func TestWriteErrorKeepsAppErrorStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	common.WriteError(rec, common.NewAppError("SESSION_ACTIVE", "busy", http.StatusConflict, nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	var body errEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "SESSION_ACTIVE", body.Error.Code)
	require.Equal(t, "busy", body.Error.Message)
}

func TestWriteErrorHidesUnknownErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	common.WriteError(rec, errors.New("redis: connection refused at 10.0.0.3"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "10.0.0.3")
	require.Contains(t, rec.Body.String(), common.CodeInternal)
}

type tenderReq struct {
	Tendered decimal.Decimal `json:"tendered" validate:"dgt=0"`
	Tip      decimal.Decimal `json:"tip" validate:"dgte=0"`
	Note     string          `json:"note" validate:"omitempty,max=8"`
}

func decodeTender(body string) (tenderReq, error) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	var dst tenderReq
	err := common.DecodeJSON(req, common.NewValidator(), &dst)
	return dst, err
}

func TestDecodeJSONValidatesDecimals(t *testing.T) {
	got, err := decodeTender(`{"tendered":"25.00","tip":"0"}`)
	require.NoError(t, err)
	require.True(t, got.Tendered.Equal(decimal.NewFromInt(25)))

	_, err = decodeTender(`{"tendered":"0","tip":"-1"}`)
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, http.StatusUnprocessableEntity, appErr.HTTPStatus)
	fields, ok := appErr.Details.([]common.FieldError)
	require.True(t, ok)
	require.Len(t, fields, 2)
	require.Equal(t, "tendered", fields[0].Field)
	require.Equal(t, "dgt", fields[0].Rule)
	require.Equal(t, "tip", fields[1].Field)
}

func TestDecodeJSONRejectsMalformedBodies(t *testing.T) {
	for _, body := range []string{`{"tendered":`, `{"tendered":"1","extra":1}`, `{"tendered":"abc"}`} {
		_, err := decodeTender(body)
		var appErr *common.AppError
		require.ErrorAs(t, err, &appErr, body)
		require.Equal(t, http.StatusBadRequest, appErr.HTTPStatus, body)
	}
	_, err := decodeTender(`{"tendered":"1","note":"much too long"}`)
	require.True(t, common.IsAppError(err))
}

func TestIdempotencyRejectsReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	calls := 0
	h := common.Idem{R: rdb}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	send := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/session/cash", nil)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, send("k1"))
	require.Equal(t, http.StatusConflict, send("k1"))
	require.Equal(t, http.StatusOK, send("k2"))
	require.Equal(t, http.StatusOK, send(""))
	require.Equal(t, http.StatusOK, send(""))
	require.Equal(t, 4, calls)
}

func TestAtoiDefault(t *testing.T) {
	require.Equal(t, 50, common.AtoiDefault("", 50))
	require.Equal(t, 50, common.AtoiDefault("x", 50))
	require.Equal(t, 7, common.AtoiDefault("7", 50))
}
