package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-layers/internal/arrowio"
	"github.com/23skdu/longbow-layers/internal/engine"
	"github.com/23skdu/longbow-layers/internal/layers"
	"github.com/23skdu/longbow-layers/internal/sink"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Write(rec arrow.RecordBatch) error {
	args := m.Called(rec)
	return args.Error(0)
}

func newTestServer(t *testing.T, caps engine.Capabilities, format arrowio.Format, out sink.Writer) *Server {
	t.Helper()
	reg, err := layers.NewRegistry(caps)
	require.NoError(t, err)
	return NewServer(reg, format, 4, out)
}

func postForward(t *testing.T, srv *Server, req ForwardRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := cbor.Marshal(req)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/forward", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, r)
	return rr
}

func TestServer_Forward(t *testing.T) {
	ms := &mockSink{}
	ms.On("Write", mock.MatchedBy(func(rec arrow.RecordBatch) bool { return rec.NumRows() == 3 })).Return(nil).Once()
	srv := newTestServer(t, engine.ReferenceAndAccelerated(), arrowio.FP32, ms)

	rr := postForward(t, srv, ForwardRequest{Op: OpSpec{
		Name:  "split",
		Type:  "Slice",
		Input: []int{2, 6, 1, 1},
		Slice: &SliceSpec{SlicePoints: []int{2, 4}},
	}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))

	var resp ForwardResponse
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "Slice", resp.Type)
	assert.Equal(t, "reference", resp.Engine)
	require.Len(t, resp.Tops, 3)
	assert.Equal(t, []int{2, 2, 1, 1}, resp.Tops[1].Shape)
	assert.Equal(t, []float32{2, 3, 8, 9}, resp.Tops[1].Data)
	assert.Nil(t, resp.BottomDiff)
	ms.AssertExpectations(t)
}

func TestServer_ForwardFP16Compare(t *testing.T) {
	srv := newTestServer(t, engine.ReferenceAndAccelerated(), arrowio.FP16, nil)

	rr := postForward(t, srv, ForwardRequest{
		Op: OpSpec{
			Type:     "Softmax",
			Input:    []int{2, 3},
			Data:     []float32{0, 0, 0, 1, 2, 3},
			Backward: true,
		},
		Compare: true,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp ForwardResponse
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "accelerated", resp.Engine)
	require.Len(t, resp.Tops, 1)
	assert.Empty(t, resp.Tops[0].Data)
	require.Len(t, resp.Tops[0].DataFP16, 6)
	assert.InDelta(t, 1.0/3, float16.Frombits(resp.Tops[0].DataFP16[0]).Float32(), 1e-3)
	require.NotNil(t, resp.BottomDiff)
	require.NotNil(t, resp.MaxDiff)
	assert.Less(t, *resp.MaxDiff, 1e-4)
}

func TestServer_Errors(t *testing.T) {
	srv := newTestServer(t, engine.ReferenceOnly(), arrowio.FP32, nil)

	tests := []struct {
		name string
		op   OpSpec
		code int
	}{
		{name: "unknown type", op: OpSpec{Type: "Deconvolution", Input: []int{1}}, code: http.StatusBadRequest},
		{name: "accelerated unavailable", op: OpSpec{Type: "ReLU", Engine: "accelerated", Input: []int{1}}, code: http.StatusBadRequest},
		{name: "indivisible slice", op: OpSpec{Type: "Slice", NumTops: 2, Input: []int{2, 9}}, code: http.StatusBadRequest},
		{name: "oversized input", op: OpSpec{Type: "ReLU", Input: []int{100000, 100000}}, code: http.StatusBadRequest},
		{name: "axis out of range", op: OpSpec{Type: "Slice", NumTops: 2, Input: []int{4}, Slice: &SliceSpec{Axis: intPtr(1)}}, code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postForward(t, srv, ForwardRequest{Op: tt.op})
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
		})
	}

	r := httptest.NewRequest(http.MethodPost, "/forward", bytes.NewReader([]byte{0xff, 0x00}))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, r)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	r = httptest.NewRequest(http.MethodGet, "/forward", nil)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, r)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestServer_TypesAndHealth(t *testing.T) {
	srv := newTestServer(t, engine.ReferenceOnly(), arrowio.FP32, nil)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/types", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var types []string
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &types))
	assert.Contains(t, types, "Slice")
	assert.Len(t, types, 8)

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func intPtr(v int) *int { return &v }
