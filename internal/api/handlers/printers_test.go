package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPrintersRouter(fleet *fakeFleet, audit AuditStore) *gin.Engine {
	r := gin.New()
	NewPrinterHandler(fleet, audit).RegisterRoutes(r.Group("/api"))
	return r
}

func TestListPrinters(t *testing.T) {
	r := newPrintersRouter(newFakeFleet("P2", "P1"), nil)

	w := do(r, http.MethodGet, "/api/printers", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var printers []PrinterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &printers))
	require.Len(t, printers, 2)
	assert.Equal(t, "P1", printers[0].Name)
	assert.True(t, printers[0].Online)
	assert.Nil(t, printers[0].LastSeen)
}

func TestGetPrinter_NotFound(t *testing.T) {
	r := newPrintersRouter(newFakeFleet("P1"), nil)

	w := do(r, http.MethodGet, "/api/printers/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "printer_not_found", resp.Error)
}

func TestUpdatePrinterStatus(t *testing.T) {
	fleet := newFakeFleet("P1")
	audit := &fakeAudit{}
	r := newPrintersRouter(fleet, audit)

	w := do(r, http.MethodPut, "/api/printers/P1/status", strings.NewReader(`{"online":false}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var p PrinterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.False(t, p.Online)
	assert.Equal(t, 0, fleet.OnlineCount())
	assert.Equal(t, []string{"set_status"}, audit.actions())
	assert.Contains(t, audit.logs[0].DetailsJSON, `"actor":"anonymous"`)

	w = do(r, http.MethodPut, "/api/printers/P9/status", strings.NewReader(`{"online":true}`), "application/json")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPut, "/api/printers/P1/status", strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDiscoverPrinters(t *testing.T) {
	audit := &fakeAudit{}
	r := newPrintersRouter(newFakeFleet("P1", "P2"), audit)

	w := do(r, http.MethodPost, "/api/printers/discover", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var printers []PrinterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &printers))
	assert.Len(t, printers, 2)
	assert.Equal(t, []string{"discover"}, audit.actions())
}
