package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/sweater-ventures/courier/db"
	"github.com/sweater-ventures/courier/testutil"
)

func TestRegisterDevice(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	courier := testutil.NewTestApp(mockDB)

	mockDB.On("UpsertDevice", mock.Anything, mock.MatchedBy(func(p db.UpsertDeviceParams) bool {
		return p.Token == "tok-1" && p.Name == "pixel" && p.Platform == "android"
	})).Return(testutil.NewDevice(func(d *db.Device) {
		d.Token = "tok-1"
		d.Name = "pixel"
	}), nil)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/devices", map[string]any{"name": "pixel", "token": "tok-1"})
	rec := callHandler(t, courier, registerDeviceHandler, req)

	var resp DeviceResponse
	testutil.AssertJSONResponse(t, rec, http.StatusOK, &resp)
	assert.Equal(t, "tok-1", resp.Token)
	assert.Equal(t, "pixel", resp.Name)
	mockDB.AssertExpectations(t)
}

func TestRegisterDevice_MissingToken(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	courier := testutil.NewTestApp(mockDB)

	req := testutil.NewJSONRequest(t, http.MethodPost, "/devices", map[string]any{"name": "pixel"})
	testutil.AssertJSONError(t, callHandler(t, courier, registerDeviceHandler, req), http.StatusBadRequest, "token is required")
}

func TestListDevices(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	courier := testutil.NewTestApp(mockDB)

	mockDB.On("ListDevices", mock.Anything).Return([]db.Device{testutil.NewDevice()}, nil)

	var resp []DeviceResponse
	testutil.AssertJSONResponse(t, callHandler(t, courier, listDevicesHandler, httptest.NewRequest(http.MethodGet, "/devices", nil)), http.StatusOK, &resp)
	assert.Len(t, resp, 1)
}

func TestDeleteDevice(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	courier := testutil.NewTestApp(mockDB)

	mockDB.On("DeleteDeviceByToken", mock.Anything, "tok-9").Return(nil)

	req := httptest.NewRequest(http.MethodDelete, "/devices/tok-9", nil)
	req.SetPathValue("token", "tok-9")
	rec := callHandler(t, courier, deleteDeviceHandler, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	mockDB.AssertExpectations(t)
}

func TestDeleteDevice_DBError(t *testing.T) {
	mockDB := new(testutil.MockQuerier)
	courier := testutil.NewTestApp(mockDB)

	mockDB.On("DeleteDeviceByToken", mock.Anything, "tok-9").Return(errors.New("boom"))

	req := httptest.NewRequest(http.MethodDelete, "/devices/tok-9", nil)
	req.SetPathValue("token", "tok-9")
	testutil.AssertJSONError(t, callHandler(t, courier, deleteDeviceHandler, req), http.StatusInternalServerError, "internal error")
}
