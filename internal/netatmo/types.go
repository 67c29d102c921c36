package netatmo

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNoToken = errors.New("netatmo: no oauth token (run `atmobot authorize`)")

// APIError is a failure reported by the API envelope or an HTTP status.
type APIError struct {
	Code    int
	Message string
	Status  int
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("netatmo: api error %d: %s (http %d)", e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("netatmo: http %d: %s", e.Status, e.Message)
}

type envelope struct {
	Status     string          `json:"status"`
	TimeServer int64           `json:"time_server"`
	Body       json.RawMessage `json:"body"`
	Error      *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type Place struct {
	Timezone string    `json:"timezone"`
	City     string    `json:"city"`
	Country  string    `json:"country"`
	Altitude float64   `json:"altitude"`
	Location []float64 `json:"location"`
}

// Device is a main station as returned by getstationsdata.
type Device struct {
	ID              string   `json:"_id"`
	StationName     string   `json:"station_name"`
	ModuleName      string   `json:"module_name"`
	Type            string   `json:"type"`
	DataType        []string `json:"data_type"`
	Place           Place    `json:"place"`
	ReadOnly        bool     `json:"read_only"`
	Favorite        bool     `json:"favorite"`
	DateSetup       int64    `json:"date_setup"`
	LastStatusStore int64    `json:"last_status_store"`
	Modules         []Module `json:"modules"`
}

type Module struct {
	ID          string   `json:"_id"`
	Type        string   `json:"type"`
	ModuleName  string   `json:"module_name"`
	DataType    []string `json:"data_type"`
	DateSetup   int64    `json:"date_setup"`
	LastMessage int64    `json:"last_message"`
	LastSeen    int64    `json:"last_seen"`
	Battery     int      `json:"battery_percent"`
}

type stationsBody struct {
	Devices []Device `json:"devices"`
}

// MeasureRequest asks for raw ("max" scale) measurements of one module.
type MeasureRequest struct {
	DeviceID string
	// ModuleID may be empty (or equal to DeviceID) for the main station.
	ModuleID  string
	Types     []string
	DateBegin time.Time
	DateEnd   time.Time
	// Limit caps the number of points, at most MaxMeasureLimit.
	Limit int
}

// MaxMeasureLimit is the server-side page size of getmeasure.
const MaxMeasureLimit = 1024

// MeasurePoint holds one timestamp. Values follow MeasureRequest.Types; a nil
// entry is a missing value.
type MeasurePoint struct {
	Time   time.Time
	Values []*float64
}
