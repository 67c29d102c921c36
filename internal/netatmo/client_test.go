package netatmo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type fakeAPI struct {
	srv       *httptest.Server
	tokenHits atomic.Int32
	lastForm  atomic.Value // url.Values
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenHits.Add(1)
		_ = r.ParseForm()
		if r.Form.Get("grant_type") == "password" && r.Form.Get("password") != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":10800}`))
	})
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer at-1" {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":{"code":3,"message":"Access token expired"}}`))
				return
			}
			_ = r.ParseForm()
			f.lastForm.Store(r.Form)
			next(w, r)
		}
	}
	mux.HandleFunc("/api/getstationsdata", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","body":{"devices":[
			{"_id":"70:ee:50:00:00:01","station_name":"Home","module_name":"Indoor","type":"NAMain",
			 "data_type":["Temperature","CO2","Humidity","Noise","Pressure"],"place":{"timezone":"Europe/Paris"},
			 "modules":[{"_id":"02:00:00:00:00:01","type":"NAModule1","module_name":"Outdoor","data_type":["Temperature","Humidity"]}]}
		]}}`))
	}))
	mux.HandleFunc("/api/getmeasure", auth(func(w http.ResponseWriter, r *http.Request) {
		if r.Form.Get("device_id") == "bad" {
			_, _ = w.Write([]byte(`{"error":{"code":9,"message":"Device not found"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","body":{"1700000600":[21.5,null],"1700000300":[21.0,40]}}`))
	}))
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func newTestClient(t *testing.T, f *fakeAPI, tokenFile string) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:      f.srv.URL,
		ClientID:     "id",
		ClientSecret: "sec",
		TokenFile:    tokenFile,
		HTTPClient:   f.srv.Client(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{TokenFile: "x"}); err == nil {
		t.Fatal("expected error without credentials")
	}
	if _, err := New(Config{ClientID: "a", ClientSecret: "b"}); err == nil {
		t.Fatal("expected error without token file")
	}
}

func TestCallsWithoutTokenFail(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, filepath.Join(t.TempDir(), "token.json"))
	if c.HasToken() {
		t.Fatal("no token expected")
	}
	if _, err := c.StationsData(context.Background(), false); !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
}

func TestAuthorizeAndStations(t *testing.T) {
	f := newFakeAPI(t)
	tokenFile := filepath.Join(t.TempDir(), "sub", "token.json")
	c := newTestClient(t, f, tokenFile)

	if err := c.Authorize(context.Background(), "me", "wrong"); err == nil {
		t.Fatal("expected authorize failure")
	}
	if err := c.Authorize(context.Background(), "me", "secret"); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	info, err := os.Stat(tokenFile)
	if err != nil {
		t.Fatalf("token file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode = %v", info.Mode().Perm())
	}

	devs, err := c.StationsData(context.Background(), true)
	if err != nil {
		t.Fatalf("StationsData: %v", err)
	}
	if len(devs) != 1 || devs[0].Place.Timezone != "Europe/Paris" || len(devs[0].Modules) != 1 {
		t.Fatalf("devices = %+v", devs)
	}
	if got := f.lastForm.Load().(url.Values)["get_favorites"]; len(got) != 1 || got[0] != "true" {
		t.Fatalf("get_favorites = %v", got)
	}

	// A second client picks the persisted token up without authorizing.
	c2 := newTestClient(t, f, tokenFile)
	if !c2.HasToken() {
		t.Fatal("expected token loaded from file")
	}
}

func TestMeasure(t *testing.T) {
	f := newFakeAPI(t)
	c := newTestClient(t, f, filepath.Join(t.TempDir(), "token.json"))
	if err := c.Authorize(context.Background(), "me", "secret"); err != nil {
		t.Fatal(err)
	}

	pts, err := c.Measure(context.Background(), MeasureRequest{
		DeviceID:  "70:ee:50:00:00:01",
		ModuleID:  "02:00:00:00:00:01",
		Types:     []string{"Temperature", "Humidity"},
		DateBegin: time.Unix(1700000000, 0),
		Limit:     5000,
	})
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if len(pts) != 2 || !pts[0].Time.Before(pts[1].Time) {
		t.Fatalf("points = %+v", pts)
	}
	if *pts[0].Values[0] != 21.0 || pts[1].Values[1] != nil {
		t.Fatalf("values = %v / %v", pts[0].Values, pts[1].Values)
	}
	form := f.lastForm.Load().(url.Values)
	if form["limit"][0] != "1024" || form["type"][0] != "Temperature,Humidity" || form["module_id"][0] != "02:00:00:00:00:01" {
		t.Fatalf("form = %v", form)
	}

	_, err = c.Measure(context.Background(), MeasureRequest{DeviceID: "bad", Types: []string{"Rain"}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 9 {
		t.Fatalf("err = %v, want APIError code 9", err)
	}
}

func TestRequestIntervalPaces(t *testing.T) {
	f := newFakeAPI(t)
	c, err := New(Config{
		BaseURL:         f.srv.URL,
		ClientID:        "id",
		ClientSecret:    "sec",
		TokenFile:       filepath.Join(t.TempDir(), "token.json"),
		HTTPClient:      f.srv.Client(),
		RequestInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Authorize(context.Background(), "me", "secret"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := c.StationsData(context.Background(), false); err != nil {
			t.Fatal(err)
		}
	}
	if took := time.Since(start); took < 90*time.Millisecond {
		t.Fatalf("two paced requests took %v", took)
	}
}

func TestScopesDecode(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{in: `"read_station"`, want: []string{"read_station"}},
		{in: `["read_thermostat","read_station","read_station"]`, want: []string{"read_station", "read_thermostat"}},
		{in: `null`, want: nil},
		{in: `"read_everything"`, wantErr: true},
		{in: `42`, wantErr: true},
	}
	for _, tt := range tests {
		var s Scopes
		err := json.Unmarshal([]byte(tt.in), &s)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		got := s.Strings()
		if len(got) != len(tt.want) {
			t.Fatalf("%s: got %v want %v", tt.in, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("%s: got %v want %v", tt.in, got, tt.want)
			}
		}
	}
}

func TestLoadSecret(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "secret.yaml")
	if err := os.WriteFile(p, []byte("client_id: abc\nclient_secret: def\nusername: u\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvPassword, "pw")
	s, err := LoadSecret(p)
	if err != nil {
		t.Fatalf("LoadSecret: %v", err)
	}
	if s.ClientID != "abc" || s.Password != "pw" || !s.HasLogin() {
		t.Fatalf("secret = %+v", s)
	}

	if _, err := LoadSecret(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if err := os.WriteFile(p, []byte("client_id: abc\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSecret(p); err == nil {
		t.Fatal("expected error without client_secret")
	}
}
