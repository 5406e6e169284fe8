// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package failures

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

type recorder struct {
	calls []string
}

func (r *recorder) handle(v json.RawMessage) error {
	if v == nil {
		r.calls = append(r.calls, "nil")
	} else {
		r.calls = append(r.calls, string(v))
	}
	return nil
}

func setup(t *testing.T) (*httptest.Server, *recorder, *recorder) {
	s := New()
	drop, delay := &recorder{}, &recorder{}
	if err := s.Register("drop", drop.handle); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("delay", delay.handle); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("drop", drop.handle); err == nil {
		t.Fatalf("duplicate key registered")
	}
	return httptest.NewServer(s), drop, delay
}

func post(t *testing.T, url, body string) int {
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %s", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func get(t *testing.T, url string) map[string]interface{} {
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET failed: %s", err)
	}
	defer resp.Body.Close()
	b, _ := ioutil.ReadAll(resp.Body)
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("bad JSON %q: %s", b, err)
	}
	return m
}

func TestPostAndReset(t *testing.T) {
	srv, drop, delay := setup(t)
	defer srv.Close()

	if m := get(t, srv.URL); m["drop"] != nil || m["delay"] != nil || len(m) != 2 {
		t.Fatalf("unexpected initial config %v", m)
	}

	if code := post(t, srv.URL, `{"drop": {"Book": 7}}`); code != http.StatusOK {
		t.Fatalf("post failed with %d", code)
	}
	if !reflect.DeepEqual(drop.calls, []string{`{"Book": 7}`}) || len(delay.calls) != 0 {
		t.Fatalf("unexpected calls %v %v", drop.calls, delay.calls)
	}
	if m := get(t, srv.URL); m["drop"] == nil {
		t.Fatalf("config not stored: %v", m)
	}

	// Missing keys are reset.
	post(t, srv.URL, `{}`)
	if !reflect.DeepEqual(drop.calls, []string{`{"Book": 7}`, "nil"}) || len(delay.calls) != 0 {
		t.Fatalf("unexpected calls after reset %v %v", drop.calls, delay.calls)
	}
}

func TestPostInvalid(t *testing.T) {
	srv, drop, _ := setup(t)
	defer srv.Close()
	if code := post(t, srv.URL, `{"bogus": 1}`); code != http.StatusBadRequest {
		t.Fatalf("unregistered key accepted: %d", code)
	}
	if code := post(t, srv.URL, `{"drop": `); code != http.StatusBadRequest {
		t.Fatalf("bad JSON accepted: %d", code)
	}
	if len(drop.calls) != 0 {
		t.Fatalf("handler called for a rejected update")
	}
}
