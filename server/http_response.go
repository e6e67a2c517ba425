package server

import (
	"encoding/json"
	"net/http"
)

// HTTPResponse is a response computed by the flow before anything is written,
// so cookies collected along the way can be attached on every outcome.
type HTTPResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	cookies    []*http.Cookie
}

func redirectResponse(location string) *HTTPResponse {
	h := http.Header{}
	h.Set("Location", location)
	h.Set("Cache-Control", "no-store")
	return &HTTPResponse{StatusCode: http.StatusSeeOther, Header: h}
}

func htmlResponse(status int, body []byte) *HTTPResponse {
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return &HTTPResponse{StatusCode: status, Header: h, Body: body}
}

// SetCookie queues a cookie for Write.
func (resp *HTTPResponse) SetCookie(cookies ...*http.Cookie) {
	for _, c := range cookies {
		if c != nil {
			resp.cookies = append(resp.cookies, c)
		}
	}
}

// Cookies returns the queued cookies.
func (resp *HTTPResponse) Cookies() []*http.Cookie {
	return resp.cookies
}

// Location returns the redirect target, if any.
func (resp *HTTPResponse) Location() string {
	return resp.Header.Get("Location")
}

func (resp *HTTPResponse) Write(w http.ResponseWriter) {
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	for _, c := range resp.cookies {
		http.SetCookie(w, c)
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
