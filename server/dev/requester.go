package dev

import (
	"context"
	"net/http"
)

type dashboardsRequester interface {
	DoRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error)
}
