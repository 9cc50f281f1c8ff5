package handler

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query string
		want  PaginationParams
	}{
		{"", PaginationParams{Limit: DefaultLimit, Offset: 0}},
		{"?limit=10&offset=5", PaginationParams{Limit: 10, Offset: 5}},
		{"?limit=1000", PaginationParams{Limit: DefaultLimit, Offset: 0}},
		{"?limit=-1&offset=-3", PaginationParams{Limit: DefaultLimit, Offset: 0}},
		{"?limit=abc", PaginationParams{Limit: DefaultLimit, Offset: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/sessions"+tt.query, nil)
			assert.Equal(t, tt.want, ParsePagination(req))
		})
	}
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	assert.Equal(t, []int{1, 2}, paginate(items, PaginationParams{Limit: 2}))
	assert.Equal(t, []int{4, 5}, paginate(items, PaginationParams{Limit: 10, Offset: 3}))
	assert.Equal(t, []int{}, paginate(items, PaginationParams{Limit: 2, Offset: 9}))
}
