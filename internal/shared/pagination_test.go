package shared

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPagination(t *testing.T) {
	p := NewPagination(0, 0, 45)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 20, p.PerPage)
	assert.Equal(t, 3, p.TotalPages)
}

func TestPageFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/drafts?page=3&per_page=10", nil)
	page, limit, offset := PageFromRequest(req)
	assert.Equal(t, 3, page)
	assert.Equal(t, 10, limit)
	assert.Equal(t, 20, offset)

	req = httptest.NewRequest("GET", "/drafts?per_page=5000", nil)
	_, limit, offset = PageFromRequest(req)
	assert.Equal(t, maxPerPage, limit)
	assert.Equal(t, 0, offset)
}
