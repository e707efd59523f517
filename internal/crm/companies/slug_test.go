package companies

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	assert.Equal(t, "acme-corp", Slugify("Acme Corp."))
	assert.Equal(t, "cafe-creme", Slugify("Café  Crème"))
	assert.Equal(t, "a-b-c", Slugify(" a_b - c "))
	assert.Equal(t, "", Slugify("!!!"))
	assert.Equal(t, "", Slugify("東京"))
}

func TestNextFreeSlug(t *testing.T) {
	assert.Equal(t, "acme", NextFreeSlug("acme", nil))
	assert.Equal(t, "acme-2", NextFreeSlug("acme", []string{"acme"}))
	assert.Equal(t, "acme-4", NextFreeSlug("acme", []string{"acme", "acme-2", "acme-3"}))
	assert.Equal(t, "company", NextFreeSlug("", []string{"other"}))
	assert.Equal(t, "company-2", NextFreeSlug("", []string{"company"}))
}
