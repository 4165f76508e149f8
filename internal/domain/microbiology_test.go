package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bactdb/internal/domain"
)

func TestRequiredColumns(t *testing.T) {
	assert.Len(t, domain.RequiredColumns, len(domain.RawColumns)-1)
	assert.NotContains(t, domain.RequiredColumns, domain.ColUnnamed19)

	grown := append(domain.RequiredColumns, "campus_code")
	assert.Equal(t, "campus_code", grown[len(grown)-1])
	assert.Equal(t, domain.ColUnnamed19, domain.RawColumns[len(domain.RawColumns)-1], "appending never writes into RawColumns")
}
