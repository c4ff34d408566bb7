package shared

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttributes_Get(t *testing.T) {
	attrs := Attributes{
		"name":  "Espresso",
		"stock": 12,
		"role":  map[string]any{"name": "admin"},
		"empty": "",
		"nil":   nil,
	}

	t.Run("top level field", func(t *testing.T) {
		v, ok := attrs.GetString("name")
		assert.True(t, ok)
		assert.Equal(t, "Espresso", v)
	})

	t.Run("dotted path", func(t *testing.T) {
		v, ok := attrs.GetString("role.name")
		assert.True(t, ok)
		assert.Equal(t, "admin", v)
	})

	t.Run("numbers are rendered", func(t *testing.T) {
		v, ok := attrs.GetString("stock")
		assert.True(t, ok)
		assert.Equal(t, "12", v)
	})

	t.Run("missing and empty values", func(t *testing.T) {
		for _, path := range []string{"missing", "role.missing", "name.deeper", "empty", "nil", ""} {
			_, ok := attrs.GetString(path)
			assert.False(t, ok, path)
		}
	})
}

func TestEntityRef(t *testing.T) {
	ref := NewEntityRef("Task", "42")
	assert.Equal(t, "Task#42", ref.String())
	assert.NoError(t, ref.Validate())
	assert.False(t, ref.IsZero())
	assert.True(t, EntityRef{}.IsZero())
	assert.True(t, errors.Is(EntityRef{Kind: "Task"}.Validate(), ErrInvalidInput))
	assert.True(t, errors.Is(EntityRef{ID: "1"}.Validate(), ErrInvalidInput))
}

func TestPage_Normalize(t *testing.T) {
	p := Page{}.Normalize(20, 100)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 20, p.PageSize)
	assert.Equal(t, 0, p.Offset())

	p = Page{Page: 3, PageSize: 500}.Normalize(20, 100)
	assert.Equal(t, 100, p.PageSize)
	assert.Equal(t, 200, p.Offset())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrSequenceContention))
	assert.True(t, IsRetryable(errors.Join(errors.New("ctx"), ErrConcurrencyConflict)))
	assert.False(t, IsRetryable(ErrConfig))
	assert.False(t, IsRetryable(nil))
}

func TestNewPaginated(t *testing.T) {
	p := NewPaginated([]int{1, 2}, 5, 1, 2)
	assert.Equal(t, 3, p.TotalPages)
	assert.Equal(t, 0, NewPaginated([]int{}, 5, 1, 0).TotalPages)
}
