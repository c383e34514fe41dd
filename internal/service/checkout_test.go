package service

import (
	"encoding/json"
	"testing"

	"checkout-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateTotal(t *testing.T) {
	items := []LineItemRequest{
		{VariantID: 1, Quantity: 2},
		{VariantID: 2, Quantity: 1},
	}

	variants := map[int64]*models.Variant{
		1: {ID: 1, Price: 129900},
		2: {ID: 2, Price: 49900},
	}

	total := calculateTotal(items, variants)
	assert.Equal(t, int64(2*129900+49900), total)
}

func TestSerializeAttributes(t *testing.T) {
	assert.Equal(t, "{}", serializeAttributes(nil))
	assert.Equal(t, "{}", serializeAttributes(map[string]string{}))

	raw := serializeAttributes(map[string]string{"color": "graphite", "storage": "256GB"})

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	assert.Equal(t, "graphite", decoded["color"])
	assert.Equal(t, "256GB", decoded["storage"])
}

func TestItemUnavailableError(t *testing.T) {
	err := &ItemUnavailableError{VariantID: 7}
	assert.Contains(t, err.Error(), "7")
}
