package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSplitAndTrim(t *testing.T) {
	assert.Nil(t, SplitAndTrim("  "))
	assert.Equal(t, []string{"central", "norte", "sur"}, SplitAndTrim(" central, norte ,,sur"))
}

func TestUniqueSlice(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, UniqueSlice([]string{"a", "b", "a"}))
}

func TestEnvReaders(t *testing.T) {
	t.Setenv("X_STRING", "  value ")
	t.Setenv("X_INT", "12")
	t.Setenv("X_BAD_INT", "twelve")
	t.Setenv("X_BOOL", "Yes")
	t.Setenv("X_SECONDS", "-3")

	assert.Equal(t, "value", EnvString("X_STRING", "def"))
	assert.Equal(t, "def", EnvString("X_MISSING", "def"))
	assert.Equal(t, 12, EnvInt("X_INT", 1))
	assert.Equal(t, 1, EnvInt("X_BAD_INT", 1))
	assert.True(t, EnvBool("X_BOOL", false))
	assert.True(t, EnvBool("X_MISSING", true))
	assert.Equal(t, 5*time.Second, EnvSeconds("X_SECONDS", 5*time.Second))
}

func TestProcessValidationErrors(t *testing.T) {
	type payload struct {
		Name string `validate:"required"`
	}
	out := ProcessValidationErrors(ValidateStruct(payload{}))
	assert.Equal(t, map[string]string{"Name": "required"}, out)

	out = ProcessValidationErrors(errors.New("boom"))
	assert.Equal(t, map[string]string{"error": "boom"}, out)
}

func TestLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, logrus.Fields{"field": "upstream"}, LogFields(ctx, "upstream"))

	ctx = SetCorrelationIdInContext(ctx, "c-1")
	ctx = SetRequestKindInContext(ctx, "sync.sales")
	ctx = SetNodeInContext(ctx, "central")
	ctx = SetTargetInContext(ctx, "branch-7")
	assert.Equal(t, logrus.Fields{
		"field":          "fetcher",
		"correlation_id": "c-1",
		"kind":           "sync.sales",
		"node":           "central",
		"target":         "branch-7",
	}, LogFields(ctx, "fetcher"))
}
