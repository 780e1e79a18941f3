package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchRoutingKey(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"course.lesson.created", "course.lesson.created", true},
		{"course.lesson.created", "course.lesson.deleted", false},
		{"course.*.created", "course.lesson.created", true},
		{"course.*.created", "course.lesson.part.created", false},
		{"course.#", "course.lesson.created", true},
		{"course.#", "course", true},
		{"#", "anything.at.all", true},
		{"#.created", "course.lesson.created", true},
		{"#.created", "created", true},
		{"course.#.created", "course.created", true},
		{"course.#.created", "course.a.b.created", true},
		{"course.#.created", "course.a.b.deleted", false},
		{"*.lesson.*", "course.lesson.created", true},
		{"*", "course.lesson", false},
		{"course.lesson", "course.lesson.created", false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, MatchRoutingKey(tc.pattern, tc.key), "%s vs %s", tc.pattern, tc.key)
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"billing.#", "course.lesson.*"}
	assert.True(t, MatchAny(patterns, "course.lesson.created"))
	assert.True(t, MatchAny(patterns, "billing.invoice.paid"))
	assert.False(t, MatchAny(patterns, "course.plan.created"))
	assert.False(t, MatchAny(nil, "course.plan.created"))
}

func TestValidatePattern(t *testing.T) {
	for _, ok := range []string{"a.b.c", "a.*.c", "#", "a.#"} {
		assert.NoError(t, ValidatePattern(ok), ok)
	}
	for _, bad := range []string{"", "a..b", "a.b*.c", "a.#b"} {
		assert.ErrorIs(t, ValidatePattern(bad), ErrInvalidPattern, bad)
	}
}
