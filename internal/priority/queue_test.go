package priority

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_FIFOPerClass(t *testing.T) {
	t.Parallel()
	r := NewRegistry[string]()
	r.Enqueue(ClassRequest, "a")
	r.Enqueue(ClassFree, "x")
	r.Enqueue(ClassRequest, "b")

	got, ok := r.Dequeue(ClassRequest)
	require.True(t, ok)
	assert.Equal(t, "a", got)
	got, ok = r.Dequeue(ClassRequest)
	require.True(t, ok)
	assert.Equal(t, "b", got)
	_, ok = r.Dequeue(ClassRequest)
	assert.False(t, ok, "drained class should be empty")

	assert.Equal(t, 1, r.Len(ClassFree))
}

func TestRegistry_UnknownClassIsEmpty(t *testing.T) {
	t.Parallel()
	r := NewRegistry[int]()
	_, ok := r.Dequeue("nope")
	assert.False(t, ok)
	assert.Zero(t, r.Len("nope"))
	assert.Empty(t, r.Classes(), "dequeue must not create a queue")
}

func TestRegistry_ClassesFirstSeenAndKeptWhenEmpty(t *testing.T) {
	t.Parallel()
	r := NewRegistry[int]()
	r.Enqueue("custom", 1)
	r.Enqueue(ClassFree, 2)
	r.Enqueue("custom", 3)
	for {
		if _, ok := r.Dequeue("custom"); !ok {
			break
		}
	}
	assert.Equal(t, []Class{"custom", ClassFree}, r.Classes())
}

func TestRegistry_RequeueGoesToHead(t *testing.T) {
	t.Parallel()
	r := NewRegistry[string]()
	r.Enqueue(ClassFree, "b")
	r.Enqueue(ClassFree, "c")
	r.Requeue(ClassFree, "a")

	var out []string
	for {
		v, ok := r.Dequeue(ClassFree)
		if !ok {
			break
		}
		out = append(out, v)
	}
	assert.Equal(t, []string{"a", "b", "c"}, out)
}

func TestClassOf(t *testing.T) {
	t.Parallel()
	type sendMail struct {
		Free
		To string
	}
	tests := []struct {
		name string
		cmd  any
		want Class
		ok   bool
	}{
		{name: "plain", cmd: struct{}{}, ok: false},
		{name: "nil", cmd: nil, ok: false},
		{name: "embedded free", cmd: sendMail{To: "a@b"}, want: ClassFree, ok: true},
		{name: "urgent", cmd: Urgent{}, want: ClassUrgent, ok: true},
		{name: "custom", cmd: InClass("nightly"), want: "nightly", ok: true},
		{name: "empty custom", cmd: InClass(""), ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ClassOf(tt.cmd)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseClass(t *testing.T) {
	t.Parallel()
	c, err := ParseClass("  Request ")
	require.NoError(t, err)
	assert.Equal(t, ClassRequest, c)

	_, err = ParseClass("   ")
	assert.Error(t, err)
}
