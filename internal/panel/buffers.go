package panel

import (
	"bytes"
	"context"
	"errors"
)

var ErrNoBuffer = errors.New("no output buffer started")

// Buffers is a stack of nested output buffers shared by the panels of one
// render. A panel that fails half way may leave levels behind; the renderer
// unwinds them back to the depth it recorded before the panel started.
type Buffers struct {
	stack []*bytes.Buffer
}

func (b *Buffers) Push() int {
	b.stack = append(b.stack, &bytes.Buffer{})
	return len(b.stack)
}

func (b *Buffers) Pop() (string, error) {
	if len(b.stack) == 0 {
		return "", ErrNoBuffer
	}
	top := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	return top.String(), nil
}

func (b *Buffers) Write(p []byte) (int, error) {
	if len(b.stack) == 0 {
		return 0, ErrNoBuffer
	}
	return b.stack[len(b.stack)-1].Write(p)
}

func (b *Buffers) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

func (b *Buffers) Depth() int {
	return len(b.stack)
}

// Unwind discards every level above depth and returns how many were dropped.
func (b *Buffers) Unwind(depth int) int {
	if depth < 0 {
		depth = 0
	}
	dropped := 0
	for len(b.stack) > depth {
		b.stack = b.stack[:len(b.stack)-1]
		dropped++
	}
	return dropped
}

type buffersKey struct{}

func WithBuffers(ctx context.Context, b *Buffers) context.Context {
	return context.WithValue(ctx, buffersKey{}, b)
}

// BuffersFrom returns the buffer stack of the render in progress. Outside a
// render it returns a fresh, unshared stack.
func BuffersFrom(ctx context.Context) *Buffers {
	if b, ok := ctx.Value(buffersKey{}).(*Buffers); ok && b != nil {
		return b
	}
	return &Buffers{}
}
