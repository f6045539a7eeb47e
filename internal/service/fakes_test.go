package service

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/digkill/RecipePlayground/internal/kie"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sliceStream struct {
	deltas []string
	err    error
	closed bool
}

func (s *sliceStream) Next() (string, error) {
	if len(s.deltas) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

type fakeText struct {
	mu      sync.Mutex
	failFor map[string]error
	deltas  []string
	calls   []textCall
	last    *sliceStream
}

type textCall struct {
	Model, System, Prompt string
}

func (f *fakeText) Open(ctx context.Context, model, system, prompt string) (TextStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, textCall{model, system, prompt})
	if err := f.failFor[model]; err != nil {
		return nil, err
	}
	f.last = &sliceStream{deltas: append([]string(nil), f.deltas...)}
	return f.last, nil
}

type fakeImage struct {
	img *kie.Image
	err error
}

func (f *fakeImage) Generate(ctx context.Context, model string, opts kie.GenerateOptions) (*kie.Image, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.img, nil
}

type fakeArchive struct {
	url string
	err error
	got []byte
}

func (f *fakeArchive) Archive(ctx context.Context, recipeSlug string, step int, data []byte, contentType string) (string, error) {
	f.got = data
	return f.url, f.err
}
