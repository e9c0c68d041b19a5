package proof

import "context"

// ProgressFunc receives completion percentages in [0, 100]
type ProgressFunc func(percent int)

// Recognizer turns a prepared image into a plain-text transcript
type Recognizer interface {
	Recognize(ctx context.Context, img []byte, progress ProgressFunc) (string, error)
}

type RecognizerFunc func(ctx context.Context, img []byte, progress ProgressFunc) (string, error)

func (f RecognizerFunc) Recognize(ctx context.Context, img []byte, progress ProgressFunc) (string, error) {
	return f(ctx, img, progress)
}

// monotonic drops reports that would move progress backwards and clamps to [0, 100]
func monotonic(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(int) {}
	}
	last := -1
	return func(p int) {
		p = min(max(p, 0), 100)
		if p <= last {
			return
		}
		last = p
		fn(p)
	}
}

// scaled maps a sub-stage's 0..100 onto lo..hi of the parent
func scaled(fn ProgressFunc, lo, hi int) ProgressFunc {
	return func(p int) {
		p = min(max(p, 0), 100)
		fn(lo + p*(hi-lo)/100)
	}
}
