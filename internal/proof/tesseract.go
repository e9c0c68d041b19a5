package proof

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/keithlinneman/topupstore/internal/log"
	"github.com/keithlinneman/topupstore/internal/xerrors"
)

// ErrRecognizerBusy means every OCR client stayed busy for the whole wait
var ErrRecognizerBusy = errors.New("ocr capacity exhausted")

const (
	defaultMaxOneShot  = 2
	defaultOneShotWait = 10 * time.Second
)

// ocrClient is the part of *gosseract.Client the worker uses
type ocrClient interface {
	SetImageFromBytes(data []byte) error
	Text() (string, error)
	Close() error
}

type newOCRClient func(languages []string) (ocrClient, error)

func newGosseract(languages []string) (ocrClient, error) {
	c := gosseract.NewClient()
	if err := c.SetLanguage(languages...); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

type TesseractOptions struct {
	Languages []string
	Logger    log.Logger

	// MaxOneShot caps the extra clients started while the long-lived one is busy
	MaxOneShot int
	// OneShotWait is how long a request waits for a free client before
	// failing with ErrRecognizerBusy
	OneShotWait time.Duration
}

// TesseractWorker keeps one tesseract client alive for the life of the
// process. A request that finds it busy, or finds it failed to start, gets a
// one-shot client, at most MaxOneShot of them at a time.
type TesseractWorker struct {
	mu     sync.Mutex
	client ocrClient

	oneShot   chan struct{}
	wait      time.Duration
	newClient newOCRClient
	languages []string
	logger    log.Logger
}

func NewTesseractWorker(ctx context.Context, opts TesseractOptions) *TesseractWorker {
	return newTesseractWorker(ctx, opts, newGosseract)
}

func newTesseractWorker(ctx context.Context, opts TesseractOptions, newClient newOCRClient) *TesseractWorker {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxOneShot <= 0 {
		opts.MaxOneShot = defaultMaxOneShot
	}
	if opts.OneShotWait <= 0 {
		opts.OneShotWait = defaultOneShotWait
	}
	w := &TesseractWorker{
		oneShot:   make(chan struct{}, opts.MaxOneShot),
		wait:      opts.OneShotWait,
		newClient: newClient,
		languages: opts.Languages,
		logger:    opts.Logger,
	}

	c, err := newClient(opts.Languages)
	if err != nil {
		w.logger.Warn(ctx, "tesseract worker unavailable, recognition will use one-shot clients", "err", err)
		return w
	}
	w.client = c
	w.logger.Info(ctx, "tesseract worker started", "languages", opts.Languages, "max_one_shot", opts.MaxOneShot)
	return w
}

func (w *TesseractWorker) Recognize(ctx context.Context, img []byte, progress ProgressFunc) (string, error) {
	progress = monotonic(progress)
	progress(0)
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if w.mu.TryLock() {
		if w.client != nil {
			defer w.mu.Unlock()
			text, err := recognizeWith(w.client, img, progress)
			return text, xerrors.Wrap(err, "tesseract worker")
		}
		w.mu.Unlock()
	}

	release, err := w.acquireOneShot(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	w.logger.Debug(ctx, "tesseract worker busy or unavailable, using one-shot client")
	c, err := w.newClient(w.languages)
	if err != nil {
		return "", xerrors.Wrap(err, "tesseract set language")
	}
	defer c.Close()
	text, err := recognizeWith(c, img, progress)
	return text, xerrors.Wrap(err, "tesseract one-shot")
}

// acquireOneShot takes a one-shot slot, waiting up to w.wait for one to free
func (w *TesseractWorker) acquireOneShot(ctx context.Context) (func(), error) {
	release := func() { <-w.oneShot }
	select {
	case w.oneShot <- struct{}{}:
		return release, nil
	default:
	}

	w.logger.Debug(ctx, "tesseract one-shot clients at capacity, waiting", "max_one_shot", cap(w.oneShot))
	timer := time.NewTimer(w.wait)
	defer timer.Stop()
	select {
	case w.oneShot <- struct{}{}:
		return release, nil
	case <-timer.C:
		return nil, xerrors.WithStack(ErrRecognizerBusy)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func recognizeWith(c ocrClient, img []byte, progress ProgressFunc) (string, error) {
	if err := c.SetImageFromBytes(img); err != nil {
		return "", err
	}
	progress(10)
	text, err := c.Text()
	if err != nil {
		return "", err
	}
	progress(100)
	return text, nil
}

// Close releases the long-lived client
func (w *TesseractWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client == nil {
		return nil
	}
	err := w.client.Close()
	w.client = nil
	return err
}
