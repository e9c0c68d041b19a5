package proof

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/topupstore/internal/log"
	"github.com/keithlinneman/topupstore/internal/prof"
	"github.com/keithlinneman/topupstore/internal/rupiah"
	"github.com/keithlinneman/topupstore/internal/xerrors"
)

var (
	ErrProofRejected        = errors.New("payment proof rejected")
	ErrFileTooLarge         = fmt.Errorf("%w: file too large", ErrProofRejected)
	ErrInsufficientEvidence = fmt.Errorf("%w: not enough receipt keywords", ErrProofRejected)
	ErrTooManyPixels        = fmt.Errorf("%w: image dimensions too large", ErrProofRejected)

	ErrProcessingFailed = errors.New("payment proof processing failed")
)

type Outcome string

const (
	OutcomeRejected Outcome = "rejected"
	OutcomeAccepted Outcome = "accepted"
	OutcomeFlagged  Outcome = "flagged"
)

const (
	MethodTransfer = "transfer"
	MethodQRIS     = "qris"
)

type PaymentMethod struct {
	Type          string
	AccountNumber string
	AccountName   string
}

// Expectation is what the proof should show. A nil Method or a zero Amount
// skips the corresponding checks.
type Expectation struct {
	Method *PaymentMethod
	Amount int64
}

type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

type Result struct {
	Outcome         Outcome  `json:"outcome"`
	MatchedKeywords []string `json:"matchedKeywords"`
	Warnings        []string `json:"warnings"`
	Reason          string   `json:"reason,omitempty"`
}

const (
	reasonTooLarge     = "Ukuran file terlalu besar. Maksimal %d MB."
	reasonTooManyPixel = "Resolusi gambar terlalu besar. Maksimal %d megapiksel."
	reasonNotAReceipt  = "Gambar ditolak! Harap upload BUKTI TRANSFER yang sah."
	warnAccount        = "Nomor rekening tujuan %s tidak ditemukan pada bukti pembayaran."
	warnRecipientName  = "Nama penerima %q tidak ditemukan pada bukti pembayaran."
	warnMerchantName   = "Nama merchant %q tidak ditemukan pada bukti pembayaran."
	warnAmount         = "Nominal %s tidak ditemukan pada bukti pembayaran."
	tracerName         = "topupstore/proof"
	progressCompressed = 10
	progressGrayscale  = 20
	progressRecognized = 90
)

// Metrics is implemented by the metrics package
type Metrics interface {
	ObserveProofValidation(outcome string, seconds float64)
}

type Validator struct {
	rules      RulesProvider
	recognizer Recognizer
	logger     log.Logger
	metrics    Metrics
	tracer     trace.Tracer
}

type ValidatorOption func(*Validator)

func WithRules(p RulesProvider) ValidatorOption {
	return func(v *Validator) { v.rules = p }
}

func WithLogger(l log.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

func WithMetrics(m Metrics) ValidatorOption {
	return func(v *Validator) { v.metrics = m }
}

func NewValidator(rec Recognizer, opts ...ValidatorOption) *Validator {
	v := &Validator{
		rules:      StaticRules(DefaultRules()),
		recognizer: rec,
		logger:     log.Nop(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate runs the full pipeline over up. A rejection returns the rejected
// Result together with an error matching ErrProofRejected. A failure in
// compression, grayscale or recognition returns an error matching
// ErrProcessingFailed and no result. up.Data is only read.
func (v *Validator) Validate(ctx context.Context, up Upload, exp Expectation, progress ProgressFunc) (Result, error) {
	start := time.Now()
	progress = monotonic(progress)
	rules := v.rules.Rules()

	ctx, span := v.tracer.Start(ctx, "proof.validate", trace.WithAttributes(
		attribute.Int("proof.size_bytes", len(up.Data)),
		attribute.String("proof.content_type", up.ContentType),
	))
	defer span.End()

	res, err := v.run(ctx, rules, up, exp, progress)

	outcome := string(res.Outcome)
	if err != nil && !errors.Is(err, ErrProofRejected) {
		outcome = "error"
	}
	span.SetAttributes(attribute.String("proof.outcome", outcome))
	if v.metrics != nil {
		v.metrics.ObserveProofValidation(outcome, time.Since(start).Seconds())
	}

	switch {
	case err == nil:
		v.logger.Info(ctx, "payment proof validated",
			"outcome", res.Outcome,
			"keywords", len(res.MatchedKeywords),
			"warnings", len(res.Warnings),
		)
	case errors.Is(err, ErrProofRejected):
		v.logger.Info(ctx, "payment proof rejected", "reason", err.Error(), "keywords", len(res.MatchedKeywords))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "processing failed")
		return Result{}, err
	}
	return res, err
}

func (v *Validator) run(ctx context.Context, rules Rules, up Upload, exp Expectation, progress ProgressFunc) (Result, error) {
	progress(0)

	if int64(len(up.Data)) > rules.MaxFileBytes {
		return Result{
			Outcome: OutcomeRejected,
			Reason:  fmt.Sprintf(reasonTooLarge, rules.MaxFileBytes/(1024*1024)),
		}, xerrors.WithStack(ErrFileTooLarge)
	}

	compressed, err := stage(ctx, v.tracer, "proof.compress", func(context.Context) ([]byte, error) {
		return compress(up.Data, rules.MaxEdge, rules.TargetBytes, rules.MaxPixels)
	})
	if errors.Is(err, ErrTooManyPixels) {
		return Result{
			Outcome: OutcomeRejected,
			Reason:  fmt.Sprintf(reasonTooManyPixel, rules.MaxPixels/1_000_000),
		}, err
	}
	if err != nil {
		return Result{}, processingFailed("compress", err)
	}
	progress(progressCompressed)

	gray, err := stage(ctx, v.tracer, "proof.grayscale", func(context.Context) ([]byte, error) {
		return grayscale(compressed)
	})
	if err != nil {
		return Result{}, processingFailed("grayscale", err)
	}
	progress(progressGrayscale)

	transcript, err := stage(ctx, v.tracer, "proof.recognize", func(ctx context.Context) (string, error) {
		return v.recognizer.Recognize(ctx, gray, scaled(progress, progressGrayscale, progressRecognized))
	})
	if err != nil {
		return Result{}, processingFailed("recognize", err)
	}
	progress(progressRecognized)

	_, span := v.tracer.Start(ctx, "proof.score")
	res := score(rules, transcript, exp)
	span.SetAttributes(
		attribute.Int("proof.keywords", len(res.MatchedKeywords)),
		attribute.Int("proof.warnings", len(res.Warnings)),
	)
	span.End()
	progress(100)

	if res.Outcome == OutcomeRejected {
		return res, xerrors.WithStack(ErrInsufficientEvidence)
	}
	return res, nil
}

// score is the deterministic part of the pipeline: same transcript, rules and
// expectation give the same result
func score(rules Rules, transcript string, exp Expectation) Result {
	res := Result{
		MatchedKeywords: matchKeywords(transcript, rules.Vocabulary),
		Warnings:        []string{},
	}
	if len(res.MatchedKeywords) < rules.MinKeywords {
		res.Outcome = OutcomeRejected
		res.Reason = reasonNotAReceipt
		return res
	}

	if m := exp.Method; m != nil {
		if m.Type == MethodTransfer && strings.TrimSpace(m.AccountNumber) != "" {
			if !containsAccount(transcript, m.AccountNumber) {
				res.Warnings = append(res.Warnings, fmt.Sprintf(warnAccount, m.AccountNumber))
			}
		}
		if words := nameWords(m.AccountName, rules.NameMinWordLen); len(words) > 0 {
			if !containsAnyWord(transcript, words) {
				tmpl := warnRecipientName
				if m.Type == MethodQRIS {
					tmpl = warnMerchantName
				}
				res.Warnings = append(res.Warnings, fmt.Sprintf(tmpl, m.AccountName))
			}
		}
	}

	if exp.Amount > 0 {
		amounts := extractAmounts(transcript, rules.AmountFloor)
		if len(amounts) > 0 && !amountWithin(amounts, exp.Amount, rules.AmountTolerance) {
			res.Warnings = append(res.Warnings, fmt.Sprintf(warnAmount, rupiah.Format(exp.Amount)))
		}
	}

	res.Outcome = OutcomeAccepted
	if len(res.Warnings) > 0 {
		res.Outcome = OutcomeFlagged
	}
	return res
}

// stage runs one pipeline step under its own span and profiler label
func stage[T any](ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) (T, error)) (out T, err error) {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	prof.Labeled(ctx, "proof_stage", name, func(ctx context.Context) {
		out, err = fn(ctx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func processingFailed(step string, err error) error {
	return xerrors.Errorf("%w: %s: %w", ErrProcessingFailed, step, err)
}
