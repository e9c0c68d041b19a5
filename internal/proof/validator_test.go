package proof

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"reflect"
	"strings"
	"sync"
	"testing"
)

// fakeRecognizer returns a fixed transcript and records what it was given
type fakeRecognizer struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
	last  []byte
}

func (f *fakeRecognizer) Recognize(ctx context.Context, img []byte, progress ProgressFunc) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = img
	progress(50)
	progress(100)
	return f.text, f.err
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

var bcaTransfer = &PaymentMethod{Type: MethodTransfer, AccountNumber: "1234567890", AccountName: "PT Topup Nusantara"}

const cleanTranscript = `BCA mobile
Transfer Berhasil
Rekening tujuan 1234567890
PT TOPUP NUSANTARA
Nominal Rp 50.000`

func TestValidate_SizeGuardSkipsRecognition(t *testing.T) {
	rec := &fakeRecognizer{text: cleanTranscript}
	v := NewValidator(rec)

	res, err := v.Validate(context.Background(), Upload{Data: make([]byte, 5*1024*1024+1)}, Expectation{}, nil)
	if !errors.Is(err, ErrFileTooLarge) || !errors.Is(err, ErrProofRejected) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
	if res.Outcome != OutcomeRejected || res.Reason == "" {
		t.Fatalf("result = %+v", res)
	}
	if rec.calls != 0 {
		t.Fatalf("recognizer called %d times, want 0", rec.calls)
	}
}

func TestValidate_PixelGuardSkipsRecognition(t *testing.T) {
	rec := &fakeRecognizer{text: cleanTranscript}
	v := NewValidator(rec)

	res, err := v.Validate(context.Background(), Upload{Data: pngHeaderOnly(12000, 12000)}, Expectation{}, nil)
	if !errors.Is(err, ErrTooManyPixels) || errors.Is(err, ErrProcessingFailed) {
		t.Fatalf("err = %v, want a rejection with ErrTooManyPixels", err)
	}
	if res.Outcome != OutcomeRejected || !strings.Contains(res.Reason, "40 megapiksel") {
		t.Fatalf("result = %+v", res)
	}
	if rec.calls != 0 {
		t.Fatalf("recognizer called %d times, want 0", rec.calls)
	}
}

func TestValidate_ExactlyMaxSizeIsAllowed(t *testing.T) {
	rules := DefaultRules()
	data := testPNG(t, 40, 20)
	rules.MaxFileBytes = int64(len(data))

	v := NewValidator(&fakeRecognizer{text: cleanTranscript}, WithRules(StaticRules(rules)))
	if _, err := v.Validate(context.Background(), Upload{Data: data}, Expectation{}, nil); err != nil {
		t.Fatalf("Validate at size limit: %v", err)
	}
}

func TestValidate_InsufficientKeywordsRejected(t *testing.T) {
	for _, text := range []string{"", "a photo of a cat", "Transfer of ownership"} {
		v := NewValidator(&fakeRecognizer{text: text})
		res, err := v.Validate(context.Background(), Upload{Data: testPNG(t, 40, 20)}, Expectation{}, nil)
		if !errors.Is(err, ErrInsufficientEvidence) || !errors.Is(err, ErrProofRejected) {
			t.Fatalf("%q: err = %v, want ErrInsufficientEvidence", text, err)
		}
		if res.Outcome != OutcomeRejected {
			t.Fatalf("%q: outcome = %s", text, res.Outcome)
		}
	}
}

func TestValidate_AcceptedClean(t *testing.T) {
	v := NewValidator(&fakeRecognizer{text: cleanTranscript})
	res, err := v.Validate(context.Background(), Upload{Data: testPNG(t, 40, 20)},
		Expectation{Method: bcaTransfer, Amount: 50250}, nil)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Outcome != OutcomeAccepted || len(res.Warnings) != 0 {
		t.Fatalf("result = %+v, want accepted without warnings", res)
	}
	want := []string{"bca", "berhasil", "nominal", "rekening", "rp", "transfer"}
	if !reflect.DeepEqual(res.MatchedKeywords, want) {
		t.Fatalf("keywords = %v, want %v", res.MatchedKeywords, want)
	}
}

func TestValidate_AlteredAccountFlagged(t *testing.T) {
	text := strings.Replace(cleanTranscript, "1234567890", "1234567891", 1)
	v := NewValidator(&fakeRecognizer{text: text})
	res, err := v.Validate(context.Background(), Upload{Data: testPNG(t, 40, 20)},
		Expectation{Method: bcaTransfer, Amount: 50000}, nil)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Outcome != OutcomeFlagged || len(res.Warnings) != 1 {
		t.Fatalf("result = %+v, want flagged with one warning", res)
	}
	if !strings.Contains(res.Warnings[0], "1234567890") {
		t.Fatalf("warning %q does not name the account", res.Warnings[0])
	}
}

func TestValidate_WarningOrder(t *testing.T) {
	text := "Transfer berhasil ke 999 Rp 75.000 budi"
	v := NewValidator(&fakeRecognizer{text: text})
	res, err := v.Validate(context.Background(), Upload{Data: testPNG(t, 40, 20)},
		Expectation{Method: bcaTransfer, Amount: 50000}, nil)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(res.Warnings) != 3 {
		t.Fatalf("warnings = %v, want 3", res.Warnings)
	}
	for i, want := range []string{"1234567890", "PT Topup Nusantara", "Rp 50.000"} {
		if !strings.Contains(res.Warnings[i], want) {
			t.Errorf("warning[%d] = %q, want it to mention %q", i, res.Warnings[i], want)
		}
	}
}

func TestValidate_Idempotent(t *testing.T) {
	text := strings.Replace(cleanTranscript, "50.000", "80.000", 1)
	v := NewValidator(&fakeRecognizer{text: text})
	up := Upload{Data: testPNG(t, 40, 20)}
	exp := Expectation{Method: bcaTransfer, Amount: 50000}

	first, err1 := v.Validate(context.Background(), up, exp, nil)
	second, err2 := v.Validate(context.Background(), up, exp, nil)
	if err1 != nil || err2 != nil {
		t.Fatalf("errors: %v %v", err1, err2)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("results differ:\n%+v\n%+v", first, second)
	}
}

func TestValidate_DoesNotModifyUpload(t *testing.T) {
	rec := &fakeRecognizer{text: cleanTranscript}
	data := testPNG(t, 64, 32)
	orig := append([]byte(nil), data...)

	v := NewValidator(rec)
	if _, err := v.Validate(context.Background(), Upload{Data: data}, Expectation{}, nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !bytes.Equal(data, orig) {
		t.Fatal("upload bytes were modified")
	}
	if bytes.Equal(rec.last, data) {
		t.Fatal("recognizer received the original bytes instead of the preprocessed image")
	}
	img, err := png.Decode(bytes.NewReader(rec.last))
	if err != nil {
		t.Fatalf("recognizer input is not png: %v", err)
	}
	if _, ok := img.(*image.Gray); !ok {
		t.Fatalf("recognizer input is %T, want *image.Gray", img)
	}
}

func TestValidate_ProcessingFailures(t *testing.T) {
	t.Run("undecodable", func(t *testing.T) {
		rec := &fakeRecognizer{text: cleanTranscript}
		res, err := NewValidator(rec).Validate(context.Background(), Upload{Data: []byte("not an image")}, Expectation{}, nil)
		if !errors.Is(err, ErrProcessingFailed) || errors.Is(err, ErrProofRejected) {
			t.Fatalf("err = %v, want ErrProcessingFailed only", err)
		}
		if res.Outcome != "" || rec.calls != 0 {
			t.Fatalf("partial result %+v or recognizer called", res)
		}
	})
	t.Run("recognizer", func(t *testing.T) {
		cause := errors.New("tesseract crashed")
		rec := &fakeRecognizer{err: cause}
		_, err := NewValidator(rec).Validate(context.Background(), Upload{Data: testPNG(t, 8, 8)}, Expectation{}, nil)
		if !errors.Is(err, ErrProcessingFailed) || !errors.Is(err, cause) {
			t.Fatalf("err = %v, want ErrProcessingFailed wrapping cause", err)
		}
	})
}

func TestValidate_ProgressMonotonicToHundred(t *testing.T) {
	var got []int
	v := NewValidator(&fakeRecognizer{text: cleanTranscript})
	_, err := v.Validate(context.Background(), Upload{Data: testPNG(t, 16, 16)}, Expectation{}, func(p int) {
		got = append(got, p)
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(got) == 0 || got[0] != 0 || got[len(got)-1] != 100 {
		t.Fatalf("progress = %v, want 0..100", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("progress not increasing: %v", got)
		}
	}
}

type spyMetrics struct{ outcomes []string }

func (s *spyMetrics) ObserveProofValidation(outcome string, _ float64) {
	s.outcomes = append(s.outcomes, outcome)
}

func TestValidate_Metrics(t *testing.T) {
	m := &spyMetrics{}
	v := NewValidator(&fakeRecognizer{text: "nothing"}, WithMetrics(m))
	_, _ = v.Validate(context.Background(), Upload{Data: testPNG(t, 8, 8)}, Expectation{}, nil)
	_, _ = v.Validate(context.Background(), Upload{Data: []byte("x")}, Expectation{}, nil)

	if want := []string{"rejected", "error"}; !reflect.DeepEqual(m.outcomes, want) {
		t.Fatalf("outcomes = %v, want %v", m.outcomes, want)
	}
}
