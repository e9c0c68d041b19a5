package proof

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/topupstore/internal/xerrors"
)

// Rules is the tunable part of the validator. Everything the scoring and
// matching stages compare against lives here so it can be reloaded.
type Rules struct {
	// Vocabulary is matched as lowercase substrings of the transcript
	Vocabulary  []string `yaml:"vocabulary"`
	MinKeywords int      `yaml:"min_keywords"`

	// only numbers strictly above AmountFloor count as amounts
	AmountFloor     int64 `yaml:"amount_floor"`
	AmountTolerance int64 `yaml:"amount_tolerance"`

	// name words must be longer than this many characters
	NameMinWordLen int `yaml:"name_min_word_len"`

	Languages []string `yaml:"languages"`

	MaxFileBytes int64 `yaml:"max_file_bytes"`
	// MaxPixels is checked on the image header, before any pixel is decoded
	MaxPixels   int64 `yaml:"max_pixels"`
	MaxEdge     int   `yaml:"max_edge"`
	TargetBytes int   `yaml:"target_bytes"`
}

func DefaultRules() Rules {
	return Rules{
		Vocabulary: []string{
			"berhasil", "transfer", "transaksi", "sukses", "rp", "idr",
			"bca", "mandiri", "bni", "bri", "bsi", "cimb", "permata",
			"dana", "ovo", "gopay", "shopeepay", "linkaja",
			"struk", "bukti", "mutasi", "rekening", "nominal", "pengirim",
			"penerima", "qris", "merchant", "pembayaran",
			"approved", "diterima", "successful", "receipt",
		},
		MinKeywords:     2,
		AmountFloor:     1000,
		AmountTolerance: 500,
		NameMinWordLen:  2,
		Languages:       []string{"ind", "eng"},
		MaxFileBytes:    5 * 1024 * 1024,
		MaxPixels:       40_000_000,
		MaxEdge:         1600,
		TargetBytes:     1024 * 1024,
	}
}

// Validate reports every problem at once
func (r Rules) Validate() error {
	var errs []error
	if len(r.Vocabulary) == 0 {
		errs = append(errs, fmt.Errorf("vocabulary is empty"))
	}
	for i, w := range r.Vocabulary {
		if strings.TrimSpace(w) == "" {
			errs = append(errs, fmt.Errorf("vocabulary[%d] is blank", i))
		}
	}
	if r.MinKeywords < 1 {
		errs = append(errs, fmt.Errorf("min_keywords must be >= 1 (got %d)", r.MinKeywords))
	}
	if r.MinKeywords > len(r.Vocabulary) {
		errs = append(errs, fmt.Errorf("min_keywords %d exceeds vocabulary size %d", r.MinKeywords, len(r.Vocabulary)))
	}
	if r.AmountFloor < 0 || r.AmountTolerance < 0 {
		errs = append(errs, fmt.Errorf("amount_floor and amount_tolerance must be >= 0"))
	}
	if r.NameMinWordLen < 0 {
		errs = append(errs, fmt.Errorf("name_min_word_len must be >= 0"))
	}
	if len(r.Languages) == 0 {
		errs = append(errs, fmt.Errorf("languages is empty"))
	}
	if r.MaxFileBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_file_bytes must be > 0"))
	}
	if r.MaxPixels <= 0 {
		errs = append(errs, fmt.Errorf("max_pixels must be > 0"))
	}
	if r.MaxEdge <= 0 || r.TargetBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_edge and target_bytes must be > 0"))
	}
	return errors.Join(errs...)
}

// normalized lowercases and de-duplicates the vocabulary
func (r Rules) normalized() Rules {
	seen := make(map[string]struct{}, len(r.Vocabulary))
	vocab := make([]string, 0, len(r.Vocabulary))
	for _, w := range r.Vocabulary {
		w = strings.ToLower(strings.TrimSpace(w))
		if _, dup := seen[w]; dup || w == "" {
			continue
		}
		seen[w] = struct{}{}
		vocab = append(vocab, w)
	}
	r.Vocabulary = vocab
	return r
}

// ParseRules decodes YAML over DefaultRules, so a file only names what it changes
func ParseRules(data []byte) (Rules, error) {
	r := DefaultRules()
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, xerrors.Wrap(err, "decode proof rules")
	}
	r = r.normalized()
	if err := r.Validate(); err != nil {
		return Rules{}, xerrors.Wrap(err, "invalid proof rules")
	}
	return r, nil
}

func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, xerrors.Wrapf(err, "read proof rules %s", path)
	}
	return ParseRules(data)
}

type RulesProvider interface {
	Rules() Rules
}

// StaticRules never changes
type StaticRules Rules

func (s StaticRules) Rules() Rules { return Rules(s) }

// RulesManager holds the active rules for lock-free reads while a watcher
// swaps them in the background
type RulesManager struct {
	active atomic.Pointer[Rules]
}

func NewRulesManager(r Rules) *RulesManager {
	m := &RulesManager{}
	m.Set(r)
	return m
}

func (m *RulesManager) Set(r Rules) {
	cp := r.normalized()
	m.active.Store(&cp)
}

func (m *RulesManager) Rules() Rules {
	return *m.active.Load()
}
