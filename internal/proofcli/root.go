// Package proofcli is the staff command line for the payment proof validator:
// run proofs from disk through the same pipeline the storefront uses and
// inspect or check rules files before they are deployed.
package proofcli

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/topupstore/internal/log"
	"github.com/keithlinneman/topupstore/internal/proof"
)

// ErrRejected is returned by check when at least one proof was rejected
var ErrRejected = errors.New("one or more proofs rejected")

// RecognizerFactory builds the OCR backend and a release func for it
type RecognizerFactory func(ctx context.Context, languages []string) (proof.Recognizer, func() error)

type Options struct {
	Out io.Writer
	Err io.Writer
	// NewRecognizer defaults to a tesseract worker
	NewRecognizer RecognizerFactory
}

func tesseract(ctx context.Context, languages []string) (proof.Recognizer, func() error) {
	w := proof.NewTesseractWorker(ctx, proof.TesseractOptions{Languages: languages, Logger: log.Nop()})
	return w, w.Close
}

// NewRootCommand builds the proofcheck command tree
func NewRootCommand(version string, opts Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.NewRecognizer == nil {
		opts.NewRecognizer = tesseract
	}

	root := &cobra.Command{
		Use:   "proofcheck",
		Short: "Run payment proof screenshots through the validator",
		Long: `proofcheck runs payment proof images through the same size guard,
preprocessing, OCR and scoring the storefront applies to uploads.

Use it to check a disputed proof by hand or to try a rules file before
deploying it.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(opts.Out)
	root.SetErr(opts.Err)

	root.AddCommand(newCheckCommand(opts))
	root.AddCommand(newRulesCommand())
	return root
}

// loadRules returns DefaultRules when path is empty
func loadRules(path string) (proof.Rules, error) {
	if path == "" {
		return proof.DefaultRules(), nil
	}
	return proof.LoadRules(path)
}
