package proofcli

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/keithlinneman/topupstore/internal/proof"
	"github.com/keithlinneman/topupstore/internal/rupiah"
)

type checkFlags struct {
	rulesFile     string
	methodType    string
	accountNumber string
	accountName   string
	amount        string
	jsonOut       bool
	progress      bool
}

// fileResult is one line of check output
type fileResult struct {
	File  string `json:"file"`
	Error string `json:"error,omitempty"`
	proof.Result
}

func newCheckCommand(opts Options) *cobra.Command {
	var f checkFlags
	cmd := &cobra.Command{
		Use:   "check FILE...",
		Short: "Validate one or more proof images",
		Example: `  proofcheck check bukti.jpg
  proofcheck check --account 1234567890 --name "PT Topup Nusantara" --amount "Rp 50.000" bukti.jpg
  proofcheck check --type qris --name "Topup Nusantara" --json *.png`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts, f, args)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.rulesFile, "rules", "", "rules yaml file (defaults to the built-in rules)")
	fl.StringVar(&f.methodType, "type", proof.MethodTransfer, "payment method type (transfer|qris)")
	fl.StringVar(&f.accountNumber, "account", "", "expected destination account number")
	fl.StringVar(&f.accountName, "name", "", "expected recipient or merchant name")
	fl.StringVar(&f.amount, "amount", "", `expected amount, e.g. 50000 or "Rp 50.000"`)
	fl.BoolVar(&f.jsonOut, "json", false, "print one JSON object per file")
	fl.BoolVar(&f.progress, "progress", false, "print validation progress to stderr")
	return cmd
}

func (f checkFlags) expectation() (proof.Expectation, error) {
	var exp proof.Expectation
	typ := strings.ToLower(strings.TrimSpace(f.methodType))
	if typ != proof.MethodTransfer && typ != proof.MethodQRIS {
		return exp, fmt.Errorf("invalid --type %q (must be transfer or qris)", f.methodType)
	}
	if f.accountNumber != "" || f.accountName != "" {
		exp.Method = &proof.PaymentMethod{
			Type:          typ,
			AccountNumber: strings.TrimSpace(f.accountNumber),
			AccountName:   strings.TrimSpace(f.accountName),
		}
	}
	if f.amount != "" {
		n, err := parseAmount(f.amount)
		if err != nil {
			return exp, err
		}
		exp.Amount = n
	}
	return exp, nil
}

// parseAmount accepts plain digits or rupiah notation with dot thousands
// separators. Decimals are not accepted.
func parseAmount(s string) (int64, error) {
	t := strings.TrimSpace(s)
	t = strings.TrimPrefix(strings.TrimPrefix(t, "Rp"), "rp")
	t = strings.ReplaceAll(strings.TrimSpace(t), ".", "")
	n, err := strconv.ParseInt(t, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid --amount %q", s)
	}
	return n, nil
}

func runCheck(cmd *cobra.Command, opts Options, f checkFlags, files []string) error {
	ctx := cmd.Context()

	exp, err := f.expectation()
	if err != nil {
		return err
	}
	rules, err := loadRules(f.rulesFile)
	if err != nil {
		return err
	}

	rec, release := opts.NewRecognizer(ctx, rules.Languages)
	defer func() { _ = release() }()
	v := proof.NewValidator(rec, proof.WithRules(proof.StaticRules(rules)))

	out := cmd.OutOrStdout()
	rejected, failed := 0, 0
	for _, path := range files {
		fr := fileResult{File: path}

		data, err := os.ReadFile(path)
		if err != nil {
			fr.Error = err.Error()
			failed++
			writeResult(out, fr, f.jsonOut)
			continue
		}

		var progress proof.ProgressFunc
		if f.progress {
			errOut := cmd.ErrOrStderr()
			progress = func(p int) { fmt.Fprintf(errOut, "%s: %d%%\n", filepath.Base(path), p) }
		}

		up := proof.Upload{Name: filepath.Base(path), ContentType: http.DetectContentType(data), Data: data}
		fr.Result, err = v.Validate(ctx, up, exp, progress)
		switch {
		case err == nil:
		case fr.Outcome == proof.OutcomeRejected:
			rejected++
		default:
			fr.Error = err.Error()
			failed++
		}
		writeResult(out, fr, f.jsonOut)
	}

	if !f.jsonOut && exp.Amount > 0 {
		fmt.Fprintf(out, "expected amount: %s\n", rupiah.Format(exp.Amount))
	}
	// a file that could not be checked outranks a rejection, neither says
	// anything about the proof
	if failed > 0 {
		return fmt.Errorf("%d of %d files could not be checked, %d rejected", failed, len(files), rejected)
	}
	if rejected > 0 {
		return fmt.Errorf("%w: %d of %d", ErrRejected, rejected, len(files))
	}
	return nil
}

func writeResult(w io.Writer, fr fileResult, asJSON bool) {
	if asJSON {
		if fr.Warnings == nil {
			fr.Warnings = []string{}
		}
		if fr.MatchedKeywords == nil {
			fr.MatchedKeywords = []string{}
		}
		b, err := sonic.ConfigStd.Marshal(fr)
		if err != nil {
			fmt.Fprintf(w, "{\"file\":%q,\"error\":%q}\n", fr.File, err.Error())
			return
		}
		fmt.Fprintln(w, string(b))
		return
	}

	if fr.Error != "" {
		fmt.Fprintf(w, "%s: error: %s\n", fr.File, fr.Error)
		return
	}
	fmt.Fprintf(w, "%s: %s\n", fr.File, fr.Outcome)
	if fr.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", fr.Reason)
	}
	if len(fr.MatchedKeywords) > 0 {
		fmt.Fprintf(w, "  keywords: %s\n", strings.Join(fr.MatchedKeywords, ", "))
	}
	for _, warn := range fr.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
}
