package orders

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/topupstore/internal/xerrors"
)

type seedFile struct {
	PaymentMethods []seedMethod `yaml:"payment_methods"`
}

type seedMethod struct {
	ID            string `yaml:"id"`
	Type          string `yaml:"type"`
	Label         string `yaml:"label"`
	AccountName   string `yaml:"account_name"`
	AccountNumber string `yaml:"account_number"`
	QRISImageURL  string `yaml:"qris_image_url"`
	// omitted means active
	Active *bool `yaml:"active"`
}

// ParsePaymentMethods decodes a payment method seed document
func ParsePaymentMethods(data []byte) ([]PaymentMethod, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, xerrors.Wrap(err, "decode payment methods")
	}

	var errs []error
	seen := make(map[string]bool, len(f.PaymentMethods))
	out := make([]PaymentMethod, 0, len(f.PaymentMethods))
	for i, m := range f.PaymentMethods {
		id := strings.TrimSpace(m.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("payment_methods[%d]: id is required", i))
			continue
		case seen[id]:
			errs = append(errs, fmt.Errorf("payment_methods[%d]: duplicate id %q", i, id))
			continue
		}
		seen[id] = true

		typ := strings.ToLower(strings.TrimSpace(m.Type))
		if typ != "transfer" && typ != "qris" {
			errs = append(errs, fmt.Errorf("payment method %s: type must be transfer or qris, got %q", id, m.Type))
			continue
		}
		active := m.Active == nil || *m.Active
		out = append(out, PaymentMethod{
			ID:            id,
			Type:          typ,
			Label:         strings.TrimSpace(m.Label),
			AccountName:   strings.TrimSpace(m.AccountName),
			AccountNumber: strings.TrimSpace(m.AccountNumber),
			QRISImageURL:  strings.TrimSpace(m.QRISImageURL),
			Active:        active,
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, xerrors.Wrap(err, "invalid payment methods")
	}
	return out, nil
}

func LoadPaymentMethods(path string) ([]PaymentMethod, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read payment methods %s", path)
	}
	return ParsePaymentMethods(data)
}
